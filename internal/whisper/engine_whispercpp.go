//go:build whisper_cpp

package whisper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rs/zerolog"
)

// BackendCapabilities reports what the compiled backend supports. The Go
// bindings load models with whisper.cpp's default context params, so GPU use
// follows how libwhisper was built and cannot be tuned per call.
func BackendCapabilities() Capabilities {
	return Capabilities{Backend: "whisper.cpp", GPU: true}
}

var errEngineClosed = errors.New("whisper: engine closed")

// engineCPP is the whisper.cpp-backed implementation of Engine.
type engineCPP struct {
	model    whisperpkg.Model
	threads  uint
	language string
	log      zerolog.Logger
	mu       sync.Mutex // whisper contexts are not safe to run concurrently on one model
}

func newBackend(opts Options) (Engine, error) {
	start := time.Now()
	m, err := whisperpkg.New(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", opts.ModelPath, err)
	}
	opts.Logger.Info().
		Str("model", opts.ModelPath).
		Dur("took", time.Since(start)).
		Bool("multilingual", m.IsMultilingual()).
		Msg("whisper: model loaded successfully")

	return &engineCPP{
		model:    m,
		threads:  uint(opts.Threads),
		language: opts.Language,
		log:      opts.Logger,
	}, nil
}

// Close waits for an in-flight Transcribe before freeing the model.
func (e *engineCPP) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	return err
}

// Transcribe streams segments through onSegment as whisper.cpp produces them.
// Cancellation is cooperative: the encoder-begin hook refuses to start another
// encoder pass once ctx is done, and no segment is reported after that.
func (e *engineCPP) Transcribe(ctx context.Context, samples []float32, onSegment func(Segment)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return errEngineClosed
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return fmt.Errorf("create context: %w", err)
	}
	wctx.SetThreads(e.threads)
	if err := wctx.SetLanguage(e.language); err != nil {
		e.log.Warn().Err(err).Str("language", e.language).Msg("whisper: failed to set language, using default")
	}
	wctx.SetSplitOnWord(true)
	wctx.SetTokenTimestamps(true)

	keepGoing := func() bool { return ctx.Err() == nil }
	segCB := func(seg whisperpkg.Segment) {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			return
		}
		onSegment(Segment{Text: text, Start: seg.Start, End: seg.End})
	}

	if err := wctx.Process(samples, keepGoing, segCB, nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("process audio: %w", err)
	}
	return ctx.Err()
}
