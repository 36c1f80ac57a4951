package whisper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// ErrModelNotFound means the configured model file is missing or unreadable.
// It is a configuration error: the pipeline must not start without a model.
var ErrModelNotFound = errors.New("whisper: model not found")

// Segment is one piece of recognized text.
type Segment struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// Engine transcribes self-contained 16 kHz mono buffers.
// Implementations may be a no-op (stub) or backed by whisper.cpp (build tag: whisper_cpp).
type Engine interface {
	// Transcribe runs recognition over samples and calls onSegment for every
	// segment, in order, as soon as it is available. It may produce no
	// segments. When ctx is cancelled it stops early and returns ctx.Err().
	Transcribe(ctx context.Context, samples []float32, onSegment func(Segment)) error
	Close() error
}

// Options configures NewEngine.
type Options struct {
	ModelPath string
	// Language is a whisper language code; "auto" enables detection.
	Language string
	// Threads is a hint; zero picks half the CPU count.
	Threads int
	// Acceleration is a hint resolved against the compiled backend's
	// capabilities. A nil value means CPUOnly.
	Acceleration Acceleration
	Logger       zerolog.Logger
}

// DefaultThreads returns the thread count used when Options.Threads is zero.
func DefaultThreads() int {
	return max(1, runtime.NumCPU()/2)
}

// NewEngine checks that the model exists, resolves the acceleration hint and
// loads the backend selected at build time.
func NewEngine(opts Options) (Engine, error) {
	if opts.ModelPath == "" {
		return nil, fmt.Errorf("%w: no model path configured", ErrModelNotFound)
	}
	fi, err := os.Stat(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %w", ErrModelNotFound, opts.ModelPath, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w at %s: path is a directory", ErrModelNotFound, opts.ModelPath)
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	if opts.Threads <= 0 {
		opts.Threads = DefaultThreads()
	}

	caps := BackendCapabilities()
	resolved, note := Resolve(opts.Acceleration, caps)
	ev := opts.Logger.Info().
		Str("backend", caps.Backend).
		Str("requested", describe(opts.Acceleration)).
		Str("resolved", resolved.String()).
		Int("threads", opts.Threads)
	if note != "" {
		ev = ev.Str("note", note)
	}
	ev.Msg("whisper: acceleration resolved")
	opts.Acceleration = resolved

	return newBackend(opts)
}

func describe(a Acceleration) string {
	if a == nil {
		return CPUOnly{}.String()
	}
	return a.String()
}
