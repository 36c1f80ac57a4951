// Package segmenter cuts the continuous sample stream into overlapping
// windows, runs recognition on each one, and retries over a longer context
// after a run of empty results.
package segmenter

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/obiente/translate/captioncast/internal/audio"
	"github.com/obiente/translate/captioncast/internal/events"
	"github.com/obiente/translate/captioncast/internal/observe"
	"github.com/obiente/translate/captioncast/internal/whisper"
)

const (
	// MaxWindow caps how much audio one cycle may collect.
	MaxWindow = 3 * time.Second
	// ContextCap bounds the fallback context buffer.
	ContextCap = 5 * time.Second
	// FallbackStreak is the number of consecutive empty windows that
	// triggers a fallback pass.
	FallbackStreak = 4
	// FallbackMin is the context length required for a fallback pass.
	FallbackMin = 3 * time.Second
	// DefaultPoll is how long the loop waits for more audio.
	DefaultPoll = 50 * time.Millisecond
)

func samplesFor(rate int, d time.Duration) int {
	return int(int64(rate) * int64(d) / int64(time.Second))
}

// ThresholdSamples is the window length that triggers recognition:
// max(rate/4, rate*latencyMs/1000), never more than MaxWindow.
func ThresholdSamples(rate, latencyMs int) int {
	n := max(rate/4, int(int64(rate)*int64(latencyMs)/1000))
	return min(n, samplesFor(rate, MaxWindow))
}

// OverlapSamples is how much of each window is carried into the next:
// max(rate/4, threshold/2).
func OverlapSamples(rate, threshold int) int {
	return max(rate/4, threshold/2)
}

// Options configures a Segmenter.
type Options struct {
	Engine whisper.Engine
	Queue  *audio.SampleQueue
	// SampleRate defaults to audio.SampleRate.
	SampleRate int
	LatencyMs  int
	// Poll defaults to DefaultPoll.
	Poll    time.Duration
	Metrics *observe.Metrics
	Logger  zerolog.Logger
}

// Segmenter is the single recognition worker. Window and context buffers are
// touched only by Run.
type Segmenter struct {
	opts Options

	threshold int
	overlap   int
	maxWindow int
	ctxCap    int
	fbMin     int
	// minFresh is the new audio a window needs beyond the carried overlap.
	minFresh int

	window      []float32
	contextBuf  []float32
	fresh       int
	emptyStreak int
}

// New returns a Segmenter; call Run to start it.
func New(opts Options) *Segmenter {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.SampleRate
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.Discard()
	}
	sr := opts.SampleRate
	th := ThresholdSamples(sr, opts.LatencyMs)
	return &Segmenter{
		opts:      opts,
		threshold: th,
		overlap:   OverlapSamples(sr, th),
		maxWindow: samplesFor(sr, MaxWindow),
		ctxCap:    samplesFor(sr, ContextCap),
		fbMin:     samplesFor(sr, FallbackMin),
		minFresh:  sr / 10,
		window:    make([]float32, 0, samplesFor(sr, MaxWindow)),
	}
}

// Threshold returns the window length that triggers recognition.
func (s *Segmenter) Threshold() int { return s.threshold }

// Overlap returns the carried-forward length.
func (s *Segmenter) Overlap() int { return s.overlap }

// Run loops until ctx is cancelled, sending every non-blank segment to out
// as soon as the engine yields it. It closes nothing and returns nil on
// cancellation; engine failures are logged and the loop continues.
func (s *Segmenter) Run(ctx context.Context, out chan<- events.RawSegment) error {
	log := s.opts.Logger
	log.Info().Int("latency_ms", s.opts.LatencyMs).Int("threshold", s.threshold).Int("overlap", s.overlap).Msg("segmenter started")
	defer log.Info().Msg("segmenter stopped")

	timer := time.NewTimer(s.opts.Poll)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		before := len(s.window)
		s.window = s.opts.Queue.Drain(s.window, s.maxWindow-len(s.window))
		s.fresh += len(s.window) - before

		if len(s.window) < s.threshold || s.fresh < min(s.minFresh, s.threshold) {
			timer.Reset(s.opts.Poll)
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
			}
			continue
		}

		if stop := s.cycle(ctx, out); stop {
			return nil
		}
	}
}

// cycle processes one ready window. It reports true when the loop should
// stop because ctx was cancelled.
func (s *Segmenter) cycle(ctx context.Context, out chan<- events.RawSegment) bool {
	snap := make([]float32, len(s.window))
	copy(snap, s.window)

	keep := min(s.overlap, len(snap))
	s.window = append(s.window[:0], snap[len(snap)-keep:]...)
	s.fresh = 0

	s.contextBuf = append(s.contextBuf, snap...)
	if over := len(s.contextBuf) - s.ctxCap; over > 0 {
		s.contextBuf = append(s.contextBuf[:0], s.contextBuf[over:]...)
	}

	if e := s.opts.Logger.Debug(); e.Enabled() {
		rms, peak := stats(snap)
		e.Int("samples", len(snap)).Float64("rms", rms).Float64("max", peak).Msg("processing window")
	}

	n, err := s.recognize(ctx, snap, observe.PathWindow, out)
	if stopped(ctx, err) {
		return true
	}
	if err != nil {
		return false
	}
	if n > 0 {
		s.emptyStreak = 0
		return false
	}

	s.emptyStreak++
	s.opts.Metrics.EmptyCycles.Add(ctx, 1)
	s.opts.Logger.Debug().Int("streak", s.emptyStreak).Msg("no segments for window")
	if s.emptyStreak < FallbackStreak || len(s.contextBuf) < s.fbMin {
		return false
	}

	long := make([]float32, len(s.contextBuf))
	copy(long, s.contextBuf)
	s.opts.Metrics.Fallbacks.Add(ctx, 1)
	s.opts.Logger.Debug().Int("samples", len(long)).Msg("fallback over long context")

	n, err = s.recognize(ctx, long, observe.PathFallback, out)
	if stopped(ctx, err) {
		return true
	}
	if err == nil && n > 0 {
		s.emptyStreak = 0
	}
	return false
}

// recognize runs the engine over samples and forwards non-blank segments.
func (s *Segmenter) recognize(ctx context.Context, samples []float32, path string, out chan<- events.RawSegment) (int, error) {
	var n int
	start := time.Now()
	err := s.opts.Engine.Transcribe(ctx, samples, func(seg whisper.Segment) {
		text := strings.TrimSpace(seg.Text)
		if text == "" || ctx.Err() != nil {
			return
		}
		select {
		case out <- events.RawSegment{Text: text, Fallback: path == observe.PathFallback, At: time.Now()}:
			n++
			s.opts.Metrics.RecordSegment(ctx, path)
			s.opts.Logger.Debug().Str("path", path).Str("text", text).Msg("segment")
		case <-ctx.Done():
		}
	})
	s.opts.Metrics.RecordEngineCall(context.Background(), path, time.Since(start).Seconds())

	if err != nil && !stopped(ctx, err) {
		s.opts.Metrics.EngineErrors.Add(context.Background(), 1)
		s.opts.Logger.Error().Err(err).Str("path", path).Msg("recognition failed")
	}
	return n, err
}

func stopped(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func stats(samples []float32) (rms, peak float64) {
	var sumSq float64
	for _, v := range samples {
		a := math.Abs(float64(v))
		peak = max(peak, a)
		sumSq += a * a
	}
	return math.Sqrt(sumSq / float64(max(1, len(samples)))), peak
}
