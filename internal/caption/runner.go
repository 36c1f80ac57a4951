package caption

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/obiente/translate/captioncast/internal/events"
	"github.com/obiente/translate/captioncast/internal/observe"
)

// DefaultFlushDelay is how long an unterminated line waits for more text.
const DefaultFlushDelay = 2 * time.Second

// ErrStopped is returned by requests made after Run has exited.
var ErrStopped = errors.New("caption: runner stopped")

// Publisher receives the completed-lines tail after every flush. Publish
// must not block.
type Publisher interface {
	Publish(tail []string)
}

// Options configures a Runner.
type Options struct {
	// FlushDelay defaults to DefaultFlushDelay.
	FlushDelay time.Duration
	// Mask is nil when profanity masking is off.
	Mask      *Masker
	Publisher Publisher
	// Events, when non-nil, receives display and finalization events.
	// Sends never block; a full channel drops the event.
	Events  chan<- events.Event
	Metrics *observe.Metrics
	Logger  zerolog.Logger
}

// Snapshot is a copy of the stabilizer state.
type Snapshot struct {
	Current   string
	Completed []string
	Display   [DisplayRows]string
}

// Runner applies segments, timer fires and operator requests to one
// Stabilizer from a single goroutine.
type Runner struct {
	opts Options
	st   *Stabilizer

	requests chan request
	done     chan struct{}
}

type request struct {
	kind  requestKind
	reply chan Snapshot
}

type requestKind int

const (
	reqFlush requestKind = iota
	reqReset
	reqSnapshot
)

// NewRunner returns a Runner; call Run to start it.
func NewRunner(opts Options) *Runner {
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = DefaultFlushDelay
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.Discard()
	}
	return &Runner{
		opts:     opts,
		st:       NewStabilizer(opts.Mask),
		requests: make(chan request),
		done:     make(chan struct{}),
	}
}

// Run consumes in until it is closed or ctx is done, then flushes the
// pending line once and returns nil.
func (r *Runner) Run(ctx context.Context, in <-chan events.RawSegment) error {
	defer close(r.done)

	timer := time.NewTimer(r.opts.FlushDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case seg, ok := <-in:
			if !ok {
				r.handle(r.st.Flush(), timer)
				return nil
			}
			r.emit(seg)
			r.opts.Logger.Debug().Str("text", seg.Text).Bool("fallback", seg.Fallback).Msg("segment")
			r.handle(r.st.Apply(seg.Text), timer)

		case <-timer.C:
			r.handle(r.st.Flush(), timer)

		case req := <-r.requests:
			switch req.kind {
			case reqFlush:
				r.handle(r.st.Flush(), timer)
			case reqReset:
				timer.Stop()
				r.st.Reset()
				r.emit(events.DisplayUpdated{At: time.Now()})
			}
			req.reply <- r.snapshot()

		case <-ctx.Done():
			r.handle(r.st.Flush(), timer)
			return nil
		}
	}
}

func (r *Runner) handle(out Outcome, timer *time.Timer) {
	if out.Accepted || out.Flushed {
		timer.Stop()
	}
	if out.DisplayChanged {
		r.emit(events.DisplayUpdated{Rows: r.st.Display(), At: time.Now()})
	}
	if out.Appended {
		r.opts.Logger.Info().Str("line", out.Line).Msg("caption finalized")
		r.opts.Metrics.LinesFinalized.Add(context.Background(), 1)
		r.emit(events.LineFinalized{Line: out.Line, Tail: r.st.Tail(TailLines), At: time.Now()})
	}
	if out.Flushed && r.opts.Publisher != nil {
		r.opts.Publisher.Publish(r.st.Tail(TailLines))
	}
	if out.Arm {
		timer.Reset(r.opts.FlushDelay)
	}
}

func (r *Runner) emit(ev events.Event) {
	if r.opts.Events == nil {
		return
	}
	select {
	case r.opts.Events <- ev:
	default:
	}
}

func (r *Runner) snapshot() Snapshot {
	return Snapshot{
		Current:   r.st.Current(),
		Completed: r.st.Completed(),
		Display:   r.st.Display(),
	}
}

func (r *Runner) do(ctx context.Context, kind requestKind) (Snapshot, error) {
	req := request{kind: kind, reply: make(chan Snapshot, 1)}
	select {
	case r.requests <- req:
	case <-r.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	return <-req.reply, nil
}

// Flush finalizes the pending line now.
func (r *Runner) Flush(ctx context.Context) (Snapshot, error) { return r.do(ctx, reqFlush) }

// Reset clears the caption history and the pending line.
func (r *Runner) Reset(ctx context.Context) error {
	_, err := r.do(ctx, reqReset)
	return err
}

// Snapshot returns the current state.
func (r *Runner) Snapshot(ctx context.Context) (Snapshot, error) { return r.do(ctx, reqSnapshot) }

// Done is closed when Run returns.
func (r *Runner) Done() <-chan struct{} { return r.done }
