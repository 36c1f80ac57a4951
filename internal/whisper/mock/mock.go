// Package mock provides a scripted whisper.Engine for tests.
package mock

import (
	"context"
	"sync"

	"github.com/obiente/translate/captioncast/internal/whisper"
)

var _ whisper.Engine = (*Engine)(nil)

// Result is the scripted outcome of one Transcribe call.
type Result struct {
	Segments []string
	Err      error
	// Block makes the call wait for ctx cancellation after emitting Segments.
	Block bool
}

// Engine replays Script one entry per Transcribe call, then Default forever.
type Engine struct {
	Script  []Result
	Default Result

	mu     sync.Mutex
	calls  []int
	closed bool
	// called receives one value per call when non-nil.
	called chan int
}

// New returns an Engine that replays script.
func New(script ...Result) *Engine {
	return &Engine{Script: script}
}

// Notify returns a channel that receives the sample count of every call.
func (e *Engine) Notify() <-chan int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.called == nil {
		e.called = make(chan int, 1024)
	}
	return e.called
}

func (e *Engine) Transcribe(ctx context.Context, samples []float32, onSegment func(whisper.Segment)) error {
	e.mu.Lock()
	r := e.Default
	if n := len(e.calls); n < len(e.Script) {
		r = e.Script[n]
	}
	e.calls = append(e.calls, len(samples))
	notify := e.called
	e.mu.Unlock()

	if notify != nil {
		select {
		case notify <- len(samples):
		default:
		}
	}

	for _, text := range r.Segments {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		onSegment(whisper.Segment{Text: text})
	}
	if r.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.Err
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// Calls returns the sample count passed to each Transcribe call so far.
func (e *Engine) Calls() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.calls...)
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
