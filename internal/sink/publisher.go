package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/obiente/translate/captioncast/internal/observe"
	"github.com/obiente/translate/captioncast/internal/protocol"
)

// Device is the part of Sink the Publisher needs.
type Device interface {
	Enabled() bool
	Send(ctx context.Context, payload string) error
}

// Publisher encodes completed-line tails and hands changed frames to a single
// sender goroutine. Frames waiting behind a slow send are coalesced to the
// newest one; frames are never delivered out of order.
type Publisher struct {
	dev     Device
	log     zerolog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	lastKey string
	pending *protocol.Frame
	closed  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// NewPublisher starts the sender goroutine. Call Close to stop it.
func NewPublisher(dev Device, metrics *observe.Metrics, log zerolog.Logger) *Publisher {
	if metrics == nil {
		metrics = observe.Discard()
	}
	p := &Publisher{
		dev:     dev,
		log:     log,
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

// Publish queues the frame for tail unless device output is off, the tail is
// empty, or the frame matches the last one queued. It never blocks.
func (p *Publisher) Publish(tail []string) {
	if !p.dev.Enabled() || len(tail) == 0 {
		return
	}
	f := protocol.Encode(tail)
	if f.Empty() {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if f.Key == p.lastKey {
		p.mu.Unlock()
		p.metrics.SendsSuppressed.Add(context.Background(), 1)
		return
	}
	p.lastKey = f.Key
	p.pending = &f
	p.mu.Unlock()

	p.log.Debug().Str("key", f.Key).Msg("sink: frame queued")
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// LastKey returns the key of the most recently queued frame.
func (p *Publisher) LastKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastKey
}

// Forget clears the remembered key so the next frame is sent even if it
// matches the previous one.
func (p *Publisher) Forget() {
	p.mu.Lock()
	p.lastKey = ""
	p.mu.Unlock()
}

// Close delivers any queued frame, then stops the sender. Later Publish
// calls are ignored.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.quit)
	<-p.done
}

func (p *Publisher) loop() {
	defer close(p.done)
	for {
		select {
		case <-p.wake:
			p.sendPending()
		case <-p.quit:
			p.sendPending()
			return
		}
	}
}

func (p *Publisher) sendPending() {
	p.mu.Lock()
	f := p.pending
	p.pending = nil
	p.mu.Unlock()
	if f == nil {
		return
	}

	ctx := context.Background()
	err := p.dev.Send(ctx, f.Payload)
	switch {
	case err == nil:
		p.metrics.RecordSend(ctx, observe.SendOK)
		p.log.Info().Str("key", f.Key).Msg("sink: frame sent")
	case errors.Is(err, ErrOffline):
		p.metrics.RecordSend(ctx, observe.SendOffline)
	default:
		p.metrics.RecordSend(ctx, observe.SendError)
	}
}
