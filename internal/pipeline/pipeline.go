// Package pipeline wires capture, segmentation, stabilization and device
// output into one start/stop unit.
//
// While running there are three goroutines: the segmenter (sole engine
// caller), the caption runner (sole owner of caption state and the flush
// timer) and the publisher's sender (sole network writer). Audio producers
// only touch the lock-protected sample queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/obiente/translate/captioncast/internal/audio"
	"github.com/obiente/translate/captioncast/internal/caption"
	"github.com/obiente/translate/captioncast/internal/config"
	"github.com/obiente/translate/captioncast/internal/events"
	"github.com/obiente/translate/captioncast/internal/observe"
	"github.com/obiente/translate/captioncast/internal/segmenter"
	"github.com/obiente/translate/captioncast/internal/sink"
	"github.com/obiente/translate/captioncast/internal/whisper"
)

// ErrNotRunning is returned by operations that need a started pipeline.
var ErrNotRunning = errors.New("pipeline: not running")

// EngineFactory builds a recognition engine. whisper.NewEngine is the default.
type EngineFactory func(whisper.Options) (whisper.Engine, error)

// Options configures New.
type Options struct {
	Config    config.Config
	Logger    zerolog.Logger
	Metrics   *observe.Metrics
	NewEngine EngineFactory
	// EventBuffer sizes the events channel; zero means 256.
	EventBuffer int
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	log       zerolog.Logger
	metrics   *observe.Metrics
	newEngine EngineFactory
	events    chan events.Event

	mu  sync.RWMutex
	cfg config.Config
	run *session
}

type session struct {
	started   time.Time
	queue     *audio.SampleQueue
	engine    whisper.Engine
	sink      *sink.Sink
	publisher *sink.Publisher
	runner    *caption.Runner
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// Status is a point-in-time view for operators.
type Status struct {
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Device    Device    `json:"device"`
	Queued    int       `json:"queued_samples"`
	Current   string    `json:"current_line"`
	Completed []string  `json:"completed_lines"`
	Display   []string  `json:"display"`
	LastKey   string    `json:"last_key"`
}

// Device describes the caption device link.
type Device struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Addr      string `json:"addr"`
	Transport string `json:"transport"`
}

// New returns a stopped Pipeline.
func New(opts Options) *Pipeline {
	if opts.Metrics == nil {
		opts.Metrics = observe.Discard()
	}
	if opts.NewEngine == nil {
		opts.NewEngine = whisper.NewEngine
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	return &Pipeline{
		log:       opts.Logger,
		metrics:   opts.Metrics,
		newEngine: opts.NewEngine,
		events:    make(chan events.Event, opts.EventBuffer),
		cfg:       opts.Config,
	}
}

// Events returns the stream of caption and level events. Events are dropped
// when the reader falls behind.
func (p *Pipeline) Events() <-chan events.Event { return p.events }

// Config returns the active settings.
func (p *Pipeline) Config() config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Running reports whether Start has succeeded without a later Stop.
func (p *Pipeline) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.run != nil
}

// Start loads the engine, connects the device and launches the workers.
// Only configuration errors (such as a missing model) are returned; a device
// that cannot be reached leaves the pipeline running offline. Starting a
// running pipeline is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked(ctx)
}

func (p *Pipeline) startLocked(ctx context.Context) error {
	if p.run != nil {
		return nil
	}
	cfg := p.cfg

	engine, err := p.newEngine(whisper.Options{
		ModelPath:    cfg.ResolveModelPath(),
		Language:     cfg.Model.Language,
		Threads:      cfg.Model.Threads,
		Acceleration: cfg.Acceleration(),
		Logger:       p.log,
	})
	if err != nil {
		return fmt.Errorf("pipeline: load engine: %w", err)
	}

	dev := sink.New(sink.Options{
		Enabled: cfg.Device.Enabled,
		Network: string(cfg.Device.Transport),
		Addr:    cfg.Device.Addr(),
		Logger:  p.log,
	})
	dev.Connect(ctx)

	var mask *caption.Masker
	if cfg.ProfanityFilter {
		mask = caption.NewMasker()
	}
	pub := sink.NewPublisher(dev, p.metrics, p.log)
	runner := caption.NewRunner(caption.Options{
		FlushDelay: time.Duration(cfg.FlushDelayMs) * time.Millisecond,
		Mask:       mask,
		Publisher:  pub,
		Events:     p.events,
		Metrics:    p.metrics,
		Logger:     p.log,
	})
	queue := audio.NewSampleQueue()
	seg := segmenter.New(segmenter.Options{
		Engine:    engine,
		Queue:     queue,
		LatencyMs: cfg.LatencyMs,
		Metrics:   p.metrics,
		Logger:    p.log,
	})

	segCtx, cancel := context.WithCancel(context.Background())
	segCh := make(chan events.RawSegment, 16)
	g := new(errgroup.Group)
	g.Go(func() error {
		defer close(segCh)
		return seg.Run(segCtx, segCh)
	})
	g.Go(func() error {
		return runner.Run(context.Background(), segCh)
	})

	p.run = &session{
		started:   time.Now(),
		queue:     queue,
		engine:    engine,
		sink:      dev,
		publisher: pub,
		runner:    runner,
		cancel:    cancel,
		group:     g,
	}
	p.log.Info().
		Int("window_samples", seg.Threshold()).
		Int("overlap_samples", seg.Overlap()).
		Bool("device", cfg.Device.Enabled).
		Str("addr", cfg.Device.Addr()).
		Str("transport", string(cfg.Device.Transport)).
		Msg("captions started")
	return nil
}

// Stop cancels the segmenter, finalizes any pending line, delivers the last
// frame and releases the engine and the device link. Stopping a stopped
// pipeline is a no-op.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked(ctx)
}

func (p *Pipeline) stopLocked(ctx context.Context) error {
	r := p.run
	if r == nil {
		return nil
	}
	p.run = nil

	r.cancel()
	done := make(chan error, 1)
	go func() { done <- r.group.Wait() }()
	select {
	case err := <-done:
		p.release(r)
		if err != nil {
			return fmt.Errorf("pipeline: stop: %w", err)
		}
		return nil
	case <-ctx.Done():
		// The engine may still be inside a call that ignores cancellation;
		// nothing is released until the workers have returned.
		go func() {
			<-done
			p.release(r)
		}()
		p.log.Warn().Err(ctx.Err()).Msg("stop timed out; releasing once workers return")
		return fmt.Errorf("pipeline: stop: %w", ctx.Err())
	}
}

// release tears down a session whose workers have returned.
func (p *Pipeline) release(r *session) {
	r.publisher.Close()
	r.sink.Disconnect()
	if err := r.engine.Close(); err != nil {
		p.log.Warn().Err(err).Msg("engine close failed")
	}
	p.log.Info().Dur("uptime", time.Since(r.started)).Msg("captions stopped")
}

// Reconfigure swaps the settings. A running pipeline is stopped first and
// restarted with the new settings; if that restart fails the previous
// settings are restored and restarted, and the error is returned.
func (p *Pipeline) Reconfigure(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	wasRunning := p.run != nil
	if err := p.stopLocked(ctx); err != nil {
		return err
	}
	prev := p.cfg
	p.cfg = cfg
	p.log.Info().Bool("restart", wasRunning).Msg("settings updated")
	if !wasRunning {
		return nil
	}
	if err := p.startLocked(ctx); err != nil {
		p.cfg = prev
		if rerr := p.startLocked(ctx); rerr != nil {
			p.log.Error().Err(rerr).Msg("restart with previous settings failed")
		}
		return err
	}
	return nil
}

// Reset discards the caption history, the pending line, queued audio and the
// remembered device frame, so the next caption is sent even if it repeats
// the last one.
func (p *Pipeline) Reset(ctx context.Context) error {
	p.mu.RLock()
	r := p.run
	p.mu.RUnlock()
	if r == nil {
		return ErrNotRunning
	}
	r.queue.Reset()
	if err := r.runner.Reset(ctx); err != nil {
		return fmt.Errorf("pipeline: reset: %w", err)
	}
	r.publisher.Forget()
	p.log.Info().Msg("caption state reset")
	return nil
}

// PushAudio accepts one capture batch of 16 kHz mono PCM16LE.
func (p *Pipeline) PushAudio(pcm []byte) error {
	p.mu.RLock()
	r := p.run
	p.mu.RUnlock()
	if r == nil {
		return ErrNotRunning
	}
	if err := r.queue.PushPCM16(pcm); err != nil {
		return err
	}
	p.metrics.SamplesIngested.Add(context.Background(), int64(len(pcm)/2))
	p.emit(events.LevelSample{Level: audio.PeakLevel(pcm), At: time.Now()})
	return nil
}

// PushSamples accepts normalized 16 kHz mono samples.
func (p *Pipeline) PushSamples(samples []float32) error {
	p.mu.RLock()
	r := p.run
	p.mu.RUnlock()
	if r == nil {
		return ErrNotRunning
	}
	r.queue.Push(samples)
	p.metrics.SamplesIngested.Add(context.Background(), int64(len(samples)))
	return nil
}

// Flush finalizes the in-progress line immediately.
func (p *Pipeline) Flush(ctx context.Context) (caption.Snapshot, error) {
	p.mu.RLock()
	r := p.run
	p.mu.RUnlock()
	if r == nil {
		return caption.Snapshot{}, ErrNotRunning
	}
	return r.runner.Flush(ctx)
}

// Status reports the current state.
func (p *Pipeline) Status(ctx context.Context) Status {
	p.mu.RLock()
	r := p.run
	cfg := p.cfg
	p.mu.RUnlock()

	st := Status{
		Device: Device{
			Enabled:   cfg.Device.Enabled,
			Addr:      cfg.Device.Addr(),
			Transport: string(cfg.Device.Transport),
		},
		Completed: []string{},
		Display:   make([]string, caption.DisplayRows),
	}
	if r == nil {
		return st
	}
	st.Running = true
	st.StartedAt = r.started
	st.Device.Connected = r.sink.Connected()
	st.Queued = r.queue.Len()
	st.LastKey = r.publisher.LastKey()
	if snap, err := r.runner.Snapshot(ctx); err == nil {
		st.Current = snap.Current
		st.Completed = append(st.Completed, snap.Completed...)
		st.Display = snap.Display[:]
	}
	return st
}

func (p *Pipeline) emit(ev events.Event) {
	select {
	case p.events <- ev:
	default:
	}
}
