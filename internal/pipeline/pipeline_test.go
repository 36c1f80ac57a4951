package pipeline

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/obiente/translate/captioncast/internal/audio"
	"github.com/obiente/translate/captioncast/internal/config"
	"github.com/obiente/translate/captioncast/internal/events"
	"github.com/obiente/translate/captioncast/internal/protocol"
	"github.com/obiente/translate/captioncast/internal/whisper"
	"github.com/obiente/translate/captioncast/internal/whisper/mock"
)

type device struct {
	conn *net.UDPConn
	port int
}

func listenDevice(t *testing.T) *device {
	t.Helper()
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return &device{conn: pc, port: pc.LocalAddr().(*net.UDPAddr).Port}
}

func (d *device) read(t *testing.T) string {
	t.Helper()
	buf := make([]byte, 1024)
	_ = d.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, _, err := d.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("device read: %v", err)
	}
	return string(buf[:n])
}

func testConfig(port int) config.Config {
	cfg := config.Default()
	cfg.Device.Enabled = port != 0
	cfg.Device.Host = "127.0.0.1"
	if port != 0 {
		cfg.Device.Port = port
	}
	cfg.FlushDelayMs = 2000
	return cfg
}

func newPipeline(t *testing.T, cfg config.Config, engine *mock.Engine) *Pipeline {
	t.Helper()
	p := New(Options{
		Config: cfg,
		Logger: zerolog.Nop(),
		NewEngine: func(whisper.Options) (whisper.Engine, error) {
			return engine, nil
		},
	})
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func second() []byte {
	return audio.EncodePCM16LE(make([]float32, audio.SampleRate))
}

func TestPipeline_SegmentReachesDevice(t *testing.T) {
	dev := listenDevice(t)
	p := newPipeline(t, testConfig(dev.port), mock.New(mock.Result{Segments: []string{"hello world."}}))

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.PushAudio(second()); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}

	got := dev.read(t)
	want := protocol.Encode([]string{"hello world."}).Payload + protocol.CRLF
	if got != want {
		t.Errorf("device got %q, want %q", got, want)
	}
}

func TestPipeline_StopFlushesPendingLine(t *testing.T) {
	dev := listenDevice(t)
	engine := mock.New(mock.Result{Segments: []string{"partial words"}})
	p := newPipeline(t, testConfig(dev.port), engine)

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.PushAudio(second()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return p.Status(context.Background()).Current != "" })

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := dev.read(t); !strings.HasPrefix(got, "PARTIAL WORDS") {
		t.Errorf("device got %q", got)
	}
	if !engine.Closed() {
		t.Error("engine not released on stop")
	}
	if p.Running() {
		t.Error("still running after Stop")
	}
}

func TestPipeline_MissingModelIsFatal(t *testing.T) {
	cfg := testConfig(0)
	cfg.Model.File = filepath.Join(t.TempDir(), "absent.bin")
	p := New(Options{Config: cfg, Logger: zerolog.Nop()})

	err := p.Start(context.Background())
	if !errors.Is(err, whisper.ErrModelNotFound) {
		t.Fatalf("Start = %v, want ErrModelNotFound", err)
	}
	if p.Running() {
		t.Error("running after failed start")
	}
}

func TestPipeline_NotRunning(t *testing.T) {
	p := newPipeline(t, testConfig(0), mock.New())
	if err := p.PushAudio(second()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("PushAudio = %v", err)
	}
	if err := p.PushSamples([]float32{0}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("PushSamples = %v", err)
	}
	if _, err := p.Flush(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Flush = %v", err)
	}
	if err := p.Reset(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Reset = %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop when stopped = %v", err)
	}
	if st := p.Status(context.Background()); st.Running || len(st.Display) != 3 {
		t.Errorf("status = %+v", st)
	}
}

func TestPipeline_OddBufferRejected(t *testing.T) {
	p := newPipeline(t, testConfig(0), mock.New())
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.PushAudio([]byte{1, 2, 3}); !errors.Is(err, audio.ErrOddLength) {
		t.Errorf("PushAudio = %v, want ErrOddLength", err)
	}
}

func TestPipeline_DeviceOfflineKeepsCaptioning(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	cfg := testConfig(port)
	cfg.Device.Transport = config.TransportTCP
	p := newPipeline(t, cfg, mock.New(mock.Result{Segments: []string{"still here."}}))

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start with unreachable device: %v", err)
	}
	if err := p.PushAudio(second()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		st := p.Status(context.Background())
		return len(st.Completed) == 1 && st.Completed[0] == "still here."
	})
	if st := p.Status(context.Background()); st.Device.Connected {
		t.Error("device reported connected")
	}
}

func TestPipeline_EmitsEvents(t *testing.T) {
	p := newPipeline(t, testConfig(0), mock.New(mock.Result{Segments: []string{"ok."}}))
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	pcm := audio.EncodePCM16LE([]float32{0.5, -0.25})
	if err := p.PushAudio(pcm); err != nil {
		t.Fatal(err)
	}
	if err := p.PushAudio(second()); err != nil {
		t.Fatal(err)
	}

	seen := map[events.Kind]bool{}
	deadline := time.After(3 * time.Second)
	for !seen[events.KindLineFinalized] {
		select {
		case ev := <-p.Events():
			seen[ev.Kind()] = true
			if lv, ok := ev.(events.LevelSample); ok && lv.Level != 50 && lv.Level != 0 {
				t.Errorf("level = %d", lv.Level)
			}
		case <-deadline:
			t.Fatalf("events seen: %v", seen)
		}
	}
	for _, k := range []events.Kind{events.KindLevel, events.KindRawSegment, events.KindDisplay} {
		if !seen[k] {
			t.Errorf("no %s event", k)
		}
	}
}

func TestPipeline_ReconfigureRestarts(t *testing.T) {
	engines := 0
	p := New(Options{
		Config: testConfig(0),
		Logger: zerolog.Nop(),
		NewEngine: func(whisper.Options) (whisper.Engine, error) {
			engines++
			return mock.New(), nil
		},
	})
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	cfg := p.Config()
	cfg.LatencyMs = 500
	if err := p.Reconfigure(context.Background(), cfg); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if !p.Running() || p.Config().LatencyMs != 500 {
		t.Errorf("running = %v, latency = %d", p.Running(), p.Config().LatencyMs)
	}
	if engines != 2 {
		t.Errorf("engines built = %d, want 2", engines)
	}

	bad := cfg
	bad.Device.Port = 0
	if err := p.Reconfigure(context.Background(), bad); err == nil {
		t.Error("invalid config accepted")
	}
	if p.Config().Device.Port == 0 {
		t.Error("invalid config applied")
	}
}

func TestPipeline_StartIdempotent(t *testing.T) {
	engines := 0
	p := New(Options{
		Config: testConfig(0),
		Logger: zerolog.Nop(),
		NewEngine: func(whisper.Options) (whisper.Engine, error) {
			engines++
			return mock.New(), nil
		},
	})
	defer p.Stop(context.Background())
	for range 3 {
		if err := p.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if engines != 1 {
		t.Errorf("engines built = %d", engines)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 3s")
}

// stubbornEngine sleeps through every call without looking at ctx.
type stubbornEngine struct {
	delay   time.Duration
	started chan struct{}
	once    sync.Once

	inFlight         atomic.Bool
	closed           atomic.Bool
	closedDuringCall atomic.Bool
}

func (e *stubbornEngine) Transcribe(_ context.Context, _ []float32, _ func(whisper.Segment)) error {
	e.inFlight.Store(true)
	e.once.Do(func() { close(e.started) })
	time.Sleep(e.delay)
	e.inFlight.Store(false)
	return nil
}

func (e *stubbornEngine) Close() error {
	if e.inFlight.Load() {
		e.closedDuringCall.Store(true)
	}
	e.closed.Store(true)
	return nil
}

func TestPipeline_StopTimeoutWaitsForEngineCall(t *testing.T) {
	engine := &stubbornEngine{delay: 300 * time.Millisecond, started: make(chan struct{})}
	p := New(Options{
		Config: testConfig(0),
		Logger: zerolog.Nop(),
		NewEngine: func(whisper.Options) (whisper.Engine, error) {
			return engine, nil
		},
	})
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.PushAudio(second()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-engine.started:
	case <-time.After(3 * time.Second):
		t.Fatal("engine never called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop = %v, want DeadlineExceeded", err)
	}
	if p.Running() {
		t.Error("running after timed-out Stop")
	}
	if engine.closed.Load() {
		t.Error("engine released before its call returned")
	}

	waitFor(t, engine.closed.Load)
	if engine.closedDuringCall.Load() {
		t.Error("engine closed while Transcribe was still running")
	}
}

func TestPipeline_ReconfigureRestoresSettingsOnFailedRestart(t *testing.T) {
	p := New(Options{
		Config: testConfig(0),
		Logger: zerolog.Nop(),
		NewEngine: func(o whisper.Options) (whisper.Engine, error) {
			if strings.HasSuffix(o.ModelPath, "absent.bin") {
				return nil, whisper.ErrModelNotFound
			}
			return mock.New(), nil
		},
	})
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	bad := p.Config()
	bad.Model.File = filepath.Join(t.TempDir(), "absent.bin")
	bad.LatencyMs = 700
	if err := p.Reconfigure(context.Background(), bad); !errors.Is(err, whisper.ErrModelNotFound) {
		t.Fatalf("Reconfigure = %v, want ErrModelNotFound", err)
	}
	if cfg := p.Config(); cfg.LatencyMs == 700 || cfg.Model.File == bad.Model.File {
		t.Errorf("rejected settings kept: %+v", cfg.Model)
	}
	if !p.Running() {
		t.Error("previous settings not restarted")
	}
}

func TestPipeline_ResetResendsRepeatedCaption(t *testing.T) {
	dev := listenDevice(t)
	p := newPipeline(t, testConfig(dev.port), mock.New(
		mock.Result{Segments: []string{"again."}},
		mock.Result{Segments: []string{"again."}},
	))
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.PushAudio(second()); err != nil {
		t.Fatal(err)
	}
	first := dev.read(t)

	if err := p.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	st := p.Status(context.Background())
	if len(st.Completed) != 0 || st.Current != "" || st.LastKey != "" {
		t.Errorf("status after reset = %+v", st)
	}

	if err := p.PushAudio(second()); err != nil {
		t.Fatal(err)
	}
	if got := dev.read(t); got != first {
		t.Errorf("frame after reset = %q, want %q", got, first)
	}
}
