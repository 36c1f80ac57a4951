// Package sink delivers encoded caption frames to the display device over a
// UDP socket or a persistent TCP stream. Connection trouble never reaches the
// caption pipeline: the sink drops to an offline state and retries on the
// next send.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultDialTimeout  = 3 * time.Second
	DefaultWriteTimeout = 2 * time.Second
)

// ErrOffline is returned by Send when no connection could be established.
var ErrOffline = errors.New("sink: device offline")

// Options configures a Sink.
type Options struct {
	// Enabled gates all network activity.
	Enabled bool
	// Network is "udp" or "tcp".
	Network string
	// Addr is host:port of the device.
	Addr         string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// Sink is a reconnecting connection to the caption device. It is safe for
// concurrent use.
type Sink struct {
	opts Options

	mu   sync.Mutex
	conn net.Conn
}

// New returns a disconnected Sink.
func New(opts Options) *Sink {
	if opts.Network == "" {
		opts.Network = "udp"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Sink{opts: opts}
}

// Enabled reports whether device output is turned on.
func (s *Sink) Enabled() bool { return s.opts.Enabled }

// Connected reports whether a transport is currently open.
func (s *Sink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connect drops any existing transport and opens a new one. Failures leave
// the sink disconnected and are only logged.
func (s *Sink) Connect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectLocked(ctx)
}

func (s *Sink) connectLocked(ctx context.Context) {
	s.closeLocked()
	if !s.opts.Enabled {
		return
	}
	d := net.Dialer{Timeout: s.opts.DialTimeout}
	conn, err := d.DialContext(ctx, s.opts.Network, s.opts.Addr)
	if err != nil {
		s.opts.Logger.Warn().Err(err).Str("network", s.opts.Network).Str("addr", s.opts.Addr).Msg("sink: connect failed")
		return
	}
	s.conn = conn
	s.opts.Logger.Info().Str("network", s.opts.Network).Str("addr", s.opts.Addr).Msg("sink: connected")
}

// Send writes payload, terminated by CRLF, to the device. It reconnects once
// when offline. A write fault disconnects the sink so the next Send dials
// again. When output is disabled Send does nothing.
func (s *Sink) Send(ctx context.Context, payload string) error {
	if !s.opts.Enabled {
		return nil
	}
	if !strings.HasSuffix(payload, "\r\n") {
		payload = strings.TrimRight(payload, "\r\n") + "\r\n"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		s.connectLocked(ctx)
		if s.conn == nil {
			s.opts.Logger.Debug().Msg("sink: send skipped; not connected")
			return ErrOffline
		}
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if _, err := s.conn.Write([]byte(payload)); err != nil {
		s.opts.Logger.Error().Err(err).Str("addr", s.opts.Addr).Msg("sink: send failed")
		s.closeLocked()
		return fmt.Errorf("sink: write %s %s: %w", s.opts.Network, s.opts.Addr, err)
	}
	s.opts.Logger.Debug().Str("network", s.opts.Network).Int("bytes", len(payload)).Msg("sink: sent")
	return nil
}

// Disconnect closes the transport. It is safe to call at any time.
func (s *Sink) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Sink) closeLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
