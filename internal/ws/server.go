package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/obiente/translate/captioncast/internal/audio"
	"github.com/obiente/translate/captioncast/internal/events"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
)

// Ingest accepts captured audio. *pipeline.Pipeline implements it.
type Ingest interface {
	PushAudio(pcm []byte) error
	PushSamples(samples []float32) error
}

// Server exposes the audio ingest socket and the caption monitor socket.
type Server struct {
	ingest   Ingest
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	monitors map[*websocket.Conn]*monitor
}

// monitor serializes writes to one caption subscriber.
type monitor struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (m *monitor) write(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return m.conn.WriteJSON(v)
}

func NewServer(ingest Ingest, log zerolog.Logger) *Server {
	return &Server{
		ingest: ingest,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024 * 16,
			WriteBufferSize: 1024 * 16,
		},
		monitors: make(map[*websocket.Conn]*monitor),
	}
}

// HandleAudio reads capture audio from one client. Binary frames are raw
// 16 kHz mono PCM16LE. Text frames are JSON control messages:
// {"type":"chunk","data":<base64>,"mime_type":"audio/pcm"|"audio/wav","sample_rate":N},
// {"type":"ping"} and {"type":"stop"}.
func (s *Server) HandleAudio(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(readTimeout)); return nil })

	s.log.Info().Str("remote", r.RemoteAddr).Msg("audio client connected")
	defer s.log.Info().Str("remote", r.RemoteAddr).Msg("audio client disconnected")

	var received int
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn().Err(err).Msg("ws read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		if mt == websocket.BinaryMessage {
			if err := s.ingest.PushAudio(data); err != nil {
				_ = conn.WriteJSON(map[string]any{"type": "error", "detail": err.Error()})
				continue
			}
			received += len(data) / 2
			continue
		}

		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = conn.WriteJSON(map[string]any{"type": "error", "detail": "invalid json"})
			continue
		}
		switch msg["type"] {
		case "ping":
			_ = conn.WriteJSON(map[string]any{"type": "pong", "ts": msg["ts"]})
		case "chunk":
			pcm, err := decodeChunk(msg)
			if err != nil {
				s.log.Warn().Err(err).Msg("audio decode failed")
				_ = conn.WriteJSON(map[string]any{"type": "error", "detail": err.Error()})
				continue
			}
			if err := s.ingest.PushSamples(pcm); err != nil {
				_ = conn.WriteJSON(map[string]any{"type": "error", "detail": err.Error()})
				continue
			}
			received += len(pcm)
			s.log.Debug().Int("chunk_samples", len(pcm)).Int("total_samples", received).Msg("audio chunk received")
		case "stop":
			_ = conn.WriteJSON(map[string]any{"type": "stopped", "samples": received})
			return
		default:
			_ = conn.WriteJSON(map[string]any{"type": "error", "detail": "unknown message type"})
		}
	}
}

var (
	errNoData     = errors.New("chunk has no data")
	errBadBase64  = errors.New("invalid base64 audio")
	errBadPCMRate = errors.New("audio/pcm chunk needs a positive sample_rate")
)

// decodeChunk turns a JSON chunk message into 16 kHz samples.
func decodeChunk(msg map[string]any) ([]float32, error) {
	b64, _ := msg["data"].(string)
	if b64 == "" {
		return nil, errNoData
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errBadBase64
	}

	var (
		pcm []float32
		sr  int
	)
	switch mime, _ := msg["mime_type"].(string); mime {
	case "audio/pcm", "audio/L16", "audio/pcm16":
		sr = int(asFloat(msg["sample_rate"]))
		if _, ok := msg["sample_rate"]; !ok {
			sr = audio.SampleRate
		}
		if sr <= 0 {
			return nil, errBadPCMRate
		}
		pcm, err = audio.DecodePCM16LE(raw)
	default:
		pcm, sr, err = audio.DecodeWAV(raw)
	}
	if err != nil {
		return nil, err
	}
	if len(pcm) > 0 && sr != audio.SampleRate {
		pcm = audio.ResampleLinear(pcm, sr, audio.SampleRate)
	}
	return pcm, nil
}

// HandleCaptions subscribes one client to caption events. The client may
// send {"type":"ping"}; everything else it sends is ignored.
func (s *Server) HandleCaptions(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	m := &monitor{conn: conn}
	s.join(m)
	defer s.leave(conn)

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(readTimeout)); return nil })
	_ = m.write(map[string]any{"type": "subscribed"})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if mt != websocket.TextMessage {
			continue
		}
		var msg map[string]any
		if json.Unmarshal(data, &msg) == nil && msg["type"] == "ping" {
			_ = m.write(map[string]any{"type": "pong", "ts": msg["ts"]})
		}
	}
}

func (s *Server) join(m *monitor) {
	s.mu.Lock()
	s.monitors[m.conn] = m
	n := len(s.monitors)
	s.mu.Unlock()
	s.log.Info().Int("monitors", n).Msg("caption monitor joined")
}

func (s *Server) leave(c *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.monitors[c]
	delete(s.monitors, c)
	n := len(s.monitors)
	s.mu.Unlock()
	_ = c.Close()
	if ok {
		s.log.Info().Int("monitors", n).Msg("caption monitor left")
	}
}

// Monitors returns the number of subscribed caption clients.
func (s *Server) Monitors() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.monitors)
}

// Broadcast forwards evs to every caption monitor until ctx is done or evs
// is closed. A monitor whose write fails is dropped.
func (s *Server) Broadcast(ctx context.Context, evs <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			s.broadcast(Payload(ev))
		}
	}
}

func (s *Server) broadcast(payload map[string]any) {
	if payload == nil {
		return
	}
	s.mu.RLock()
	targets := make([]*monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		targets = append(targets, m)
	}
	s.mu.RUnlock()

	for _, m := range targets {
		if err := m.write(payload); err != nil {
			s.log.Debug().Err(err).Msg("dropping caption monitor")
			s.leave(m.conn)
		}
	}
}

// Payload renders an event as the JSON object sent to monitors.
func Payload(ev events.Event) map[string]any {
	switch e := ev.(type) {
	case events.RawSegment:
		return map[string]any{"type": string(e.Kind()), "text": e.Text, "fallback": e.Fallback, "ts": e.At.UnixMilli()}
	case events.LineFinalized:
		return map[string]any{"type": string(e.Kind()), "line": e.Line, "tail": e.Tail, "ts": e.At.UnixMilli()}
	case events.DisplayUpdated:
		return map[string]any{"type": string(e.Kind()), "rows": e.Rows[:], "ts": e.At.UnixMilli()}
	case events.LevelSample:
		return map[string]any{"type": string(e.Kind()), "level": e.Level, "ts": e.At.UnixMilli()}
	default:
		return nil
	}
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f
	default:
		return 0
	}
}
