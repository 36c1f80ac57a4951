package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/obiente/translate/captioncast/internal/config"
	"github.com/obiente/translate/captioncast/internal/pipeline"
	"github.com/obiente/translate/captioncast/internal/ws"
)

// Deps are the collaborators the router serves.
type Deps struct {
	Pipeline *pipeline.Pipeline
	WS       *ws.Server
	// ConfigPath is where PUT /config persists settings; empty disables saving.
	ConfigPath string
	// Metrics serves GET /metrics when non-nil.
	Metrics http.Handler
	Logger  zerolog.Logger
}

func NewRouter(d Deps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Pipeline.Status(r.Context()))
	})

	mux.HandleFunc("POST /captions/start", func(w http.ResponseWriter, r *http.Request) {
		if err := d.Pipeline.Start(r.Context()); err != nil {
			d.Logger.Error().Err(err).Msg("start captions failed")
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, d.Pipeline.Status(r.Context()))
	})
	mux.HandleFunc("POST /captions/stop", func(w http.ResponseWriter, r *http.Request) {
		if err := d.Pipeline.Stop(r.Context()); err != nil {
			d.Logger.Warn().Err(err).Msg("stop captions")
		}
		writeJSON(w, http.StatusOK, d.Pipeline.Status(r.Context()))
	})
	mux.HandleFunc("POST /captions/flush", func(w http.ResponseWriter, r *http.Request) {
		if _, err := d.Pipeline.Flush(r.Context()); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, pipeline.ErrNotRunning) {
				status = http.StatusConflict
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, d.Pipeline.Status(r.Context()))
	})
	mux.HandleFunc("POST /captions/reset", func(w http.ResponseWriter, r *http.Request) {
		if err := d.Pipeline.Reset(r.Context()); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, pipeline.ErrNotRunning) {
				status = http.StatusConflict
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, d.Pipeline.Status(r.Context()))
	})

	mux.HandleFunc("GET /config", func(w http.ResponseWriter, r *http.Request) {
		cfg := d.Pipeline.Config()
		writeYAML(w, &cfg)
	})
	mux.HandleFunc("PUT /config", func(w http.ResponseWriter, r *http.Request) {
		cfg, err := config.LoadFromReader(http.MaxBytesReader(w, r.Body, 64<<10))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := d.Pipeline.Reconfigure(r.Context(), *cfg); err != nil {
			d.Logger.Error().Err(err).Msg("apply settings failed")
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if d.ConfigPath != "" {
			if err := config.Save(d.ConfigPath, cfg); err != nil {
				d.Logger.Error().Err(err).Str("path", d.ConfigPath).Msg("save settings failed")
				writeError(w, http.StatusInternalServerError, err)
				return
			}
		}
		writeYAML(w, cfg)
	})

	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}
	if d.WS != nil {
		mux.HandleFunc("/ws/audio", d.WS.HandleAudio)
		mux.HandleFunc("/ws/captions", d.WS.HandleCaptions)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeYAML(w http.ResponseWriter, cfg *config.Config) {
	b, err := config.Marshal(cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(b)
}
