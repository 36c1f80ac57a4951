package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/captioncast/internal/audio"
	"github.com/obiente/translate/captioncast/internal/config"
	serverhttp "github.com/obiente/translate/captioncast/internal/http"
	"github.com/obiente/translate/captioncast/internal/logging"
	"github.com/obiente/translate/captioncast/internal/observe"
	"github.com/obiente/translate/captioncast/internal/pipeline"
	"github.com/obiente/translate/captioncast/internal/ws"
)

func main() {
	cfgPath := flag.String("config", config.DefaultPath(), "settings file (YAML)")
	autostart := flag.Bool("autostart", true, "start captioning immediately")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *cfgPath).Msg("invalid settings")
	}

	logger := logging.New(logging.Options{Path: cfg.LogPath, Verbose: cfg.VerboseLogging, Console: os.Stderr})
	defer logger.Close()
	log.Logger = logger.Logger
	log.Info().Str("log", logger.Path()).Str("config", *cfgPath).Msg("App started")

	mp, err := observe.InitProvider()
	if err != nil {
		log.Fatal().Err(err).Msg("metrics provider failed")
	}
	defer func() { _ = mp.Shutdown(context.Background()) }()
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		log.Fatal().Err(err).Msg("metrics instruments failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(pipeline.Options{Config: *cfg, Logger: log.Logger, Metrics: metrics})
	wsrv := ws.NewServer(p, log.Logger)
	go wsrv.Broadcast(ctx, p.Events())

	if *autostart {
		if err := p.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("captions failed to start")
		}
	}
	go func() {
		if err := runSource(ctx, cfg.Audio, p); err != nil {
			log.Error().Err(err).Str("source", cfg.Audio.Source).Msg("audio source failed")
		}
	}()

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: serverhttp.NewRouter(serverhttp.Deps{
			Pipeline:   p,
			WS:         wsrv,
			ConfigPath: *cfgPath,
			Metrics:    observe.Handler(),
			Logger:     log.Logger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("captioncast server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server failed")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("pipeline stop")
	}
	log.Info().Msg("App stopped")
}

// feeder is the part of the pipeline a local capture source drives.
type feeder interface {
	Running() bool
	PushAudio(pcm []byte) error
}

var errSourceIdle = errors.New("local audio source needs a running pipeline; start with -autostart")

func newSource(ac config.AudioConfig) audio.Source {
	switch {
	case ac.Source == "stdin":
		return &audio.ReaderSource{R: os.Stdin, Logger: log.Logger}
	case strings.HasPrefix(ac.Source, "wav:"):
		return &audio.WAVSource{Path: strings.TrimPrefix(ac.Source, "wav:"), Realtime: ac.Realtime, Logger: log.Logger}
	default:
		return nil
	}
}

// runSource feeds a local capture source into p. The "ws" source has nothing
// to run here; clients push over /ws/audio. A source is not consumed into a
// stopped pipeline.
func runSource(ctx context.Context, ac config.AudioConfig, p feeder) error {
	src := newSource(ac)
	if src == nil {
		return nil
	}
	if !p.Running() {
		return errSourceIdle
	}
	var dropped int
	err := src.Stream(ctx, func(pcm []byte) {
		err := p.PushAudio(pcm)
		switch {
		case err == nil:
		case errors.Is(err, pipeline.ErrNotRunning):
			if dropped == 0 {
				log.Warn().Str("source", ac.Source).Msg("captions stopped; dropping local audio")
			}
			dropped++
		default:
			log.Warn().Err(err).Msg("audio batch rejected")
		}
	})
	if dropped > 0 {
		log.Warn().Int("batches", dropped).Msg("local audio dropped while captions were stopped")
	}
	return err
}
