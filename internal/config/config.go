package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/obiente/translate/captioncast/internal/whisper"
)

// Transport selects how payloads reach the caption device.
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportUDP || t == TransportTCP
}

// Config is the settings surface shared read-only by every pipeline
// component. It is only replaced while the pipeline is stopped.
type Config struct {
	// ListenAddr is the HTTP/websocket address (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	Device DeviceConfig `yaml:"device"`
	Audio  AudioConfig  `yaml:"audio"`
	Model  ModelConfig  `yaml:"model"`

	ProfanityFilter bool `yaml:"profanity_filter"`
	// LatencyMs is the window threshold budget; see segmenter.ThresholdSamples.
	LatencyMs int `yaml:"latency_ms"`
	// FlushDelayMs is how long an unterminated line waits before it is finalized.
	FlushDelayMs   int    `yaml:"flush_delay_ms"`
	VerboseLogging bool   `yaml:"verbose_logging"`
	LogPath        string `yaml:"log_path"`
}

// DeviceConfig addresses the caption display device.
type DeviceConfig struct {
	Enabled   bool      `yaml:"enabled"`
	Host      string    `yaml:"host"`
	Port      int       `yaml:"port"`
	Transport Transport `yaml:"transport"`
}

// Addr returns host:port.
func (d DeviceConfig) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// AudioConfig selects the capture source.
type AudioConfig struct {
	// Source is "ws" (websocket ingest only), "stdin", or "wav:<path>".
	Source string `yaml:"source"`
	// Realtime paces file sources at playback speed.
	Realtime bool `yaml:"realtime"`
}

// ModelConfig locates and tunes the recognition model.
type ModelConfig struct {
	Dir       string `yaml:"dir"`
	File      string `yaml:"file"`
	Language  string `yaml:"language"`
	Threads   int    `yaml:"threads"`
	PreferGPU bool   `yaml:"prefer_gpu"`
	GPULayers int    `yaml:"gpu_layers"`
}

// Default returns the settings a fresh install starts with.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		Device: DeviceConfig{
			Enabled:   false,
			Host:      "127.0.0.1",
			Port:      5000,
			Transport: TransportUDP,
		},
		Audio: AudioConfig{Source: "ws"},
		Model: ModelConfig{
			Dir:       "models",
			File:      "ggml-small.en.bin",
			Language:  "en",
			PreferGPU: true,
			GPULayers: 50,
		},
		ProfanityFilter: true,
		LatencyMs:       1000,
		FlushDelayMs:    2000,
	}
}

// ResolveModelPath returns Model.File if it is absolute, otherwise Dir/File
// where a relative Dir is taken from the executable's directory.
func (c *Config) ResolveModelPath() string {
	if filepath.IsAbs(c.Model.File) {
		return c.Model.File
	}
	return filepath.Join(rooted(c.Model.Dir), c.Model.File)
}

func rooted(dir string) string {
	base := "."
	if exe, err := os.Executable(); err == nil {
		base = filepath.Dir(exe)
	}
	if strings.TrimSpace(dir) == "" {
		return base
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(base, dir)
}

// Acceleration maps the GPU preference onto an engine acceleration hint.
func (c *Config) Acceleration() whisper.Acceleration {
	switch {
	case !c.Model.PreferGPU:
		return whisper.CPUOnly{}
	case c.Model.GPULayers > 0:
		return whisper.GPUWithLayers{Layers: c.Model.GPULayers}
	default:
		return whisper.GPUAuto{}
	}
}

// Validate checks that c contains a coherent set of values and returns every
// problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Device.Host == "" {
		errs = append(errs, errors.New("device.host is required"))
	}
	if c.Device.Port <= 0 || c.Device.Port > 65535 {
		errs = append(errs, fmt.Errorf("device.port %d is out of range [1, 65535]", c.Device.Port))
	}
	if !c.Device.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("device.transport %q is invalid; valid values: udp, tcp", c.Device.Transport))
	}
	if c.LatencyMs < 0 {
		errs = append(errs, fmt.Errorf("latency_ms %d must not be negative", c.LatencyMs))
	}
	if c.FlushDelayMs <= 0 {
		errs = append(errs, fmt.Errorf("flush_delay_ms %d must be positive", c.FlushDelayMs))
	}
	if c.Model.Threads < 0 {
		errs = append(errs, fmt.Errorf("model.threads %d must not be negative", c.Model.Threads))
	}
	if c.Model.GPULayers < 0 {
		errs = append(errs, fmt.Errorf("model.gpu_layers %d must not be negative", c.Model.GPULayers))
	}
	switch src := c.Audio.Source; {
	case src == "", src == "ws", src == "stdin":
	case strings.HasPrefix(src, "wav:") && len(src) > len("wav:"):
	default:
		errs = append(errs, fmt.Errorf("audio.source %q is invalid; valid values: ws, stdin, wav:<path>", src))
	}
	return errors.Join(errs...)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch v {
		case "0", "false", "no", "off", "False", "FALSE":
			return false
		default:
			return true
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// applyEnv overlays CAPTIONCAST_* environment variables onto c.
func (c *Config) applyEnv() {
	c.ListenAddr = getenv("CAPTIONCAST_ADDR", c.ListenAddr)
	c.Device.Enabled = getenvBool("CAPTIONCAST_DEVICE_ENABLED", c.Device.Enabled)
	c.Device.Host = getenv("CAPTIONCAST_DEVICE_HOST", c.Device.Host)
	c.Device.Port = getenvInt("CAPTIONCAST_DEVICE_PORT", c.Device.Port)
	c.Device.Transport = Transport(getenv("CAPTIONCAST_DEVICE_TRANSPORT", string(c.Device.Transport)))
	c.Audio.Source = getenv("CAPTIONCAST_AUDIO_SOURCE", c.Audio.Source)
	c.Model.Dir = getenv("CAPTIONCAST_MODEL_DIR", c.Model.Dir)
	c.Model.File = getenv("WHISPER_MODEL_PATH", c.Model.File)
	c.Model.Threads = getenvInt("WHISPER_THREADS", c.Model.Threads)
	c.Model.PreferGPU = getenvBool("CAPTIONCAST_PREFER_GPU", c.Model.PreferGPU)
	c.ProfanityFilter = getenvBool("CAPTIONCAST_PROFANITY_FILTER", c.ProfanityFilter)
	c.LatencyMs = getenvInt("CAPTIONCAST_LATENCY_MS", c.LatencyMs)
	c.VerboseLogging = getenvBool("CAPTIONCAST_VERBOSE", c.VerboseLogging)
	c.LogPath = getenv("CAPTIONCAST_LOG_PATH", c.LogPath)
}
