package whisper_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/obiente/translate/captioncast/internal/whisper"
)

func TestNewEngine_EmptyPath_IsConfigError(t *testing.T) {
	_, err := whisper.NewEngine(whisper.Options{Logger: zerolog.Nop()})
	if !errors.Is(err, whisper.ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
}

func TestNewEngine_MissingFile_IsConfigError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ggml-missing.bin")
	_, err := whisper.NewEngine(whisper.Options{ModelPath: path, Logger: zerolog.Nop()})
	if !errors.Is(err, whisper.ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want it to wrap os.ErrNotExist", err)
	}
}

func TestNewEngine_Directory_IsConfigError(t *testing.T) {
	_, err := whisper.NewEngine(whisper.Options{ModelPath: t.TempDir(), Logger: zerolog.Nop()})
	if !errors.Is(err, whisper.ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
}

func TestDefaultThreads_AtLeastOne(t *testing.T) {
	if n := whisper.DefaultThreads(); n < 1 {
		t.Fatalf("DefaultThreads = %d", n)
	}
}

func TestResolve(t *testing.T) {
	full := whisper.Capabilities{Backend: "full", GPU: true, LayerOffload: true, ForceCPU: true}
	autoOnly := whisper.Capabilities{Backend: "auto", GPU: true}
	cpu := whisper.Capabilities{Backend: "cpu", ForceCPU: true}

	tests := []struct {
		name     string
		want     whisper.Acceleration
		caps     whisper.Capabilities
		expected whisper.Acceleration
		noted    bool
	}{
		{"nil on cpu backend", nil, cpu, whisper.CPUOnly{}, false},
		{"cpu honoured", whisper.CPUOnly{}, full, whisper.CPUOnly{}, false},
		{"cpu not pinnable", whisper.CPUOnly{}, autoOnly, whisper.GPUAuto{}, true},
		{"layers honoured", whisper.GPUWithLayers{Layers: 50}, full, whisper.GPUWithLayers{Layers: 50}, false},
		{"layers without offload", whisper.GPUWithLayers{Layers: 50}, autoOnly, whisper.GPUAuto{}, true},
		{"layers without gpu", whisper.GPUWithLayers{Layers: 50}, cpu, whisper.CPUOnly{}, true},
		{"zero layers", whisper.GPUWithLayers{}, full, whisper.GPUAuto{}, true},
		{"auto honoured", whisper.GPUAuto{}, autoOnly, whisper.GPUAuto{}, false},
		{"auto without gpu", whisper.GPUAuto{}, cpu, whisper.CPUOnly{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, note := whisper.Resolve(tt.want, tt.caps)
			if got != tt.expected {
				t.Errorf("Resolve = %v, want %v", got, tt.expected)
			}
			if (note != "") != tt.noted {
				t.Errorf("note = %q, noted = %v", note, tt.noted)
			}
		})
	}
}

func TestAccelerationString(t *testing.T) {
	if s := (whisper.GPUWithLayers{Layers: 12}).String(); s != "gpu:12" {
		t.Errorf("String = %q", s)
	}
}
