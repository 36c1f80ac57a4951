package whisper

import "strconv"

// Acceleration selects where inference runs. The set of variants is closed:
// CPUOnly, GPUWithLayers and GPUAuto.
type Acceleration interface {
	String() string
	acceleration()
}

// CPUOnly keeps all inference on the CPU.
type CPUOnly struct{}

// GPUWithLayers offloads a fixed number of layers to the GPU.
type GPUWithLayers struct{ Layers int }

// GPUAuto lets the backend decide how much to offload.
type GPUAuto struct{}

func (CPUOnly) acceleration()       {}
func (GPUWithLayers) acceleration() {}
func (GPUAuto) acceleration()       {}

func (CPUOnly) String() string         { return "cpu" }
func (g GPUWithLayers) String() string { return "gpu:" + strconv.Itoa(g.Layers) }
func (GPUAuto) String() string         { return "gpu:auto" }

// Capabilities describes what a compiled backend can honour.
type Capabilities struct {
	Backend string
	// GPU is set when the backend may run on a GPU at all.
	GPU bool
	// LayerOffload is set when a layer count is honoured.
	LayerOffload bool
	// ForceCPU is set when the backend can be kept off the GPU on request.
	ForceCPU bool
}

// Resolve maps a requested acceleration onto what caps supports. The note is
// empty when the request is honoured as given, otherwise it says what was
// dropped. Resolve never fails: acceleration is a best-effort hint.
func Resolve(want Acceleration, caps Capabilities) (Acceleration, string) {
	switch w := want.(type) {
	case nil, CPUOnly:
		if caps.GPU && !caps.ForceCPU {
			return GPUAuto{}, "backend cannot be pinned to the CPU"
		}
		return CPUOnly{}, ""
	case GPUWithLayers:
		if !caps.GPU {
			return CPUOnly{}, "backend has no GPU support"
		}
		if w.Layers <= 0 {
			return GPUAuto{}, "non-positive layer count"
		}
		if !caps.LayerOffload {
			return GPUAuto{}, "layer count ignored by backend"
		}
		return w, ""
	case GPUAuto:
		if !caps.GPU {
			return CPUOnly{}, "backend has no GPU support"
		}
		return w, ""
	default:
		return CPUOnly{}, "unknown acceleration " + want.String()
	}
}
