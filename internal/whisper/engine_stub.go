//go:build !whisper_cpp

package whisper

import "context"

// BackendCapabilities reports what the compiled backend supports.
func BackendCapabilities() Capabilities {
	return Capabilities{Backend: "stub", ForceCPU: true}
}

// Default stub (no cgo) so the project builds without whisper_cpp tag.
// It recognizes nothing.
type stubEngine struct{}

func newBackend(opts Options) (Engine, error) {
	opts.Logger.Warn().Msg("whisper: built without whisper_cpp tag; recognition is disabled")
	return &stubEngine{}, nil
}

func (e *stubEngine) Close() error { return nil }

func (e *stubEngine) Transcribe(ctx context.Context, samples []float32, onSegment func(Segment)) error {
	return ctx.Err()
}
