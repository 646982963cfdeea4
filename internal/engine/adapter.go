// Package engine defines the contract over the external world-engine
// library and the orchestrator that owns its lifecycle.
package engine

import (
	"errors"

	"github.com/biome/gateway/internal/imaging"
)

// ErrOutOfMemory is returned by Construct when the accelerator cannot hold
// the model at the requested precision.
var ErrOutOfMemory = errors.New("accelerator out of memory")

// ErrNotLoaded is returned for engine operations before a model is loaded.
var ErrNotLoaded = errors.New("world engine is not loaded")

// ErrNoSeed is returned for operations that require a seed frame.
var ErrNoSeed = errors.New("seed frame is not set")

// Dtype selects the parameter precision for model construction.
type Dtype string

const (
	DtypeBFloat16 Dtype = "bfloat16"
	DtypeFloat16  Dtype = "float16"
)

// CtrlInput is one tick of interactive control: the set of active button
// codes plus a relative mouse delta.
type CtrlInput struct {
	Buttons map[int]struct{}
	MouseDX float64
	MouseDY float64
}

// ConstructOpts parameterize engine construction.
type ConstructOpts struct {
	ModelURI        string
	Device          string
	NFrames         int
	AEURI           string
	SchedulerSigmas []float64
	Quant           string
	Dtype           Dtype
}

// Engine is the narrow contract over a constructed world engine. All calls
// must happen on the GPU worker; the engine is not reentrant.
type Engine interface {
	// Reset clears the rolling frame history.
	Reset() error
	// AppendFrame seeds the rolling buffer with one frame.
	AppendFrame(f *imaging.Frame) error
	// SetPrompt updates the text conditioning.
	SetPrompt(text string) error
	// GenFrame produces the next frame for the given control input.
	GenFrame(ctrl CtrlInput) (*imaging.Frame, error)
}

// Adapter constructs engines. Construct may fail with ErrOutOfMemory, in
// which case the orchestrator retries at lower precision.
type Adapter interface {
	Construct(opts ConstructOpts) (Engine, error)
}

// Device exposes the accelerator housekeeping operations the orchestrator
// needs for unload, pre-load cleanup and fault recovery.
type Device interface {
	Available() bool
	Synchronize() error
	EmptyCache() error
	ResetCompiledGraphs() error
	IPCCollect() error
}
