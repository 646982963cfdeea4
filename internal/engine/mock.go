package engine

import (
	"fmt"
	"sync"

	"github.com/biome/gateway/internal/imaging"
)

// MockAdapter is a synthetic engine binding used in development mode and in
// tests. It produces procedurally generated frames so the full gateway can
// run on hosts without the engine library or an accelerator.
type MockAdapter struct {
	// ConstructHook, when set, is consulted before each construction and
	// may return an error to simulate load failures.
	ConstructHook func(opts ConstructOpts) error

	mu          sync.Mutex
	constructed []ConstructOpts
	engines     []*MockEngine
}

// Construct builds a MockEngine for the requested options.
func (a *MockAdapter) Construct(opts ConstructOpts) (Engine, error) {
	a.mu.Lock()
	a.constructed = append(a.constructed, opts)
	a.mu.Unlock()
	if a.ConstructHook != nil {
		if err := a.ConstructHook(opts); err != nil {
			return nil, err
		}
	}
	eng := &MockEngine{opts: opts}
	a.mu.Lock()
	a.engines = append(a.engines, eng)
	a.mu.Unlock()
	return eng, nil
}

// LastEngine returns the most recently constructed engine, or nil.
func (a *MockAdapter) LastEngine() *MockEngine {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.engines) == 0 {
		return nil
	}
	return a.engines[len(a.engines)-1]
}

// Constructed returns the options of every construction attempt.
func (a *MockAdapter) Constructed() []ConstructOpts {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ConstructOpts, len(a.constructed))
	copy(out, a.constructed)
	return out
}

// MockEngine renders a deterministic gradient that shifts with each
// generated frame and with the control input, which is enough to verify
// frame plumbing end to end.
type MockEngine struct {
	mu      sync.Mutex
	opts    ConstructOpts
	history int
	prompt  string
	tick    int

	// GenErr, when set, is returned by the next GenFrame call and then
	// cleared. Tests use it to inject accelerator faults.
	GenErr error
}

// Reset clears the rolling frame history.
func (e *MockEngine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = 0
	e.tick = 0
	return nil
}

// AppendFrame seeds the rolling buffer.
func (e *MockEngine) AppendFrame(f *imaging.Frame) error {
	if f == nil {
		return fmt.Errorf("nil seed frame")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history++
	return nil
}

// SetPrompt records the conditioning text.
func (e *MockEngine) SetPrompt(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prompt = text
	return nil
}

// GenFrame produces the next synthetic frame.
func (e *MockEngine) GenFrame(ctrl CtrlInput) (*imaging.Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.GenErr != nil {
		err := e.GenErr
		e.GenErr = nil
		return nil, err
	}
	if e.history == 0 {
		return nil, fmt.Errorf("frame history is empty; append a seed first")
	}
	e.tick++
	f := imaging.NewFrame(imaging.FrameWidth, imaging.FrameHeight)
	shift := e.tick + int(ctrl.MouseDX) + int(ctrl.MouseDY)
	btn := len(ctrl.Buttons) * 31
	for y := 0; y < f.H; y++ {
		row := f.Pix[y*f.W*3:]
		for x := 0; x < f.W; x++ {
			row[x*3+0] = uint8((x + shift) & 0xff)
			row[x*3+1] = uint8(y & 0xff)
			row[x*3+2] = uint8(btn & 0xff)
		}
	}
	return f, nil
}

// Tick returns the number of frames generated since the last reset.
func (e *MockEngine) Tick() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

// FailNext arranges for the next GenFrame call to return err.
func (e *MockEngine) FailNext(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.GenErr = err
}

// MockDevice records accelerator housekeeping calls.
type MockDevice struct {
	// Present controls Available. A zero MockDevice reports no accelerator,
	// which matches hosts running the mock engine on CPU.
	Present bool

	mu           sync.Mutex
	Synchronized int
	CacheEmptied int
	GraphResets  int
	IPCCollects  int
}

func (d *MockDevice) Available() bool { return d.Present }

func (d *MockDevice) Synchronize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Synchronized++
	return nil
}

func (d *MockDevice) EmptyCache() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CacheEmptied++
	return nil
}

func (d *MockDevice) ResetCompiledGraphs() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.GraphResets++
	return nil
}

func (d *MockDevice) IPCCollect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.IPCCollects++
	return nil
}
