package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/biome/gateway/internal/gpu"
	"github.com/biome/gateway/internal/imaging"
)

// Reference configuration for the Waypoint family of models.
const (
	DefaultModelURI = "Overworld/Waypoint-1-Small"
	DefaultNFrames  = 4096
	DefaultAEURI    = "OpenWorldLabs/owl_vae_f16_c16_distill_v0_nogan"
)

// DefaultSchedulerSigmas is the diffusion denoising schedule. It must end
// with 0.0.
var DefaultSchedulerSigmas = []float64{1.0, 0.8, 0.2, 0.0}

// DefaultPrompt describes the expected visual style and is applied whenever
// a client clears its prompt.
const DefaultPrompt = "First-person exploration footage from a true POV perspective, " +
	"the camera locked to the player's eyes as terrain, vegetation, water, " +
	"weather, and structures stream past in continuous real-time motion " +
	"with no cuts, consistent world geometry, natural lighting, physically " +
	"plausible materials, and smooth locomotion, rendered in ultra-realistic " +
	"4K at 60fps."

// acceleratorFaultKeywords is the contract with the underlying library for
// detecting corrupted accelerator graph state from error text.
var acceleratorFaultKeywords = []string{"cuda", "cublas", "graph capture", "offset increment"}

// IsAcceleratorFault reports whether err looks like a recoverable
// accelerator failure. Only the orchestrator's callers use this to decide
// between Recover and a fatal close.
func IsAcceleratorFault(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range acceleratorFaultKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// Config parameterizes the orchestrator.
type Config struct {
	DefaultModelURI string
	Device          string
	NFrames         int
	AEURI           string
	SchedulerSigmas []float64
	Quant           string
	DefaultPrompt   string
}

func (c Config) withDefaults() Config {
	if c.DefaultModelURI == "" {
		c.DefaultModelURI = DefaultModelURI
	}
	if c.Device == "" {
		c.Device = "cuda"
	}
	if c.NFrames <= 0 {
		c.NFrames = DefaultNFrames
	}
	if c.AEURI == "" {
		c.AEURI = DefaultAEURI
	}
	if len(c.SchedulerSigmas) == 0 {
		c.SchedulerSigmas = DefaultSchedulerSigmas
	}
	if c.DefaultPrompt == "" {
		c.DefaultPrompt = DefaultPrompt
	}
	return c
}

// Status is a snapshot of the engine runtime state for /health.
type Status struct {
	Loaded   bool
	WarmedUp bool
	HasSeed  bool
	Loading  bool
	ModelURI string
}

// Orchestrator owns the process-wide engine lifecycle: load/switch/unload,
// warmup, reset and accelerator-fault recovery. It is the only component
// permitted to mutate engine runtime state, and every engine call it makes
// executes on the GPU worker.
type Orchestrator struct {
	adapter Adapter
	device  Device
	worker  *gpu.Worker
	cfg     Config
	log     *slog.Logger

	// loadMu serializes model loads process-wide.
	loadMu sync.Mutex

	mu       sync.Mutex
	eng      Engine
	modelURI string
	seed     *imaging.Frame
	prompt   string
	warmedUp bool
	loading  bool
}

// NewOrchestrator wires the orchestrator to its adapter, device and worker.
func NewOrchestrator(adapter Adapter, device Device, worker *gpu.Worker, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		adapter: adapter,
		device:  device,
		worker:  worker,
		cfg:     cfg,
		log:     slog.Default().With("component", "engine"),
		prompt:  cfg.DefaultPrompt,
	}
}

// NFrames returns the engine's rolling-buffer size.
func (o *Orchestrator) NFrames() int { return o.cfg.NFrames }

// Status reports the current runtime state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Loaded:   o.eng != nil,
		WarmedUp: o.warmedUp,
		HasSeed:  o.seed != nil,
		Loading:  o.loading,
		ModelURI: o.modelURI,
	}
}

// Loaded reports whether a model is currently constructed.
func (o *Orchestrator) Loaded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.eng != nil
}

// WarmedUp reports whether the accelerator graphs have been compiled.
func (o *Orchestrator) WarmedUp() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.warmedUp
}

// HasSeed reports whether a seed frame is staged.
func (o *Orchestrator) HasSeed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seed != nil
}

// SetSeed stages a verified seed frame for the next reset or warmup.
func (o *Orchestrator) SetSeed(f *imaging.Frame) {
	o.mu.Lock()
	o.seed = f
	o.mu.Unlock()
}

// ClearSeed drops the staged seed. Called on every new connection so a
// prior session's seed never leaks into a new one.
func (o *Orchestrator) ClearSeed() {
	o.mu.Lock()
	o.seed = nil
	o.mu.Unlock()
}

// Seed returns the staged seed frame, or nil.
func (o *Orchestrator) Seed() *imaging.Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seed
}

// SetPrompt updates the conditioning text. An empty prompt restores the
// default.
func (o *Orchestrator) SetPrompt(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = o.cfg.DefaultPrompt
	}
	o.mu.Lock()
	o.prompt = text
	o.mu.Unlock()
}

// Prompt returns the current conditioning text.
func (o *Orchestrator) Prompt() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prompt
}

func (o *Orchestrator) normalize(modelURI string) string {
	modelURI = strings.TrimSpace(modelURI)
	if modelURI == "" {
		o.mu.Lock()
		cur := o.modelURI
		o.mu.Unlock()
		if cur != "" {
			return cur
		}
		return o.cfg.DefaultModelURI
	}
	return modelURI
}

func (o *Orchestrator) constructOpts(modelURI string, dtype Dtype) ConstructOpts {
	return ConstructOpts{
		ModelURI:        modelURI,
		Device:          o.cfg.Device,
		NFrames:         o.cfg.NFrames,
		AEURI:           o.cfg.AEURI,
		SchedulerSigmas: o.cfg.SchedulerSigmas,
		Quant:           o.cfg.Quant,
		Dtype:           dtype,
	}
}

// freeDeviceMemory releases accelerator allocations and compiled-graph
// caches. Every step is best-effort; partial failure must not abort an
// unload or a recovery. Runs on the GPU worker.
func (o *Orchestrator) freeDeviceMemory() {
	if !o.device.Available() {
		return
	}
	if err := o.device.Synchronize(); err != nil {
		o.log.Warn("device synchronize failed", "error", err)
	}
	if err := o.device.ResetCompiledGraphs(); err != nil {
		o.log.Warn("compiled graph reset failed", "error", err)
	}
	if err := o.device.EmptyCache(); err != nil {
		o.log.Warn("device cache empty failed", "error", err)
	}
	if err := o.device.IPCCollect(); err != nil {
		o.log.Warn("device ipc collect failed", "error", err)
	}
}

// unload drops the current engine and seed and frees device memory.
func (o *Orchestrator) unload(ctx context.Context) {
	_ = gpu.Run(ctx, o.worker, func() error {
		o.mu.Lock()
		o.eng = nil
		o.seed = nil
		o.warmedUp = false
		o.mu.Unlock()
		o.freeDeviceMemory()
		return nil
	})
}

// LoadOrSwitch constructs the requested model, tearing down the current one
// first when the URI differs. Loads are serialized by a process-wide guard.
// Construction tries bfloat16 first and falls back to float16 on an
// out-of-memory failure; any other failure is surfaced after cleanup.
func (o *Orchestrator) LoadOrSwitch(ctx context.Context, modelURI string) error {
	o.loadMu.Lock()
	defer o.loadMu.Unlock()

	requested := o.normalize(modelURI)

	o.mu.Lock()
	if o.eng != nil && requested == o.modelURI {
		o.mu.Unlock()
		o.log.Info("model already loaded", "model", requested)
		return nil
	}
	hadEngine := o.eng != nil
	current := o.modelURI
	o.loading = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.loading = false
		o.mu.Unlock()
	}()

	if hadEngine {
		o.log.Info("switching model", "from", current, "to", requested)
		o.unload(ctx)
	}

	// Pre-load cleanup always runs; it releases residual allocations from
	// previous failed loads and reduces allocator fragmentation.
	_ = gpu.Run(ctx, o.worker, func() error {
		o.freeDeviceMemory()
		return nil
	})

	var eng Engine
	var lastErr error
	for _, dtype := range []Dtype{DtypeBFloat16, DtypeFloat16} {
		opts := o.constructOpts(requested, dtype)
		o.log.Info("constructing engine", "model", requested, "dtype", string(dtype), "n_frames", opts.NFrames)
		built, err := gpu.Do(ctx, o.worker, func() (Engine, error) {
			return o.adapter.Construct(opts)
		})
		if err == nil {
			eng = built
			break
		}
		lastErr = err
		// Clear partially-allocated model state after a failed construction.
		o.unload(ctx)
		if !errors.Is(err, ErrOutOfMemory) {
			break
		}
		o.log.Warn("out of memory during load, retrying at lower precision",
			"model", requested, "dtype", string(dtype))
	}
	if eng == nil {
		if lastErr == nil {
			lastErr = fmt.Errorf("failed to initialize world engine %q", requested)
		}
		return lastErr
	}

	o.mu.Lock()
	o.eng = eng
	o.modelURI = requested
	o.mu.Unlock()
	o.log.Info("model loaded", "model", requested)
	return nil
}

// snapshot returns the engine, seed and prompt, erroring if either of the
// first two is missing.
func (o *Orchestrator) snapshot() (Engine, *imaging.Frame, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.eng == nil {
		return nil, nil, "", ErrNotLoaded
	}
	if o.seed == nil {
		return nil, nil, "", ErrNoSeed
	}
	return o.eng, o.seed, o.prompt, nil
}

// Warmup runs the one-time sequence that forces compilation of the
// accelerator graphs: reset, append seed, set prompt, generate one
// discarded frame.
func (o *Orchestrator) Warmup(ctx context.Context) error {
	eng, seed, prompt, err := o.snapshot()
	if err != nil {
		return err
	}
	o.log.Info("warmup: compiling accelerator graphs")
	if err := gpu.Run(ctx, o.worker, func() error {
		if err := eng.Reset(); err != nil {
			return err
		}
		if err := eng.AppendFrame(seed); err != nil {
			return err
		}
		if err := eng.SetPrompt(prompt); err != nil {
			return err
		}
		_, err := eng.GenFrame(CtrlInput{Buttons: map[int]struct{}{}})
		return err
	}); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	o.mu.Lock()
	o.warmedUp = true
	o.mu.Unlock()
	o.log.Info("warmup complete")
	return nil
}

// Reset clears the frame history and re-seeds it with the current seed and
// prompt.
func (o *Orchestrator) Reset(ctx context.Context) error {
	eng, seed, prompt, err := o.snapshot()
	if err != nil {
		return err
	}
	return gpu.Run(ctx, o.worker, func() error {
		if err := eng.Reset(); err != nil {
			return err
		}
		if err := eng.AppendFrame(seed); err != nil {
			return err
		}
		return eng.SetPrompt(prompt)
	})
}

// GenFrame produces the next frame for one control tick.
func (o *Orchestrator) GenFrame(ctx context.Context, ctrl CtrlInput) (*imaging.Frame, error) {
	o.mu.Lock()
	eng := o.eng
	o.mu.Unlock()
	if eng == nil {
		return nil, ErrNotLoaded
	}
	return gpu.Do(ctx, o.worker, func() (*imaging.Frame, error) {
		return eng.GenFrame(ctrl)
	})
}

// Recover attempts in-place recovery from suspected accelerator-graph
// corruption: synchronize, empty the device cache, reset the compiled-graph
// cache, then perform a normal reset.
func (o *Orchestrator) Recover(ctx context.Context) error {
	o.log.Warn("attempting accelerator fault recovery")
	if err := gpu.Run(ctx, o.worker, func() error {
		if !o.device.Available() {
			return nil
		}
		if err := o.device.Synchronize(); err != nil {
			return err
		}
		if err := o.device.EmptyCache(); err != nil {
			return err
		}
		return o.device.ResetCompiledGraphs()
	}); err != nil {
		return fmt.Errorf("recovery cleanup: %w", err)
	}
	if err := o.Reset(ctx); err != nil {
		return fmt.Errorf("recovery reset: %w", err)
	}
	o.log.Info("accelerator fault recovery complete")
	return nil
}
