package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/biome/gateway/internal/engine"
	"github.com/biome/gateway/internal/imaging"
)

var errDisconnected = errors.New("client disconnected")
var errHandshakeTimeout = errors.New("handshake timed out")

// loadingKeepalive is the interval at which loading status is re-emitted
// while a model load is in flight, so clients do not treat the connection
// as stalled.
const loadingKeepalive = 5 * time.Second

// progressLogInterval is how often (in frames) the streaming loop logs.
const progressLogInterval = 60

// Run drives the session until the client disconnects, the context is
// cancelled, or an unrecoverable engine failure occurs. A normal
// disconnect returns nil.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateClosed)

	// A prior session's seed must never leak into this one.
	s.orch.ClearSeed()
	s.sendStatus(StatusWaitingForSeed, "")

	err := s.run(ctx)
	if errors.Is(err, errDisconnected) {
		return nil
	}
	return err
}

func (s *Session) run(ctx context.Context) error {
	if err := s.handshake(ctx, true); err != nil {
		return err
	}
	if err := s.finishInit(ctx); err != nil {
		return err
	}
	for {
		msg, err := s.nextMessage(ctx)
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, msg); err != nil {
			return err
		}
	}
}

// handshake waits for the client to select a model and a verified seed.
// Each received message rearms the timeout. allowDefault permits falling
// back to the default seed when set_model names none; a mid-session model
// switch does not, so a stale-looking world never appears after a switch.
func (s *Session) handshake(ctx context.Context, allowDefault bool) error {
	timer := time.NewTimer(s.opts.HandshakeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.sendError(msgHandshakeTimeout)
			return errHandshakeTimeout
		case msg, ok := <-s.inbound:
			if !ok {
				return errDisconnected
			}
			rearm(timer, s.opts.HandshakeTimeout)

			switch msg.Type {
			case TypeSetModel:
				if msg.Model == "" {
					s.sendError(msgMissingModel)
					continue
				}
				if err := s.loadModel(ctx, msg.Model); err != nil {
					return err
				}
				if s.trySeed(msg.Seed, allowDefault) {
					return nil
				}
				s.setState(StateAwaitingSeed)
				s.sendStatus(StatusWaitingForSeed, "")

			case TypeSetInitialSeed:
				if msg.Filename == "" {
					s.sendError(msgMissingFilename)
					continue
				}
				if !s.orch.Loaded() {
					if err := s.loadModel(ctx, ""); err != nil {
						return err
					}
				}
				if err := s.applySeed(msg.Filename); err != nil {
					continue // error already reported, state preserved
				}
				return nil

			default:
				s.sendError("Waiting for model and seed selection")
			}
		}
	}
}

// loadModel runs a load or switch on the orchestrator while emitting
// loading keepalives. A load failure is fatal to the session.
func (s *Session) loadModel(ctx context.Context, modelURI string) error {
	s.setState(StateLoading)
	s.sendStatus(StatusLoading, "")

	done := make(chan error, 1)
	go func() {
		done <- s.orch.LoadOrSwitch(ctx, modelURI)
	}()

	ticker := time.NewTicker(loadingKeepalive)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if s.metrics != nil {
				s.metrics.RecordModelLoad(err)
			}
			if err != nil {
				s.log.Error("model load failed", "model", modelURI, "error", err)
				s.sendError("Failed to load model: " + err.Error())
				return err
			}
			return nil
		case <-ticker.C:
			s.sendStatus(StatusLoading, "")
		case <-ctx.Done():
			// The load itself is not cancellable; the buffered channel lets
			// the goroutine finish without leaking.
			return ctx.Err()
		}
	}
}

// trySeed verifies and stages the named seed, falling back to the default
// seed when name is empty and allowDefault is set. A failed explicit seed
// is reported to the client; a missing default is only logged.
func (s *Session) trySeed(name string, allowDefault bool) bool {
	explicit := name != ""
	if !explicit {
		if !allowDefault {
			return false
		}
		name = s.opts.DefaultSeed
	}

	rec, err := s.cache.Verify(name)
	if err != nil {
		if explicit {
			s.sendError(seedErrorMessage(name, err))
		} else {
			s.log.Info("default seed unavailable", "file", name, "error", err)
		}
		return false
	}
	frame, err := imaging.LoadFrame(rec.Path)
	if err != nil {
		s.log.Error("failed to load seed image", "file", name, "error", err)
		if explicit {
			s.sendError("Failed to load seed image: " + err.Error())
		}
		return false
	}
	s.orch.SetSeed(frame)
	s.setState(StateSeedVerified)
	s.log.Info("seed verified", "file", name)
	return true
}

// applySeed is trySeed for an explicitly named seed; it returns the
// verification failure for callers that branch on it.
func (s *Session) applySeed(name string) error {
	rec, err := s.cache.Verify(name)
	if err != nil {
		s.sendError(seedErrorMessage(name, err))
		return err
	}
	frame, err := imaging.LoadFrame(rec.Path)
	if err != nil {
		s.sendError("Failed to load seed image: " + err.Error())
		return err
	}
	s.orch.SetSeed(frame)
	s.setState(StateSeedVerified)
	s.log.Info("seed verified", "file", name)
	return nil
}

// finishInit takes a seed-verified session to running: warmup if the
// engine has not compiled its graphs yet, then reset, emit the seed as the
// first frame, and report ready.
func (s *Session) finishInit(ctx context.Context) error {
	if !s.orch.WarmedUp() {
		s.setState(StateWarming)
		s.sendStatus(StatusWarmup, "Compiling accelerator graphs, this may take a minute")
		if err := s.orch.Warmup(ctx); err != nil {
			s.sendError("Warmup failed: " + err.Error())
			return err
		}
	}

	s.sendStatus(StatusInit, "")
	if err := s.orch.Reset(ctx); err != nil {
		s.sendError("Engine reset failed: " + err.Error())
		return err
	}
	s.resetFrameCount()
	s.setState(StateReady)

	if seed := s.orch.Seed(); seed != nil {
		if err := s.sendFrame(seed, 0, 0); err != nil {
			return err
		}
	}
	s.sendStatus(StatusReady, "")
	s.setState(StateRunning)
	return nil
}

// nextMessage blocks for one inbound message, then drains everything
// already buffered. Among consecutive control messages only the newest
// survives; the first non-control message encountered is returned
// immediately, discarding the stale controls before it.
func (s *Session) nextMessage(ctx context.Context) (ClientMessage, error) {
	var msg ClientMessage
	select {
	case <-ctx.Done():
		return msg, ctx.Err()
	case m, ok := <-s.inbound:
		if !ok {
			return msg, errDisconnected
		}
		msg = m
	}
	if !isControl(msg) {
		return msg, nil
	}
	for {
		select {
		case m, ok := <-s.inbound:
			if !ok {
				return msg, nil
			}
			if !isControl(m) {
				return m, nil
			}
			msg = m
		default:
			return msg, nil
		}
	}
}

func (s *Session) dispatch(ctx context.Context, msg ClientMessage) error {
	switch msg.Type {
	case TypeControl:
		return s.handleControl(ctx, msg)

	case TypeReset:
		return s.resetEngine(ctx, "")

	case TypePause:
		s.setPaused(true)
		s.setState(StatePaused)
		return nil

	case TypeResume:
		s.setPaused(false)
		s.setState(StateRunning)
		return nil

	case TypePrompt:
		s.orch.SetPrompt(msg.Prompt)
		return s.resetEngine(ctx, "")

	case TypePromptWithSeed:
		if msg.Filename == "" {
			s.sendError(msgMissingFilename)
			return nil
		}
		if err := s.applySeed(msg.Filename); err != nil {
			return nil // state preserved, client re-lists seeds
		}
		if msg.Prompt != "" {
			s.orch.SetPrompt(msg.Prompt)
		}
		return s.resetEngine(ctx, "")

	case TypeSetModel:
		return s.switchModel(ctx, msg)

	default:
		s.sendError("Unknown message type: " + msg.Type)
		return nil
	}
}

// resetEngine performs a reset and reports it, mapping accelerator faults
// through the recovery path.
func (s *Session) resetEngine(ctx context.Context, statusMsg string) error {
	if err := s.orch.Reset(ctx); err != nil {
		return s.handleEngineError(ctx, err)
	}
	s.resetFrameCount()
	s.sendStatus(StatusReset, statusMsg)
	return nil
}

// switchModel handles a mid-session set_model: the engine is torn down and
// rebuilt, the seed slot is cleared by the switch, and the session returns
// to seed selection unless the message named a usable seed.
func (s *Session) switchModel(ctx context.Context, msg ClientMessage) error {
	if msg.Model == "" {
		s.sendError(msgMissingModel)
		return nil
	}
	s.setPaused(false)

	if err := s.loadModel(ctx, msg.Model); err != nil {
		return err
	}
	if !s.trySeed(msg.Seed, false) {
		s.setState(StateAwaitingSeed)
		s.sendStatus(StatusWaitingForSeed, "")
		if err := s.handshake(ctx, false); err != nil {
			return err
		}
	}
	return s.finishInit(ctx)
}

func (s *Session) handleControl(ctx context.Context, msg ClientMessage) error {
	if s.isPaused() {
		return nil
	}

	// The rolling buffer holds NFrames slots; resetting two short of the
	// ceiling keeps the append during reset in bounds.
	if count := s.FrameCount(); count >= s.opts.MaxFrames {
		s.log.Info("frame ceiling reached, resetting", "frames", count)
		if err := s.resetEngine(ctx, ""); err != nil {
			return err
		}
	}

	ctrl := engine.CtrlInput{
		Buttons: engine.ButtonsFromNames(msg.Buttons),
		MouseDX: msg.MouseDX,
		MouseDY: msg.MouseDY,
	}
	start := time.Now()
	frame, err := s.orch.GenFrame(ctx, ctrl)
	if err != nil {
		return s.handleEngineError(ctx, err)
	}
	elapsed := time.Since(start)

	count := s.incFrameCount()
	if s.metrics != nil {
		s.metrics.RecordFrame(elapsed.Seconds())
	}
	if count%progressLogInterval == 0 {
		s.log.Info("streaming", "frames", count,
			"gen_ms", float64(elapsed.Microseconds())/1000.0)
	}
	return s.sendFrame(frame, msg.TS, float64(elapsed.Microseconds())/1000.0)
}

// handleEngineError maps an engine failure either through accelerator
// fault recovery or to a fatal close.
func (s *Session) handleEngineError(ctx context.Context, err error) error {
	if engine.IsAcceleratorFault(err) {
		s.setState(StateRecovering)
		s.log.Warn("accelerator fault during generation", "error", err)
		rerr := s.orch.Recover(ctx)
		if s.metrics != nil {
			s.metrics.RecordRecovery(rerr)
		}
		if rerr == nil {
			s.resetFrameCount()
			s.setState(StateRunning)
			s.sendStatus(StatusReset, msgRecovered)
			return nil
		}
		s.log.Error("accelerator recovery failed", "error", rerr)
		s.sendError(msgRecoveryFailed)
		return fmt.Errorf("accelerator recovery failed: %w", rerr)
	}
	s.log.Error("engine call failed", "error", err)
	s.sendError("Frame generation failed: " + err.Error())
	return err
}

// sendFrame JPEG-encodes a frame and ships it with the next monotonic id.
func (s *Session) sendFrame(f *imaging.Frame, clientTS, genMS float64) error {
	data, err := imaging.EncodeJPEG(f, s.opts.JPEGQuality)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	msg := FrameMessage{
		Type:     "frame",
		Data:     base64.StdEncoding.EncodeToString(data),
		FrameID:  s.nextFrameID(),
		ClientTS: clientTS,
		GenMS:    genMS,
	}
	if err := s.sender.Send(msg); err != nil {
		return errDisconnected
	}
	return nil
}

func rearm(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
