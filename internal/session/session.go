package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/biome/gateway/internal/engine"
	"github.com/biome/gateway/internal/imaging"
	"github.com/biome/gateway/internal/monitoring"
	"github.com/biome/gateway/internal/seeds"
)

// State names the session's position in its lifecycle. Transitions are
// driven exclusively by Run.
type State string

const (
	StateAwaitingHandshake State = "awaiting-handshake"
	StateLoading           State = "loading"
	StateAwaitingSeed      State = "awaiting-seed"
	StateSeedVerified      State = "seed-verified"
	StateWarming           State = "warming"
	StateReady             State = "ready"
	StateRunning           State = "running"
	StatePaused            State = "paused"
	StateRecovering        State = "recovering"
	StateClosed            State = "closed"
)

// DefaultHandshakeTimeout bounds how long a fresh connection may idle
// before sending its model and seed.
const DefaultHandshakeTimeout = 60 * time.Second

// DefaultSeedFilename is tried when set_model carries no seed argument.
const DefaultSeedFilename = "default.png"

// Sender delivers one encoded message to the client. Implementations must
// be safe for use from the session goroutine only.
type Sender interface {
	Send(msg any) error
}

// Options tunes a session. Zero values fall back to engine-derived
// defaults.
type Options struct {
	// MaxFrames is the per-reset frame ceiling. Defaults to the engine's
	// rolling-buffer size minus two.
	MaxFrames int
	// JPEGQuality for outbound frames.
	JPEGQuality int
	// DefaultSeed is the filename tried when the client names none.
	DefaultSeed string
	// HandshakeTimeout bounds the initial model/seed exchange.
	HandshakeTimeout time.Duration
}

// Session is the per-connection FSM. It owns no engine state; every engine
// mutation goes through the orchestrator.
type Session struct {
	ID      string
	orch    *engine.Orchestrator
	cache   *seeds.Cache
	metrics *monitoring.Metrics
	opts    Options
	log     *slog.Logger

	inbound <-chan ClientMessage
	sender  Sender

	// mu guards the fields below; the loop goroutine writes them and
	// introspection (tests, logging) may read from outside.
	mu          sync.Mutex
	state       State
	frameCount  int
	lastFrameID int64
	paused      bool
}

// New builds a session over an inbound message channel and a sender. The
// transport closes the channel on disconnect.
func New(orch *engine.Orchestrator, cache *seeds.Cache, metrics *monitoring.Metrics,
	opts Options, inbound <-chan ClientMessage, sender Sender) *Session {
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = orch.NFrames() - 2
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = imaging.DefaultJPEGQuality
	}
	if opts.DefaultSeed == "" {
		opts.DefaultSeed = DefaultSeedFilename
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	id := uuid.NewString()
	return &Session{
		ID:          id,
		orch:        orch,
		cache:       cache,
		metrics:     metrics,
		opts:        opts,
		log:         slog.Default().With("component", "session", "session_id", id),
		inbound:     inbound,
		sender:      sender,
		state:       StateAwaitingHandshake,
		lastFrameID: -1,
	}
}

// State returns the current FSM state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FrameCount returns the frames generated since the last reset.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameCount
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Debug("state transition", "from", string(prev), "to", string(st))
	}
}

func (s *Session) setPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

func (s *Session) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Session) resetFrameCount() {
	s.mu.Lock()
	s.frameCount = 0
	s.mu.Unlock()
}

// incFrameCount bumps the per-reset counter and returns its new value.
func (s *Session) incFrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameCount++
	return s.frameCount
}

// nextFrameID allocates the next emitted frame id. Ids increase across
// resets; only the per-reset counter rewinds.
func (s *Session) nextFrameID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFrameID++
	return s.lastFrameID
}

func (s *Session) sendStatus(code, message string) {
	if err := s.sender.Send(newStatus(code, message)); err != nil {
		s.log.Debug("status send failed", "code", code, "error", err)
	}
}

func (s *Session) sendError(message string) {
	if err := s.sender.Send(newError(message)); err != nil {
		s.log.Debug("error send failed", "error", err)
	}
}
