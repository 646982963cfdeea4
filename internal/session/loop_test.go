package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biome/gateway/internal/engine"
	"github.com/biome/gateway/internal/gpu"
	"github.com/biome/gateway/internal/safety"
	"github.com/biome/gateway/internal/seeds"
)

// captureSender records every outbound message for inspection.
type captureSender struct {
	mu   sync.Mutex
	msgs []any
}

func (c *captureSender) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureSender) statuses() []StatusMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []StatusMessage
	for _, m := range c.msgs {
		if s, ok := m.(StatusMessage); ok {
			out = append(out, s)
		}
	}
	return out
}

func (c *captureSender) frames() []FrameMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []FrameMessage
	for _, m := range c.msgs {
		if f, ok := m.(FrameMessage); ok {
			out = append(out, f)
		}
	}
	return out
}

func (c *captureSender) errs() []ErrorMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ErrorMessage
	for _, m := range c.msgs {
		if e, ok := m.(ErrorMessage); ok {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type passClassifier struct{}

func (passClassifier) CheckOne(string) (safety.Verdict, error) {
	return safety.Verdict{IsSafe: true, Scores: safety.Scores{Neutral: 1}}, nil
}

func (passClassifier) CheckBatch(paths []string) ([]safety.Verdict, error) {
	out := make([]safety.Verdict, len(paths))
	for i := range out {
		out[i] = safety.Verdict{IsSafe: true, Scores: safety.Scores{Neutral: 1}}
	}
	return out, nil
}

type harness struct {
	adapter *engine.MockAdapter
	orch    *engine.Orchestrator
	cache   *seeds.Cache
	inbound chan ClientMessage
	sender  *captureSender
	sess    *Session
	done    chan error
	cancel  context.CancelFunc
}

func seedPNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	worker := gpu.NewWorker(32)
	t.Cleanup(worker.Close)

	adapter := &engine.MockAdapter{}
	orch := engine.NewOrchestrator(adapter, &engine.MockDevice{}, worker, engine.Config{NFrames: 64})

	root := t.TempDir()
	cache, err := seeds.New(seeds.Config{
		DefaultDir:   filepath.Join(root, "default"),
		UploadsDir:   filepath.Join(root, "uploads"),
		SnapshotPath: filepath.Join(root, ".seeds_cache.bin"),
	}, passClassifier{})
	require.NoError(t, err)
	seedPNG(t, filepath.Join(root, "default", "default.png"))
	require.NoError(t, cache.Rescan(context.Background()))

	h := &harness{
		adapter: adapter,
		orch:    orch,
		cache:   cache,
		inbound: make(chan ClientMessage, 64),
		sender:  &captureSender{},
	}
	h.sess = New(orch, cache, nil, opts, h.inbound, h.sender)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.sess.Run(ctx); close(h.done) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("session did not stop")
		}
	})
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.start(t)
	h.inbound <- ClientMessage{Type: TypeSetModel, Model: "test/model", Seed: "default.png"}
	waitFor(t, "ready status", func() bool {
		for _, s := range h.sender.statuses() {
			if s.Code == StatusReady {
				return true
			}
		}
		return false
	})
}

func statusCodes(msgs []StatusMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Code
	}
	return out
}

func TestHappyPathHandshake(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	codes := statusCodes(h.sender.statuses())
	assert.Equal(t, StatusWaitingForSeed, codes[0])
	assert.Contains(t, codes, StatusLoading)
	assert.Contains(t, codes, StatusWarmup)
	assert.Contains(t, codes, StatusInit)
	assert.Contains(t, codes, StatusReady)

	frames := h.sender.frames()
	require.NotEmpty(t, frames)
	assert.Equal(t, int64(0), frames[0].FrameID)

	h.inbound <- ClientMessage{Type: TypeControl, Buttons: []string{"W"}, TS: 123}
	waitFor(t, "control frame", func() bool { return len(h.sender.frames()) >= 2 })

	frame := h.sender.frames()[1]
	assert.Equal(t, int64(1), frame.FrameID)
	assert.Equal(t, float64(123), frame.ClientTS)
	assert.GreaterOrEqual(t, frame.GenMS, float64(0))
	assert.NotEmpty(t, frame.Data)
}

func TestHandshakeTimeout(t *testing.T) {
	h := newHarness(t, Options{HandshakeTimeout: 30 * time.Millisecond})
	h.start(t)

	select {
	case err := <-h.done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not time out")
	}
	errs := h.sender.errs()
	require.NotEmpty(t, errs)
	assert.Equal(t, msgHandshakeTimeout, errs[0].Message)
}

func TestSetInitialSeedLoadsDefaultModel(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	h.inbound <- ClientMessage{Type: TypeSetInitialSeed, Filename: "default.png"}
	waitFor(t, "ready status", func() bool {
		for _, s := range h.sender.statuses() {
			if s.Code == StatusReady {
				return true
			}
		}
		return false
	})
	assert.True(t, h.orch.Loaded())
}

func TestSeedNotInCacheKeepsSessionWaiting(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	h.inbound <- ClientMessage{Type: TypeSetModel, Model: "test/model", Seed: "ghost.png"}
	waitFor(t, "seed error", func() bool { return len(h.sender.errs()) > 0 })
	assert.Equal(t, "Seed 'ghost.png' not in safety cache", h.sender.errs()[0].Message)

	// The session recovers once a valid seed arrives.
	h.inbound <- ClientMessage{Type: TypeSetInitialSeed, Filename: "default.png"}
	waitFor(t, "ready status", func() bool {
		for _, s := range h.sender.statuses() {
			if s.Code == StatusReady {
				return true
			}
		}
		return false
	})
}

func TestIntegrityFailureMessage(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.cache.Upload(context.Background(), "my.png", pngPayload(t))
	require.NoError(t, err)

	// Mutate the uploaded file so its hash no longer matches.
	rec, ok := h.cache.Get("my.png")
	require.True(t, ok)
	require.NoError(t, os.WriteFile(rec.Path, append(pngPayload(t), 0x00), 0o644))

	h.start(t)
	h.inbound <- ClientMessage{Type: TypeSetModel, Model: "test/model", Seed: "my.png"}
	waitFor(t, "integrity error", func() bool { return len(h.sender.errs()) > 0 })
	assert.Equal(t, msgIntegrityFailed, h.sender.errs()[0].Message)
}

func TestControlCoalescing(t *testing.T) {
	h := newHarness(t, Options{})
	for i := 1; i <= 50; i++ {
		h.inbound <- ClientMessage{Type: TypeControl, TS: float64(i)}
	}

	msg, err := h.sess.nextMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(50), msg.TS, "only the newest control survives")
	assert.Empty(t, h.inbound)
}

func TestCoalescingStopsAtNonControl(t *testing.T) {
	h := newHarness(t, Options{})
	h.inbound <- ClientMessage{Type: TypeControl, TS: 1}
	h.inbound <- ClientMessage{Type: TypeControl, TS: 2}
	h.inbound <- ClientMessage{Type: TypeReset}
	h.inbound <- ClientMessage{Type: TypeControl, TS: 3}

	msg, err := h.sess.nextMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TypeReset, msg.Type, "non-control messages are handled as observed")

	msg, err = h.sess.nextMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(3), msg.TS, "later controls stay queued")
}

func TestFrameMessageAlwaysCarriesClientTS(t *testing.T) {
	// The initial seed frame echoes no client timestamp; clients still
	// expect the field on every frame.
	data, err := json.Marshal(FrameMessage{Type: "frame", Data: "abc"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"client_ts":0`)
}

func TestUntypedMessageIsControl(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"buttons":["W"],"mouse_dx":1.5}`))
	require.NoError(t, err)
	assert.Equal(t, TypeControl, msg.Type)
	assert.True(t, isControl(msg))
}

func TestFrameIDsMonotonicAcrossReset(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	h.inbound <- ClientMessage{Type: TypeControl}
	waitFor(t, "frame 1", func() bool { return len(h.sender.frames()) >= 2 })

	h.inbound <- ClientMessage{Type: TypeReset}
	waitFor(t, "reset status", func() bool {
		codes := statusCodes(h.sender.statuses())
		return codes[len(codes)-1] == StatusReset
	})

	h.inbound <- ClientMessage{Type: TypeControl}
	waitFor(t, "frame after reset", func() bool { return len(h.sender.frames()) >= 3 })

	frames := h.sender.frames()
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].FrameID, frames[i-1].FrameID)
	}
}

func TestFrameCeilingAutoReset(t *testing.T) {
	h := newHarness(t, Options{MaxFrames: 3})
	h.connect(t)

	for i := 0; i < 5; i++ {
		h.inbound <- ClientMessage{Type: TypeControl}
		want := i + 2 // seed frame plus one per control
		waitFor(t, "frame", func() bool { return len(h.sender.frames()) >= want })
	}

	var resets int
	for _, s := range h.sender.statuses() {
		if s.Code == StatusReset {
			resets++
		}
	}
	assert.GreaterOrEqual(t, resets, 1, "ceiling must force a reset")
	assert.Less(t, h.sess.FrameCount(), 3+1)
}

func TestPauseSuppressesFrames(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	h.inbound <- ClientMessage{Type: TypePause}
	waitFor(t, "paused", func() bool { return h.sess.State() == StatePaused })

	h.inbound <- ClientMessage{Type: TypeControl}
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.sender.frames(), 1, "paused sessions generate no frames")

	h.inbound <- ClientMessage{Type: TypeResume}
	h.inbound <- ClientMessage{Type: TypeControl}
	waitFor(t, "frame after resume", func() bool { return len(h.sender.frames()) >= 2 })
}

func TestAcceleratorFaultRecovery(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	h.adapter.LastEngine().FailNext(errors.New("operation failed during graph capture"))
	h.inbound <- ClientMessage{Type: TypeControl}

	waitFor(t, "recovery status", func() bool {
		for _, s := range h.sender.statuses() {
			if s.Code == StatusReset && s.Message == msgRecovered {
				return true
			}
		}
		return false
	})

	// The next control is served normally.
	h.inbound <- ClientMessage{Type: TypeControl}
	waitFor(t, "frame after recovery", func() bool { return len(h.sender.frames()) >= 2 })
	assert.Empty(t, h.sender.errs())
}

func TestNonFaultEngineErrorClosesSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	h.adapter.LastEngine().FailNext(errors.New("tensor shape mismatch"))
	h.inbound <- ClientMessage{Type: TypeControl}

	select {
	case err := <-h.done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
	require.NotEmpty(t, h.sender.errs())
}

func TestPromptResetsEngine(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	h.inbound <- ClientMessage{Type: TypePrompt, Prompt: "a misty valley"}
	waitFor(t, "reset status", func() bool {
		codes := statusCodes(h.sender.statuses())
		return codes[len(codes)-1] == StatusReset
	})
	assert.Equal(t, "a misty valley", h.orch.Prompt())

	// An empty prompt restores the default.
	h.inbound <- ClientMessage{Type: TypePrompt, Prompt: ""}
	waitFor(t, "default prompt", func() bool { return h.orch.Prompt() == engine.DefaultPrompt })
}

func TestDisconnectReturnsNil(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	close(h.inbound)

	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop on disconnect")
	}
}

func TestModelSwitchRequiresNewSeed(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	h.inbound <- ClientMessage{Type: TypeSetModel, Model: "other/model"}
	waitFor(t, "waiting_for_seed after switch", func() bool {
		codes := statusCodes(h.sender.statuses())
		for i := len(codes) - 1; i > 0; i-- {
			if codes[i] == StatusWaitingForSeed {
				return true
			}
		}
		return false
	})
	assert.False(t, h.orch.HasSeed(), "prior session's seed must not be reused")

	h.inbound <- ClientMessage{Type: TypeSetInitialSeed, Filename: "default.png"}
	waitFor(t, "ready after switch", func() bool {
		ready := 0
		for _, s := range h.sender.statuses() {
			if s.Code == StatusReady {
				ready++
			}
		}
		return ready >= 2
	})
}

func pngPayload(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
