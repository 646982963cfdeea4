// Package session implements the per-connection state machine that drives
// the world engine: handshake, warmup, frame streaming with control
// coalescing, pause/reset, and accelerator fault recovery.
package session

import "encoding/json"

// ClientMessage is the decoded form of every client-to-server frame.
// Unused fields stay at their zero values; Type selects the handler.
type ClientMessage struct {
	Type     string   `json:"type"`
	Model    string   `json:"model,omitempty"`
	Seed     string   `json:"seed,omitempty"`
	Filename string   `json:"filename,omitempty"`
	Prompt   string   `json:"prompt,omitempty"`
	Buttons  []string `json:"buttons,omitempty"`
	MouseDX  float64  `json:"mouse_dx,omitempty"`
	MouseDY  float64  `json:"mouse_dy,omitempty"`
	TS       float64  `json:"ts,omitempty"`
}

// DecodeClientMessage parses one inbound frame. A frame with no type is
// treated as a control message, matching clients that omit the field on
// the hot path.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, err
	}
	if msg.Type == "" {
		msg.Type = TypeControl
	}
	return msg, nil
}

// Client message types.
const (
	TypeSetModel       = "set_model"
	TypeSetInitialSeed = "set_initial_seed"
	TypeControl        = "control"
	TypeReset          = "reset"
	TypePrompt         = "prompt"
	TypePromptWithSeed = "prompt_with_seed"
	TypePause          = "pause"
	TypeResume         = "resume"
)

// Status codes emitted on state entry.
const (
	StatusWaitingForSeed = "waiting_for_seed"
	StatusLoading        = "loading"
	StatusWarmup         = "warmup"
	StatusInit           = "init"
	StatusReady          = "ready"
	StatusReset          = "reset"
)

// StatusMessage reports a state transition to the client.
type StatusMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// FrameMessage carries one generated frame.
type FrameMessage struct {
	Type     string  `json:"type"`
	Data     string  `json:"data"` // base64 JPEG
	FrameID  int64   `json:"frame_id"`
	ClientTS float64 `json:"client_ts"`
	GenMS    float64 `json:"gen_ms"`
}

// ErrorMessage reports a session-level failure.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newStatus(code, message string) StatusMessage {
	return StatusMessage{Type: "status", Code: code, Message: message}
}

func newError(message string) ErrorMessage {
	return ErrorMessage{Type: "error", Message: message}
}

// isControl reports whether msg should participate in control coalescing.
func isControl(msg ClientMessage) bool {
	return msg.Type == TypeControl
}
