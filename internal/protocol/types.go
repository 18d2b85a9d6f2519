// Package protocol defines the wire format spoken between the agent and the
// coordination server. Every frame is a JSON envelope carrying a type and a
// payload; payload shapes are defined per message type below.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies the kind of socket message.
type MessageType string

const (
	// Outbound (agent → server).
	MsgJoin            MessageType = "join"
	MsgLog             MessageType = "log"
	MsgScreenshotTaken MessageType = "screenshot_taken"

	// Inbound (server → agent).
	MsgMessage    MessageType = "message"
	MsgBundle     MessageType = "bundle"
	MsgClear      MessageType = "clear"
	MsgClose      MessageType = "close"
	MsgScreenshot MessageType = "screenshot"
)

// ErrUnknownType is returned when an envelope carries a type the agent does
// not handle.
var ErrUnknownType = errors.New("unknown message type")

// Envelope is the frame for all socket messages.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: data}, nil
}

// Decode unmarshals the envelope payload into out. An empty payload leaves
// out untouched.
func (e Envelope) Decode(out any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// Inbound reports whether t is a command the server may send to an agent.
func (t MessageType) Inbound() bool {
	switch t {
	case MsgMessage, MsgBundle, MsgClear, MsgClose, MsgScreenshot:
		return true
	}
	return false
}

// Join announces the agent to a room. It is sent once per successful
// connection and is the only place the room's installed version is reported.
type Join struct {
	Name       string  `json:"name"`
	UUID       string  `json:"uuid"`
	OSName     string  `json:"os_osname"`
	OSVersion  string  `json:"os_version"`
	AppVersion *string `json:"app_version,omitempty"`
	Room       string  `json:"room"`
	Version    *string `json:"version,omitempty"`
}

// LogEvent is a log record forwarded to the server.
type LogEvent struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Time    time.Time      `json:"time"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// ScreenshotTaken carries a base64 encoded image.
type ScreenshotTaken struct {
	Image string `json:"image"`
}

// Command is the common shape of clear, close and screenshot.
type Command struct {
	Platform PlatformFilter `json:"platform,omitempty"`
	Scale    float64        `json:"scale,omitempty"`
}

// Eval is a REPL message. Code is evaluated by the host's script evaluator.
type Eval struct {
	Platform PlatformFilter `json:"platform,omitempty"`
	Code     string         `json:"code"`
}

// UnmarshalJSON accepts either an object with a code field or a bare string.
func (e *Eval) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = Eval{Code: s}
		return nil
	}
	type alias Eval
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Eval(a)
	return nil
}

// SpecOptions asks the agent to run the bundle's test suite instead of
// launching it.
type SpecOptions struct {
	Run            bool   `json:"run"`
	JUnitXML       bool   `json:"junitxml,omitempty"`
	Type           string `json:"type,omitempty"`
	ClearSpecFiles bool   `json:"clearSpecFiles,omitempty"`
	RunCoverage    bool   `json:"runCoverage,omitempty"`
}

// PatchOptions marks the bundle as an incremental update of Files.
type PatchOptions struct {
	Run   bool     `json:"run"`
	Files []string `json:"files,omitempty"`
}

// BundleDescriptor describes a bundle pushed by the server.
type BundleDescriptor struct {
	Name      string         `json:"name"`
	Platform  PlatformFilter `json:"platform,omitempty"`
	Locale    string         `json:"locale,omitempty"`
	Version   string         `json:"version,omitempty"`
	Inspector bool           `json:"inspector,omitempty"`
	Spec      *SpecOptions   `json:"spec,omitempty"`
	Patch     *PatchOptions  `json:"patch,omitempty"`
}

// Action is what the agent does with a bundle once it is installed.
type Action int

const (
	ActionReplace Action = iota
	ActionSpec
	ActionPatch
)

func (a Action) String() string {
	switch a {
	case ActionSpec:
		return "spec"
	case ActionPatch:
		return "patch"
	default:
		return "replace"
	}
}

// Action resolves the descriptor to a single action. A descriptor carrying
// both spec.run and patch.run is treated as a spec run.
func (d *BundleDescriptor) Action() Action {
	if d == nil {
		return ActionReplace
	}
	if d.Spec != nil && d.Spec.Run {
		return ActionSpec
	}
	if d.Patch != nil && d.Patch.Run {
		return ActionPatch
	}
	return ActionReplace
}
