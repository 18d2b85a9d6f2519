// Package host defines the narrow capabilities the agent needs from the
// application runtime it is embedded in, plus a headless implementation used
// by the command-line agent and tests.
//
// The agent never renders UI, restarts processes or evaluates code itself;
// it asks the host to.
package host

import (
	"context"
	"image"

	"github.com/livepush/agent/internal/protocol"
)

// Lifecycle controls the running application process.
type Lifecycle interface {
	Relaunch()
	CloseAllUI()
	ClearAppState()
}

// Screen captures and encodes the current frame.
type Screen interface {
	Capture() (image.Image, error)
	Resize(img image.Image, width, height int) image.Image
	EncodeBase64(img image.Image) (string, error)
	DisplaySize() (width, height int)
}

// Evaluator runs REPL code pushed by the server. The server is fully
// trusted; this is a debug-only channel.
type Evaluator interface {
	Eval(ctx context.Context, code string) error
}

// Alerter shows a message to the person holding the device.
type Alerter interface {
	Alert(title, message string)
}

// Runtime loads application bundles and manages their module cache.
type Runtime interface {
	// Load runs the entry module of the bundle extracted in appDir.
	Load(ctx context.Context, appDir string) error
	// Invalidate drops cached modules for files, or all of them when files
	// is empty.
	Invalidate(files []string)
	// RunSpec runs the bundle's test suite instead of launching it.
	RunSpec(ctx context.Context, appDir string, opts protocol.SpecOptions) error
	// SetLocale switches the localisation subsystem. Empty means default.
	SetLocale(locale string)
}

// Host bundles every capability.
type Host interface {
	Lifecycle
	Screen
	Evaluator
	Alerter
	Runtime
}
