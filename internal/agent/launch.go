package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/livepush/agent/internal/host"
	"github.com/livepush/agent/internal/kv"
)

// LaunchResult reports what the launcher did at boot.
type LaunchResult struct {
	App AppSlot
	// Reconnect is true when this boot follows a restart the agent asked for.
	Reconnect bool
	Locale    string
	Inspector bool
	Err       error
}

// Launcher loads the persisted current app at process start.
type Launcher struct {
	Props   kv.Properties
	Runtime host.Runtime
	DataDir string
	Logger  *slog.Logger
}

func (l *Launcher) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default().With("component", "launcher")
	}
	return l.Logger.With("component", "launcher")
}

// Resume reads the restart flag and current app and launches it, if any.
func (l *Launcher) Resume(ctx context.Context) LaunchResult {
	reconnect := l.Props.GetBool(kv.KeyReconnect, false)
	name := l.Props.GetString(kv.KeyCurrentApp, "")
	if name == "" {
		if reconnect {
			if err := l.Props.SetBool(kv.KeyReconnect, false); err != nil {
				l.logger().Warn("resetting reconnect flag", "error", err)
			}
		}
		return LaunchResult{Reconnect: reconnect}
	}
	res := l.Launch(ctx, name)
	res.Reconnect = reconnect
	return res
}

// Launch loads the app called name from the data directory. The module
// cache is dropped first and the persisted current app is cleared, so a
// bundle that crashes the process is not launched again on the next start.
// Failures are logged and returned in the result, never panicked.
func (l *Launcher) Launch(ctx context.Context, name string) (res LaunchResult) {
	log := l.logger()
	defer func() {
		if r := recover(); r != nil {
			res.App = AppSlot{}
			res.Err = fmt.Errorf("launching %s: panic: %v", name, r)
			log.Error("launch panicked", "app", name, "panic", r)
		}
	}()

	l.Runtime.Invalidate(nil)
	if err := l.Props.SetString(kv.KeyCurrentApp, ""); err != nil {
		log.Warn("clearing current app", "error", err)
	}
	if err := l.Props.SetBool(kv.KeyReconnect, false); err != nil {
		log.Warn("resetting reconnect flag", "error", err)
	}

	res.Locale = l.Props.GetString(kv.KeyLocale, "")
	l.Runtime.SetLocale(res.Locale)
	res.Inspector = l.Props.GetBool(kv.KeyInspector, false)

	dir := filepath.Join(l.DataDir, name)
	if err := l.Runtime.Load(ctx, dir); err != nil {
		res.Err = fmt.Errorf("launching %s: %w", name, err)
		log.Error("launch failed", "app", name, "error", err)
		return res
	}
	res.App = AppSlot{Name: name, Dir: dir}
	log.Info(strings.ReplaceAll(name, "_", " ")+" launched.", "inspector", res.Inspector)
	return res
}
