// Package cache wipes everything a session has persisted: agent properties
// and the contents of the app data directories.
package cache

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/livepush/agent/internal/kv"
)

// Closer performs the close-and-restart transition after a clear.
type Closer interface {
	CloseApp()
}

// Options configures a Manager.
type Options struct {
	Props kv.Properties
	// Dirs are swept in order. Missing directories are skipped.
	Dirs   []string
	Closer Closer
	Logger *slog.Logger
}

// Manager clears session state.
type Manager struct {
	props  kv.Properties
	dirs   []string
	closer Closer
	log    *slog.Logger
}

// New returns a Manager.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		props:  opts.Props,
		dirs:   opts.Dirs,
		closer: opts.Closer,
		log:    logger.With("component", "cache"),
	}
}

// SetCloser sets the collaborator invoked by Clear(true).
func (m *Manager) SetCloser(c Closer) { m.closer = c }

// Directories lists the data directories for a platform family. The private
// documents directory only exists on ios.
func Directories(dataDir, privateDocsDir, family string) []string {
	dirs := []string{dataDir}
	if family == "ios" && privateDocsDir != "" {
		dirs = append(dirs, privateDocsDir)
	}
	return dirs
}

// Report summarises a clear.
type Report struct {
	RemovedKeys    []string
	RemovedEntries int
	Failures       []error
}

// Clear removes every agent property except the locale, then deletes the
// contents of each data directory. Failures are logged per entry and the
// sweep continues. With restartAfter set, the closer runs last.
func (m *Manager) Clear(restartAfter bool) Report {
	var rep Report

	if m.props != nil {
		for _, key := range m.props.List() {
			if !kv.Owned(key) || key == kv.KeyLocale {
				continue
			}
			if err := m.props.Remove(key); err != nil {
				err = fmt.Errorf("removing property %s: %w", key, err)
				m.log.Error("cache clear: property not removed", "op", "clear", "key", key, "error", err)
				rep.Failures = append(rep.Failures, err)
				continue
			}
			rep.RemovedKeys = append(rep.RemovedKeys, key)
		}
	}

	for _, dir := range m.dirs {
		m.sweep(dir, &rep)
	}

	m.log.Info("cache cleared", "keys", len(rep.RemovedKeys), "entries", rep.RemovedEntries, "failures", len(rep.Failures))

	if restartAfter && m.closer != nil {
		m.closer.CloseApp()
	}
	return rep
}

func (m *Manager) sweep(dir string, rep *Report) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.log.Debug("cache clear: directory absent", "dir", dir)
			return
		}
		err = fmt.Errorf("listing %s: %w", dir, err)
		m.log.Error("cache clear: directory not listed", "op", "clear", "dir", dir, "error", err)
		rep.Failures = append(rep.Failures, err)
		return
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			err = fmt.Errorf("deleting %s: %w", path, err)
			m.log.Error("cache clear: entry not deleted", "op", "clear", "path", path, "error", err)
			rep.Failures = append(rep.Failures, err)
			continue
		}
		rep.RemovedEntries++
	}
}
