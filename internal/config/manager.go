package config

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
)

// Snapshot is one immutable view of the full configuration. Components keep
// the *Snapshot they were handed for the duration of a unit of work; the
// Manager swaps the pointer on reload so in-flight work never sees a mix of
// old and new values.
type Snapshot struct {
	App  *Config
	Docs *Documents
}

// Manager owns the current Snapshot and replaces it on SIGHUP or when a file
// in the config directory changes.
type Manager struct {
	path   string
	mu     sync.RWMutex
	snap   *Snapshot
	logger *log.Logger
}

// NewManager loads the initial snapshot from the YAML file at path plus the
// document directory it names.
func NewManager(path string) (*Manager, error) {
	m := &Manager{
		path:   path,
		logger: log.New(log.Writer(), "[CONFIG] ", log.LstdFlags),
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Current returns the active snapshot.
func (m *Manager) Current() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Reload builds a fresh snapshot and swaps it in. A failed reload keeps the
// previous snapshot active.
func (m *Manager) Reload() error {
	cfg, err := LoadConfig(m.path)
	if err != nil {
		return err
	}
	docs, err := LoadDocuments(cfg.ConfigDir)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.snap = &Snapshot{App: cfg, Docs: docs}
	m.mu.Unlock()

	m.logger.Printf("✅ Configuration loaded (%d sectors, %d regions, %d compliance rules)",
		len(docs.Sectors.Sectors), len(docs.Geography.Regions), len(docs.Compliance.Rules))
	return nil
}

// Watch reloads on SIGHUP and on writes inside the config directory. It
// blocks until ctx is cancelled and is meant to run in its own goroutine.
func (m *Manager) Watch(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Printf("⚠️ File watcher unavailable, SIGHUP-only reloads: %v", err)
		watcher = nil
	} else {
		defer watcher.Close()
		dir := m.Current().App.ConfigDir
		if err := watcher.Add(dir); err != nil {
			m.logger.Printf("⚠️ Cannot watch %s: %v", dir, err)
		}
	}

	var events chan fsnotify.Event
	var errs chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			m.logger.Printf("🔄 SIGHUP received, reloading configuration")
			if err := m.Reload(); err != nil {
				m.logger.Printf("❌ Reload failed, keeping previous snapshot: %v", err)
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.logger.Printf("🔄 Config file changed (%s), reloading", ev.Name)
			if err := m.Reload(); err != nil {
				m.logger.Printf("❌ Reload failed, keeping previous snapshot: %v", err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.logger.Printf("⚠️ Watcher error: %v", err)
		}
	}
}
