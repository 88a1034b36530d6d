package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/impulsebot/internal/bus"
	"github.com/quantfold/impulsebot/internal/observ"
	"github.com/quantfold/impulsebot/internal/position"
	"github.com/quantfold/impulsebot/internal/risk"
)

// Persisted is the on-disk engine state. It is written atomically so a crash
// mid-write leaves the previous snapshot intact.
type Persisted struct {
	TS            time.Time           `json:"ts"`
	RunState      string              `json:"run_state"`
	ConfigVersion int64               `json:"config_version"`
	Symbols       []string            `json:"symbols"`
	Positions     []position.Position `json:"positions"`
	Risk          risk.State          `json:"risk"`
}

// Collector gathers the current engine state for persistence.
type Collector func() Persisted

// Manager writes periodic state snapshots. A failed write raises an incident
// event and a metric but never stops the engine.
type Manager struct {
	path     string
	interval time.Duration
	collect  Collector
	bus      *bus.Bus
	log      zerolog.Logger
}

func NewManager(path string, interval time.Duration, collect Collector, b *bus.Bus) *Manager {
	return &Manager{
		path:     path,
		interval: interval,
		collect:  collect,
		bus:      b,
		log:      observ.Logger("snapshot"),
	}
}

// Run persists on every interval tick and once more on shutdown.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.write()
		case <-ctx.Done():
			m.write()
			return
		}
	}
}

// Write persists the current state immediately.
func (m *Manager) Write() { m.write() }

func (m *Manager) write() {
	state := m.collect()
	if err := save(m.path, state); err != nil {
		observ.SnapshotFailuresTotal.Inc()
		m.log.Error().Err(err).Str("path", m.path).Msg("snapshot write failed")
		m.bus.Publish(bus.Event{
			TS:       time.Now().UTC(),
			Level:    bus.LevelError,
			Category: bus.CategorySystem,
			Message:  "snapshot write failed",
			Payload:  map[string]any{"path": m.path, "error": err.Error()},
		})
		return
	}
	m.log.Debug().Str("path", m.path).Msg("snapshot written")
}

// save marshals to a temp file in the same directory and renames it over the
// target, so readers only ever see a complete document.
func save(path string, state Persisted) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads the last persisted state. A missing file is not an error; the
// engine starts fresh.
func Load(path string) (Persisted, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Persisted{}, false, nil
		}
		return Persisted{}, false, err
	}
	var state Persisted
	if err := json.Unmarshal(b, &state); err != nil {
		return Persisted{}, false, err
	}
	return state, true, nil
}
