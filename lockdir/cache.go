package lockdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrCacheCorrupt is returned when a persisted config exists but does not
// parse. This is fatal on purpose: the config may describe a node that is
// still running, blindly overwriting it could orphan a live process.
var ErrCacheCorrupt = errors.New("lockdir: persisted config is corrupt")

// ConfigPath returns the location of a role's persisted config.
func (m *Manager) ConfigPath(role string) string {
	return filepath.Join(m.root, role, configFileName)
}

// LoadConfig unmarshals the role's persisted config into v and reports
// whether one was present. The caller must hold the role's lock. A present
// config is authoritative, it means the role's node is already running.
func (m *Manager) LoadConfig(role string, v interface{}) (bool, error) {
	raw, err := os.ReadFile(m.ConfigPath(role))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("os.ReadFile() %w", err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCacheCorrupt, role, err)
	}
	return true, nil
}

// StoreConfig persists the role's config atomically, a concurrent reader
// observes either no config or the complete one, never a partial write. The
// caller must hold the role's lock. Configs are written exactly once per
// role per environment lifetime and never mutated afterwards.
func (m *Manager) StoreConfig(role string, v interface{}) error {
	dir := m.roleDir(role)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("os.MkdirAll() %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("json.Marshal() %w", err)
	}

	tmp, err := os.CreateTemp(dir, configFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("os.CreateTemp() %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tmp.Write() %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tmp.Close() %w", err)
	}

	if err := os.Rename(tmp.Name(), m.ConfigPath(role)); err != nil {
		return fmt.Errorf("os.Rename() %w", err)
	}
	return nil
}
