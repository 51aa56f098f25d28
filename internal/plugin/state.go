package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StateFileName is the file under the plugin root that records which
// plugins are installed and enabled.
const StateFileName = "plugins.json"

// stateSchemaVersion is bumped when the state file layout changes.
const stateSchemaVersion = 1

// PluginState is one plugin's persisted install record.
type PluginState struct {
	Version     string    `json:"version"`
	Enabled     bool      `json:"enabled"`
	InstalledAt time.Time `json:"installedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Source      string    `json:"source"` // "npm" or "local"
	LocalPath   string    `json:"localPath,omitempty"`
}

// StateFile is the on-disk install state. It is only ever written after
// an operation fully succeeds, so a failed install or update leaves the
// previous state intact.
type StateFile struct {
	SchemaVersion int                    `json:"schemaVersion"`
	Plugins       map[string]PluginState `json:"plugins"`
	RegistryURL   string                 `json:"registryUrl,omitempty"`
}

// NewStateFile returns an empty state at the current schema version.
func NewStateFile() *StateFile {
	return &StateFile{
		SchemaVersion: stateSchemaVersion,
		Plugins:       make(map[string]PluginState),
	}
}

// LoadState reads the state file from dir. A missing file is not an
// error; it yields empty state.
func LoadState(dir string) (*StateFile, error) {
	path := filepath.Join(dir, StateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewStateFile(), nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var sf StateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	if sf.Plugins == nil {
		sf.Plugins = make(map[string]PluginState)
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = stateSchemaVersion
	}
	return &sf, nil
}

// Save writes the state atomically: serialize to a temp file in the same
// directory, then rename over the target. Readers never observe a
// partially written file.
func (sf *StateFile) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	data = append(data, '\n')

	return atomicWrite(filepath.Join(dir, StateFileName), data)
}

// EnabledNames returns the names of enabled plugins, for the loader's
// enabled-set filter.
func (sf *StateFile) EnabledNames() []string {
	names := make([]string, 0, len(sf.Plugins))
	for name, st := range sf.Plugins {
		if st.Enabled {
			names = append(names, name)
		}
	}
	return names
}

// atomicWrite replaces path with data via a temp file and rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
