package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConfigDirName is the directory under the plugin root holding per-plugin
// configuration files.
const ConfigDirName = "plugin-config"

// ConfigStore persists per-plugin configuration as one JSON document per
// plugin. Reads merge stored values over the manifest's schema defaults,
// so a plugin always sees a complete configuration.
type ConfigStore struct {
	dir string
}

// NewConfigStore creates a store rooted at dir.
func NewConfigStore(dir string) *ConfigStore {
	return &ConfigStore{dir: dir}
}

var _ ConfigProvider = (*ConfigStore)(nil)

func (s *ConfigStore) path(plugin string) string {
	return filepath.Join(s.dir, plugin+".json")
}

// Stored returns the raw stored values for a plugin. A missing file
// yields an empty map.
func (s *ConfigStore) Stored(plugin string) (map[string]any, error) {
	data, err := os.ReadFile(s.path(plugin))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read config for %s: %w", plugin, err)
	}

	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse config for %s: %w", plugin, err)
	}
	return values, nil
}

// PluginConfig returns the plugin's effective configuration: stored
// values layered over the manifest's schema defaults.
func (s *ConfigStore) PluginConfig(m *Manifest) (map[string]any, error) {
	merged := m.ConfigDefaults()
	stored, err := s.Stored(m.Name)
	if err != nil {
		return nil, err
	}
	for k, v := range stored {
		merged[k] = v
	}
	return merged, nil
}

// GetKey reads a single stored value by key path. The second return is
// false when the key is not set.
func (s *ConfigStore) GetKey(plugin, key string) (any, bool, error) {
	data, err := os.ReadFile(s.path(plugin))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read config for %s: %w", plugin, err)
	}

	res := gjson.GetBytes(data, key)
	if !res.Exists() {
		return nil, false, nil
	}
	return res.Value(), true, nil
}

// Set stores a single value, validating its type against the manifest's
// schema when the key is declared there. Keys absent from the schema are
// stored as-is. The write is atomic.
func (s *ConfigStore) Set(m *Manifest, key string, value any) error {
	if prop, ok := m.ConfigSchema[key]; ok {
		if err := checkConfigType(key, prop.Type, value); err != nil {
			return err
		}
	}

	data, err := os.ReadFile(s.path(m.Name))
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read config for %s: %w", m.Name, err)
		}
		data = []byte("{}")
	}

	updated, err := sjson.SetBytes(data, key, value)
	if err != nil {
		return fmt.Errorf("set %s for %s: %w", key, m.Name, err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return atomicWrite(s.path(m.Name), updated)
}

// checkConfigType validates a value against a declared schema type.
func checkConfigType(key, typ string, value any) error {
	ok := true
	switch typ {
	case "string":
		_, ok = value.(string)
	case "number":
		switch value.(type) {
		case int, int64, float64:
		default:
			ok = false
		}
	case "boolean":
		_, ok = value.(bool)
	case "array":
		_, ok = value.([]any)
	case "object":
		_, ok = value.(map[string]any)
	}
	if !ok {
		return fmt.Errorf("config key %q expects %s, got %T", key, typ, value)
	}
	return nil
}
