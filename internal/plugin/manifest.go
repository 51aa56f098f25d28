package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

// Manifest describes a plugin's metadata and requirements.
// It is authored by the plugin developer and read-only to the host.
type Manifest struct {
	// Identity
	Name        string `json:"name"`        // Unique identifier (e.g., "spec-linter")
	Version     string `json:"version"`     // Semver (e.g., "1.2.0")
	Description string `json:"description"` // Short description
	Author      string `json:"author"`      // Author name or org

	// Entry point
	Main string `json:"main"` // Relative path to the entry Lua file (default: "init.lua")

	// Requirements
	RequiredHostVersion string       `json:"requiredHostVersion"` // Semver range of supported host versions
	Dependencies        []Dependency `json:"dependencies,omitempty"`

	// Extension points this plugin contributes to
	ExtensionPoints []string `json:"extensionPoints"`

	// Configuration schema
	ConfigSchema map[string]ConfigProperty `json:"configSchema,omitempty"`

	// Internal: path to the plugin directory
	path string
}

// Dependency declares a required plugin and the version range accepted.
type Dependency struct {
	Name         string `json:"name"`
	VersionRange string `json:"versionRange"`
}

// ConfigProperty describes one configuration option.
type ConfigProperty struct {
	Type        string `json:"type"`        // string, number, boolean, array, object
	Description string `json:"description"` // Property description
	Default     any    `json:"default,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ValidationError reports a single manifest field failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Validation error codes.
const (
	CodeMissing = "missing"
	CodeInvalid = "invalid"
	CodeType    = "type"
)

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult is the outcome of validating manifest data.
// Validation never panics and never stops at the first failure.
type ValidationResult struct {
	Valid    bool
	Manifest *Manifest
	Errors   []ValidationError
}

// CompatibilityResult is the outcome of a host version check.
type CompatibilityResult struct {
	Compatible    bool
	RequiredRange string
	ActualVersion string
	Message       string
}

// ExtensionPoints a plugin may contribute to.
var validExtensionPoints = map[string]bool{
	"commands":  true,
	"agents":    true,
	"hooks":     true,
	"services":  true,
	"templates": true,
}

// validConfigTypes are the allowed configuration property types.
var validConfigTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// namePattern validates plugin names.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

// ValidName reports whether name is a legal plugin name: lowercase
// alphanumeric with interior hyphens.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// ManifestFileName is the manifest file colocated with each plugin.
const ManifestFileName = "plugin.json"

// ValidateManifest validates raw manifest JSON. Every failure is collected;
// a nil Manifest is returned only when the data cannot be decoded at all.
func ValidateManifest(data []byte) ValidationResult {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return ValidationResult{
			Errors: []ValidationError{{
				Field:   "manifest",
				Message: fmt.Sprintf("not a valid JSON object: %v", err),
				Code:    CodeInvalid,
			}},
		}
	}
	return validate(&m)
}

func validate(m *Manifest) ValidationResult {
	var errs []ValidationError

	if m.Name == "" {
		errs = append(errs, ValidationError{"name", "name is required", CodeMissing})
	} else if !namePattern.MatchString(m.Name) {
		errs = append(errs, ValidationError{"name", fmt.Sprintf("%q must be lowercase alphanumeric with hyphens", m.Name), CodeInvalid})
	}

	if m.Version == "" {
		errs = append(errs, ValidationError{"version", "version is required", CodeMissing})
	} else if _, err := semver.NewVersion(m.Version); err != nil {
		errs = append(errs, ValidationError{"version", fmt.Sprintf("%q is not valid semver", m.Version), CodeInvalid})
	}

	if m.Description == "" {
		errs = append(errs, ValidationError{"description", "description is required", CodeMissing})
	}
	if m.Author == "" {
		errs = append(errs, ValidationError{"author", "author is required", CodeMissing})
	}

	if m.Main == "" {
		errs = append(errs, ValidationError{"main", "entry point is required", CodeMissing})
	} else if filepath.Ext(m.Main) != ".lua" {
		errs = append(errs, ValidationError{"main", fmt.Sprintf("%q must be a .lua file", m.Main), CodeInvalid})
	}

	if m.RequiredHostVersion == "" {
		errs = append(errs, ValidationError{"requiredHostVersion", "required host version range is required", CodeMissing})
	} else if _, err := semver.NewConstraint(m.RequiredHostVersion); err != nil {
		errs = append(errs, ValidationError{"requiredHostVersion", fmt.Sprintf("%q is not a valid semver range", m.RequiredHostVersion), CodeInvalid})
	}

	for i, ep := range m.ExtensionPoints {
		if !validExtensionPoints[ep] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("extensionPoints[%d]", i),
				Message: fmt.Sprintf("%q is not an extension point", ep),
				Code:    CodeInvalid,
			})
		}
	}

	for i, dep := range m.Dependencies {
		if dep.Name == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("dependencies[%d].name", i),
				Message: "dependency name is required",
				Code:    CodeMissing,
			})
		}
		if dep.VersionRange == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("dependencies[%d].versionRange", i),
				Message: "dependency version range is required",
				Code:    CodeMissing,
			})
		} else if _, err := semver.NewConstraint(dep.VersionRange); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("dependencies[%d].versionRange", i),
				Message: fmt.Sprintf("%q is not a valid semver range", dep.VersionRange),
				Code:    CodeInvalid,
			})
		}
	}

	for name, prop := range m.ConfigSchema {
		if prop.Type == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("configSchema.%s.type", name),
				Message: "config property type is required",
				Code:    CodeMissing,
			})
		} else if !validConfigTypes[prop.Type] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("configSchema.%s.type", name),
				Message: fmt.Sprintf("%q is not a config property type", prop.Type),
				Code:    CodeType,
			})
		}
	}

	if len(errs) > 0 {
		return ValidationResult{Valid: false, Errors: errs}
	}
	return ValidationResult{Valid: true, Manifest: m}
}

// CheckCompatibility checks a plugin's required host version range against
// the host's version. It is a pure function with no side effects.
func CheckCompatibility(requiredRange, hostVersion string) CompatibilityResult {
	res := CompatibilityResult{
		RequiredRange: requiredRange,
		ActualVersion: hostVersion,
	}

	if requiredRange == "" {
		res.Compatible = true
		res.Message = "no host version requirement"
		return res
	}

	c, err := semver.NewConstraint(requiredRange)
	if err != nil {
		res.Message = fmt.Sprintf("invalid required range %q: %v", requiredRange, err)
		return res
	}
	v, err := semver.NewVersion(hostVersion)
	if err != nil {
		res.Message = fmt.Sprintf("invalid host version %q: %v", hostVersion, err)
		return res
	}

	if !c.Check(v) {
		res.Message = fmt.Sprintf("requires host %s, have %s", requiredRange, hostVersion)
		return res
	}

	res.Compatible = true
	res.Message = fmt.Sprintf("host %s satisfies %s", hostVersion, requiredRange)
	return res
}

// LoadManifest reads and validates the manifest file in a plugin directory.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	res := ValidateManifest(data)
	if !res.Valid {
		return nil, fmt.Errorf("invalid manifest in %s: %w", dir, res.Errors[0])
	}

	res.Manifest.path = dir
	return res.Manifest, nil
}

// Path returns the plugin directory the manifest was loaded from.
func (m *Manifest) Path() string {
	return m.path
}

// MainPath returns the full path to the entry Lua file.
func (m *Manifest) MainPath() string {
	return filepath.Join(m.path, m.Main)
}

// ConfigDefaults returns the default value of every schema property that
// declares one.
func (m *Manifest) ConfigDefaults() map[string]any {
	defaults := make(map[string]any)
	for key, prop := range m.ConfigSchema {
		if prop.Default != nil {
			defaults[key] = prop.Default
		}
	}
	return defaults
}

// DependsOn reports whether the manifest declares a dependency on name.
func (m *Manifest) DependsOn(name string) bool {
	for _, dep := range m.Dependencies {
		if dep.Name == name {
			return true
		}
	}
	return false
}

// String returns a short human-readable identification.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.Name, m.Version)
}
