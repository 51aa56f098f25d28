package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/dshills/specstorm/internal/plugin/lua"
)

// ScaffoldResult reports what a scaffold produced. CreatedFiles are
// absolute paths.
type ScaffoldResult struct {
	Success      bool
	CreatedFiles []string
	Error        error
}

// activatePattern is a cheap static check that an entry script defines
// an activate function, used by validation so a broken plugin is caught
// before it is ever executed.
var activatePattern = regexp.MustCompile(`(?m)^\s*(local\s+)?function\s+activate\s*\(`)

// Scaffold generates a working plugin skeleton in dir: manifest, package
// descriptor with the discovery keyword, entry script, and a lint
// configuration. The directory must not already contain a manifest.
func Scaffold(dir, name string) ScaffoldResult {
	if !ValidName(name) {
		return ScaffoldResult{Error: fmt.Errorf("invalid plugin name %q: use lowercase letters, digits, and hyphens", name)}
	}
	if _, err := os.Stat(filepath.Join(dir, ManifestFileName)); err == nil {
		return ScaffoldResult{Error: fmt.Errorf("%s already contains a %s", dir, ManifestFileName)}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ScaffoldResult{Error: fmt.Errorf("create %s: %w", dir, err)}
	}

	files := []struct {
		name string
		data []byte
	}{
		{ManifestFileName, scaffoldManifest(name)},
		{"package.json", scaffoldPackage(name)},
		{"init.lua", scaffoldEntry(name)},
		{".luacheckrc", []byte(scaffoldLuacheck)},
	}

	var created []string
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, f.data, 0o644); err != nil {
			return ScaffoldResult{CreatedFiles: created, Error: fmt.Errorf("write %s: %w", f.name, err)}
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		created = append(created, abs)
	}
	return ScaffoldResult{Success: true, CreatedFiles: created}
}

func scaffoldManifest(name string) []byte {
	m := map[string]any{
		"name":                name,
		"version":             "0.1.0",
		"description":         "A specstorm plugin",
		"author":              "Your Name",
		"main":                "init.lua",
		"requiredHostVersion": ">=0.1.0",
		"extensionPoints":     []string{},
	}
	data, _ := json.MarshalIndent(m, "", "  ")
	return append(data, '\n')
}

func scaffoldPackage(name string) []byte {
	p := map[string]any{
		"name":     name,
		"version":  "0.1.0",
		"keywords": []string{DefaultDiscoveryKeyword},
	}
	data, _ := json.MarshalIndent(p, "", "  ")
	return append(data, '\n')
}

func scaffoldEntry(name string) []byte {
	return []byte(`-- ` + name + ` plugin entry point.
-- activate receives the host API table; register extensions here.
function activate(ss)
  ss.log("info", "` + name + ` activated")

  -- ss.register_command({
  --   name = "` + name + `-hello",
  --   description = "Say hello",
  --   handler = function(args)
  --     return "hello from ` + name + `"
  --   end,
  -- })

  -- ss.register_hook({
  --   phase = "design",
  --   timing = "post",
  --   handler = function(payload)
  --     ss.log("info", "design phase finished")
  --   end,
  -- })
end
`)
}

const scaffoldLuacheck = `std = "lua51"
globals = { "ss", "activate", "deactivate" }
`

// ValidatePluginDir validates a plugin directory standalone: manifest
// shape, entry file existence, entry syntax, and the presence of an
// activate function. Nothing is executed.
func ValidatePluginDir(dir string) ValidationResult {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return ValidationResult{Errors: []ValidationError{{
			Field:   "manifest",
			Message: fmt.Sprintf("cannot read %s: %v", ManifestFileName, err),
			Code:    CodeMissing,
		}}}
	}

	res := ValidateManifest(data)
	if !res.Valid {
		return res
	}
	res.Manifest.path = dir

	entry := res.Manifest.MainPath()
	src, err := os.ReadFile(entry)
	if err != nil {
		res.Valid = false
		res.Errors = append(res.Errors, ValidationError{
			Field:   "main",
			Message: fmt.Sprintf("entry point %s does not exist", res.Manifest.Main),
			Code:    CodeMissing,
		})
		return res
	}

	if err := lua.CompileFile(entry); err != nil {
		res.Valid = false
		res.Errors = append(res.Errors, ValidationError{
			Field:   "main",
			Message: fmt.Sprintf("entry point has syntax errors: %v", err),
			Code:    CodeInvalid,
		})
		return res
	}

	if !activatePattern.Match(src) {
		res.Valid = false
		res.Errors = append(res.Errors, ValidationError{
			Field:   "main",
			Message: "entry point does not define an activate function",
			Code:    CodeMissing,
		})
	}
	return res
}
