// Package fetch downloads the external tools a project's release tasks
// depend on. Tools are listed in a TOOLS.yml manifest at the project root;
// downloads are verified against pinned sha256 checksums and recorded in a
// stamp file so up-to-date tools are skipped.
package fetch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// ToolSpec describes a single downloadable tool.
type ToolSpec struct {
	// Condition lists vars that must be set for this entry to apply.
	Condition string `yaml:"if,omitempty"`
	// Rejections lists vars that must NOT be set.
	Rejections string `yaml:"ifNot,omitempty"`
	URL        string `yaml:"url"`
	Dest       string `yaml:"dest"`
	Sha256     string `yaml:"sha256"`
	// Strip removes this many leading path elements during extraction.
	Strip    int      `yaml:"strip"`
	MarkExec []string `yaml:"markExec,omitempty"`
}

// Manifest is the parsed TOOLS.yml file.
type Manifest struct {
	Vars  map[string]string   `yaml:"vars"`
	Tools map[string]ToolSpec `yaml:"tools"`
}

const stampsName = "TOOLS.stamps"

// LoadManifest reads the manifest and the stamp file next to it. A missing
// stamp file yields an empty stamp map.
func LoadManifest(path string) (Manifest, string, map[string]string, error) {
	var manifest Manifest

	raw, err := os.ReadFile(path)
	if err != nil {
		return manifest, "", nil, eris.Wrapf(err, "could not open %s", path)
	}

	err = yaml.Unmarshal(raw, &manifest)
	if err != nil {
		return manifest, "", nil, eris.Wrapf(err, "failed to parse %s", path)
	}

	if manifest.Vars == nil {
		manifest.Vars = map[string]string{}
	}

	stamps := map[string]string{}
	stampPath := filepath.Join(filepath.Dir(path), stampsName)
	stampData, err := os.ReadFile(stampPath)
	if err != nil {
		if !eris.Is(err, os.ErrNotExist) {
			return manifest, "", nil, eris.Wrapf(err, "failed to read stamp file %s", stampPath)
		}
	} else {
		err = json.Unmarshal(stampData, &stamps)
		if err != nil {
			return manifest, "", nil, eris.Wrapf(err, "failed to parse stamp file %s", stampPath)
		}
	}

	return manifest, string(raw), stamps, nil
}

func writeStamps(manifestPath string, stamps map[string]string) error {
	stampPath := filepath.Join(filepath.Dir(manifestPath), stampsName)
	stampData, err := json.Marshal(stamps)
	if err != nil {
		return err
	}

	return os.WriteFile(stampPath, stampData, 0660)
}

var varPattern = regexp.MustCompile(`\{([A-Z0-9_-]+)\}`)

// platformVars returns the automatic variables every manifest can rely on:
// the current GOOS and GOARCH are set to "true" and "ci" reflects the CI
// env var.
func platformVars(base map[string]string) map[string]string {
	vars := make(map[string]string, len(base)+3)
	for name, value := range base {
		vars[name] = value
	}

	vars[runtime.GOARCH] = "true"
	vars[runtime.GOOS] = "true"
	if os.Getenv("CI") == "true" {
		vars["ci"] = "true"
	}
	return vars
}

// evalConditions substitutes {VAR} placeholders in the URL and reports
// whether the entry applies on this platform.
func evalConditions(spec *ToolSpec, vars map[string]string) bool {
	spec.URL = varPattern.ReplaceAllStringFunc(spec.URL, func(name string) string {
		return vars[name[1:len(name)-1]]
	})

	for _, condition := range strings.Split(spec.Condition, ",") {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			continue
		}

		if vars[condition] == "" {
			return false
		}
	}

	for _, condition := range strings.Split(spec.Rejections, ",") {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			continue
		}

		if vars[condition] != "" {
			return false
		}
	}

	return true
}

// updateChecksum rewrites the sha256 value of a single tool entry in the
// raw manifest text, preserving formatting and comments.
func updateChecksum(raw, name, oldSum, newSum string) (string, error) {
	pos := strings.Index(raw, name+":")
	if pos == -1 {
		return raw, eris.Errorf("failed to find the section for %s", name)
	}

	if oldSum == "" {
		insertAt := pos + len(name) + 1
		lineEnd := strings.Index(raw[insertAt:], "\n")
		if lineEnd == -1 {
			return raw, eris.Errorf("malformed section for %s", name)
		}

		insertAt += lineEnd + 1
		return raw[:insertAt] + "    sha256: " + newSum + "\n" + raw[insertAt:], nil
	}

	subPos := strings.Index(raw[pos:], "sha256: "+oldSum)
	if subPos == -1 {
		return raw, eris.Errorf("failed to find the checksum of %s", name)
	}

	start := pos + subPos + len("sha256: ")
	return raw[:start] + newSum + raw[start+len(oldSum):], nil
}
