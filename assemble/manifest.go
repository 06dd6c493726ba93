package assemble

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
)

const manifestMaxBytes = 512

// manifestFiles lists the project manifests summarized into the context.
var manifestFiles = []string{
	"go.mod",
	"package.json",
	"Cargo.toml",
	"pyproject.toml",
	"Makefile",
}

// maxManifestDepth bounds how far up from the document the search goes.
const maxManifestDepth = 6

// findManifests walks up from dir and summarizes the manifests in the first
// directory that has any. Keys are labels such as "package.json scripts".
func findManifests(dir string) map[string]string {
	for i := 0; i < maxManifestDepth && dir != ""; i++ {
		if out := readManifests(dir); len(out) > 0 {
			return out
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}

func readManifests(dir string) map[string]string {
	out := make(map[string]string)
	for _, name := range manifestFiles {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var extracted, label string
		switch name {
		case "go.mod":
			extracted, label = extractGoModInfo(string(data)), name
		case "package.json":
			extracted, label = extractPackageJSON(string(data)), "package.json scripts"
		case "Cargo.toml":
			extracted, label = extractCargoInfo(string(data)), name
		case "pyproject.toml":
			extracted, label = extractPyprojectInfo(string(data)), name
		case "Makefile":
			extracted, label = extractMakefileTargets(string(data)), "Makefile targets"
		}
		if extracted != "" {
			out[label] = extracted
		}
	}
	return out
}

// extractGoModInfo extracts module path and Go version from go.mod.
func extractGoModInfo(content string) string {
	var parts []string
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "module ") {
			parts = append(parts, line)
		} else if strings.HasPrefix(line, "go ") {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, ", ")
}

// extractPackageJSON extracts the package name and "scripts" object.
func extractPackageJSON(content string) string {
	var pkg struct {
		Name    string            `json:"name"`
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal([]byte(content), &pkg); err != nil {
		return ""
	}
	keys := make([]string, 0, len(pkg.Scripts))
	for k := range pkg.Scripts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	if pkg.Name != "" {
		parts = append(parts, fmt.Sprintf(`name: %s`, pkg.Name))
	}
	for _, k := range keys {
		parts = append(parts, k+": "+pkg.Scripts[k])
	}
	return truncate(strings.Join(parts, ", "), manifestMaxBytes)
}

type cargoToml struct {
	Package struct {
		Name    string `toml:"name"`
		Edition string `toml:"edition"`
	} `toml:"package"`
	Dependencies map[string]toml.Primitive `toml:"dependencies"`
}

// extractCargoInfo extracts the crate name, edition and dependency names.
func extractCargoInfo(content string) string {
	var cargo cargoToml
	if _, err := toml.Decode(content, &cargo); err != nil {
		return ""
	}
	var parts []string
	if cargo.Package.Name != "" {
		parts = append(parts, fmt.Sprintf(`name = "%s"`, cargo.Package.Name))
	}
	if cargo.Package.Edition != "" {
		parts = append(parts, fmt.Sprintf(`edition = "%s"`, cargo.Package.Edition))
	}
	if deps := sortedKeys(cargo.Dependencies); len(deps) > 0 {
		parts = append(parts, "dependencies: "+strings.Join(deps, " "))
	}
	return truncate(strings.Join(parts, ", "), manifestMaxBytes)
}

type pyprojectToml struct {
	Project struct {
		Name         string   `toml:"name"`
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
}

// extractPyprojectInfo extracts project name and dependencies from pyproject.toml.
func extractPyprojectInfo(content string) string {
	var pyproject pyprojectToml
	if _, err := toml.Decode(content, &pyproject); err != nil {
		return ""
	}
	var parts []string
	if pyproject.Project.Name != "" {
		parts = append(parts, fmt.Sprintf(`name = "%s"`, pyproject.Project.Name))
	}
	if len(pyproject.Project.Dependencies) > 0 {
		parts = append(parts, "dependencies: "+strings.Join(pyproject.Project.Dependencies, " "))
	}
	return truncate(strings.Join(parts, ", "), manifestMaxBytes)
}

// extractMakefileTargets extracts target names from a Makefile.
func extractMakefileTargets(content string) string {
	var targets []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '\t' || line[0] == '#' || line[0] == '.' {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			continue
		}
		// := is an assignment, not a rule
		if idx+1 < len(line) && line[idx+1] == '=' {
			continue
		}
		target := strings.TrimSpace(line[:idx])
		if strings.ContainsAny(target, "$%= ") {
			continue
		}
		if !seen[target] {
			seen[target] = true
			targets = append(targets, target)
		}
	}
	return truncate(strings.Join(targets, ", "), manifestMaxBytes)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// truncate cuts s to at most maxBytes on a rune boundary, ending in "..."
// when there is room for it.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	if maxBytes <= 3 {
		return cutRunes(s, maxBytes)
	}
	return cutRunes(s, maxBytes-3) + "..."
}

// cutRunes returns the longest prefix of s that fits n bytes without
// splitting a rune.
func cutRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// tailRunes returns the longest suffix of s that fits n bytes without
// splitting a rune.
func tailRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if n >= len(s) {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
