// Package configs embeds example protected-action registries.
package configs

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed *.jsonc *.yaml
var embeddedConfigs embed.FS

// Default is the example written by init-config when no name is given.
const Default = "protected-actions.jsonc"

// Names returns the embedded example filenames.
func Names() []string {
	var out []string
	for _, pattern := range []string{"*.jsonc", "*.yaml"} {
		entries, err := fs.Glob(embeddedConfigs, pattern)
		if err != nil {
			continue
		}
		out = append(out, entries...)
	}
	sort.Strings(out)
	return out
}

// Load returns the embedded example by filename.
func Load(name string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("embedded config name is empty")
	}
	data, err := fs.ReadFile(embeddedConfigs, name)
	if err != nil {
		return nil, fmt.Errorf("read embedded config %q: %w", name, err)
	}
	return data, nil
}
