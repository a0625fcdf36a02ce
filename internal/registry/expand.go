package registry

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"
)

// envScope records which environment variables a document asked for and
// which of them were unset.
type envScope struct {
	unset map[string]struct{}
}

func (s *envScope) lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		if s.unset == nil {
			s.unset = map[string]struct{}{}
		}
		s.unset[key] = struct{}{}
	}
	return value, ok
}

func (s *envScope) missing() []string {
	keys := make([]string, 0, len(s.unset))
	for key := range s.unset {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *envScope) funcs() template.FuncMap {
	return template.FuncMap{
		"env": func(key string) string {
			value, _ := s.lookup(key)
			return value
		},
		// envOr never counts as missing.
		"envOr": func(key, fallback string) string {
			if value, ok := os.LookupEnv(key); ok && value != "" {
				return value
			}
			return fallback
		},
		"default": func(fallback, value string) string {
			if value == "" {
				return fallback
			}
			return value
		},
		"join":  func(sep string, items []string) string { return strings.Join(items, sep) },
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
	}
}

// Expand evaluates env templates in a registry document. A document that
// references an unset variable through env does not expand.
func Expand(name string, raw []byte) ([]byte, error) {
	if strings.TrimSpace(name) == "" {
		name = "registry"
	}
	scope := &envScope{}
	tmpl, err := template.New(name).Funcs(scope.funcs()).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse registry template: %w", err)
	}
	var out bytes.Buffer
	execErr := tmpl.Execute(&out, nil)
	if unset := scope.missing(); len(unset) > 0 {
		return nil, fmt.Errorf("registry references unset env vars: %s", strings.Join(unset, ", "))
	}
	if execErr != nil {
		return nil, fmt.Errorf("expand registry template: %w", execErr)
	}
	return out.Bytes(), nil
}
