// Package templates holds the localized operator-facing messages.
package templates

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

//go:embed data/*.json
var files embed.FS

const baseLang = "en"

// Renderer renders localized messages by key.
type Renderer interface {
	Render(key string, data any) (string, error)
}

// Bundle is the message catalog for one language. Keys absent from a
// translation resolve through the English catalog.
type Bundle struct {
	lang     string
	catalogs []map[string]*template.Template
}

// Load returns the catalog for lang; anything other than ru selects en.
func Load(lang string) (*Bundle, error) {
	lang = strings.ToLower(strings.TrimSpace(lang))
	chain := []string{baseLang}
	if lang == "ru" {
		chain = []string{"ru", baseLang}
	} else {
		lang = baseLang
	}

	b := &Bundle{lang: lang}
	for _, name := range chain {
		catalog, err := parseCatalog(name)
		if err != nil {
			return nil, err
		}
		b.catalogs = append(b.catalogs, catalog)
	}
	return b, nil
}

func parseCatalog(lang string) (map[string]*template.Template, error) {
	raw, err := files.ReadFile("data/" + lang + ".json")
	if err != nil {
		return nil, fmt.Errorf("read %s messages: %w", lang, err)
	}
	var messages map[string]string
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("parse %s messages: %w", lang, err)
	}
	catalog := make(map[string]*template.Template, len(messages))
	for key, text := range messages {
		tmpl, err := template.New(key).Option("missingkey=zero").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse %s message %s: %w", lang, key, err)
		}
		catalog[key] = tmpl
	}
	return catalog, nil
}

// Lang returns the selected language.
func (b *Bundle) Lang() string { return b.lang }

// Render executes the message stored under key.
func (b *Bundle) Render(key string, data any) (string, error) {
	if b == nil {
		return "", fmt.Errorf("message bundle is nil")
	}
	for _, catalog := range b.catalogs {
		tmpl, ok := catalog[key]
		if !ok {
			continue
		}
		var out strings.Builder
		if err := tmpl.Execute(&out, data); err != nil {
			return "", fmt.Errorf("render message %s: %w", key, err)
		}
		return out.String(), nil
	}
	return "", fmt.Errorf("unknown message %s", key)
}

// Text renders key through r and returns fallback when r is nil or fails.
func Text(r Renderer, key string, data any, fallback string) string {
	if r == nil {
		return fallback
	}
	msg, err := r.Render(key, data)
	if err != nil {
		return fallback
	}
	return msg
}
