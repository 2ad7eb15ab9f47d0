package capi

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed taxonomy.yaml
var defaultTaxonomy []byte

// Taxonomy maps funnel event names onto the destination's standard events.
// It is read-only after load.
type Taxonomy struct {
	fallback string
	events   map[string]string
}

type taxonomyFile struct {
	Default string            `yaml:"default"`
	Events  map[string]string `yaml:"events"`
}

// LoadTaxonomy parses the built-in table and, when overridePath is set,
// layers the entries from that file on top.
func LoadTaxonomy(overridePath string) (*Taxonomy, error) {
	t, err := parseTaxonomy(defaultTaxonomy)
	if err != nil {
		return nil, fmt.Errorf("built-in taxonomy: %w", err)
	}
	if overridePath == "" {
		return t, nil
	}

	data, err := os.ReadFile(overridePath)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy override: %w", err)
	}
	override, err := parseTaxonomy(data)
	if err != nil {
		return nil, fmt.Errorf("taxonomy override %s: %w", overridePath, err)
	}
	if override.fallback != "" {
		t.fallback = override.fallback
	}
	for name, event := range override.events {
		t.events[name] = event
	}
	return t, nil
}

func parseTaxonomy(data []byte) (*Taxonomy, error) {
	var f taxonomyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	t := &Taxonomy{
		fallback: strings.TrimSpace(f.Default),
		events:   make(map[string]string, len(f.Events)),
	}
	for name, event := range f.Events {
		event = strings.TrimSpace(event)
		if event == "" {
			return nil, fmt.Errorf("event %q maps to an empty name", name)
		}
		t.events[normalizeEventName(name)] = event
	}
	return t, nil
}

// Lookup returns the standard event for name, or the default bucket.
func (t *Taxonomy) Lookup(name string) string {
	if event, ok := t.events[normalizeEventName(name)]; ok {
		return event
	}
	if t.fallback != "" {
		return t.fallback
	}
	return "Lead"
}

func normalizeEventName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(name)
}
