package plugins

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Condition gates a plugin's participation in an event.
type Condition struct {
	// Type is one of always, wake_word, conditional. Empty means always.
	Type string `yaml:"type"`

	// WakeWords lists trigger phrases for wake_word conditions.
	WakeWords []string `yaml:"wake_words"`
}

// Registration is one plugin's entry in the registration document.
type Registration struct {
	Enabled   bool      `yaml:"enabled"`
	Events    []string  `yaml:"events"`
	Condition Condition `yaml:"condition"`

	// Options carries plugin-specific keys, passed through at construction.
	Options map[string]any `yaml:",inline"`
}

// registrationFile is the document's top-level shape.
type registrationFile struct {
	Plugins map[string]Registration `yaml:"plugins"`
}

// LoadRegistrations reads and validates the registration document at path.
func LoadRegistrations(path string) (map[string]Registration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("plugins: open registrations: %w", err)
	}
	defer f.Close()
	return ParseRegistrations(f)
}

// ParseRegistrations decodes and validates a registration document. Unknown
// event names and unknown condition types are load-time errors, not dispatch
// surprises.
func ParseRegistrations(r io.Reader) (map[string]Registration, error) {
	dec := yaml.NewDecoder(r)
	var file registrationFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]Registration{}, nil
		}
		return nil, fmt.Errorf("plugins: parse registrations: %w", err)
	}

	var errs []error
	ids := make([]string, 0, len(file.Plugins))
	for id := range file.Plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		reg := file.Plugins[id]
		for _, event := range reg.Events {
			if !ValidEvents[event] {
				errs = append(errs, fmt.Errorf("plugin %s: unknown event %q", id, event))
			}
		}
		switch reg.Condition.Type {
		case "", ConditionAlways, ConditionConditional:
		case ConditionWakeWord:
			if len(reg.Condition.WakeWords) == 0 {
				errs = append(errs, fmt.Errorf("plugin %s: wake_word condition needs wake_words", id))
			}
		default:
			errs = append(errs, fmt.Errorf("plugin %s: unknown condition type %q", id, reg.Condition.Type))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return file.Plugins, nil
}
