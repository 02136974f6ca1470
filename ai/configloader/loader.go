// Package configloader loads YAML configuration for the assistant,
// primarily persona definitions.
package configloader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Persona defines the assistant's identity and reply style. The name is
// substituted into the compressed system prompt.
type Persona struct {
	Name     string `yaml:"name"`
	Prompt   string `yaml:"prompt,omitempty"`
	Greeting string `yaml:"greeting,omitempty"`
}

// DefaultPersona is used when no persona file is configured.
func DefaultPersona() *Persona {
	return &Persona{
		Name:     "Converse",
		Greeting: "Hi! How can I help you today?",
	}
}

// Loader reads YAML configuration files relative to a base directory,
// with an in-process cache keyed by path.
type Loader struct {
	baseDir string
	cache   sync.Map
}

// NewLoader creates a loader rooted at baseDir.
func NewLoader(baseDir string) *Loader {
	return &Loader{baseDir: baseDir}
}

// Load reads a single YAML file and unmarshals it into target.
func (l *Loader) Load(subPath string, target any) error {
	data, err := l.readFileWithFallback(subPath)
	if err != nil {
		return fmt.Errorf("read file %s: %w", subPath, err)
	}

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("unmarshal YAML %s: %w", subPath, err)
	}

	return nil
}

// LoadPersona loads a persona definition, cached by path. An empty path
// returns the default persona.
func (l *Loader) LoadPersona(subPath string) (*Persona, error) {
	if subPath == "" {
		return DefaultPersona(), nil
	}

	if cached, ok := l.cache.Load(subPath); ok {
		return cached.(*Persona), nil
	}

	persona := &Persona{}
	if err := l.Load(subPath, persona); err != nil {
		return nil, err
	}
	if strings.TrimSpace(persona.Name) == "" {
		return nil, fmt.Errorf("persona %s: missing name", subPath)
	}

	l.cache.Store(subPath, persona)
	return persona, nil
}

// readFileWithFallback tries path relative to baseDir, then relative to
// the executable directory for production builds.
func (l *Loader) readFileWithFallback(path string) ([]byte, error) {
	absPath := filepath.Join(l.baseDir, path)
	data, err := os.ReadFile(absPath)
	if err == nil {
		return data, nil
	}

	execPath, err := os.Executable()
	if err != nil {
		return nil, err
	}

	execDir := filepath.Dir(execPath)
	return os.ReadFile(filepath.Join(execDir, l.baseDir, path))
}

// ClearCache drops all cached configuration.
func (l *Loader) ClearCache() {
	l.cache = sync.Map{}
}
