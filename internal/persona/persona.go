// Package persona loads the fixed set of prompt personas from yaml files
// and tracks each user's chosen persona/model preference, backing the
// `persona`/`model` commands.
// concepts, which have no analogue here.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Definition is one loadable persona.
type Definition struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Prompt       string `yaml:"prompt"`
	DefaultModel string `yaml:"defaultModel"`
}

// Preference is a user's current persona/model selection.
type Preference struct {
	Persona string
	Model   string
}

// Store holds the loaded persona definitions and per-user preferences.
type Store struct {
	defaultModel string
	definitions  map[string]Definition
	order        []string

	mu    sync.Mutex
	prefs map[string]Preference
}

// Load reads every *.yaml/*.yml file in dir as a Definition. A missing dir
// yields an empty Store (no personas configured) rather than an error.
func Load(dir, defaultModel string) (*Store, error) {
	s := &Store{
		defaultModel: defaultModel,
		definitions:  make(map[string]Definition),
		prefs:        make(map[string]Preference),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("persona: read dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("persona: read %s: %w", e.Name(), err)
		}
		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("persona: parse %s: %w", e.Name(), err)
		}
		if def.Name == "" {
			continue
		}
		if def.DefaultModel == "" {
			def.DefaultModel = defaultModel
		}
		s.definitions[def.Name] = def
		s.order = append(s.order, def.Name)
	}
	sort.Strings(s.order)
	return s, nil
}

// List returns every configured persona, sorted by name.
func (s *Store) List() []Definition {
	out := make([]Definition, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.definitions[name])
	}
	return out
}

// Exists reports whether name is a configured persona.
func (s *Store) Exists(name string) bool {
	_, ok := s.definitions[name]
	return ok
}

// Get returns userID's current preference, defaulting to the first
// configured persona (or empty) and that persona's default model, or the
// store's default model when the persona has none or none is configured.
func (s *Store) Get(userID string) Preference {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pref, ok := s.prefs[userID]; ok {
		return pref
	}
	pref := Preference{Model: s.defaultModel}
	if len(s.order) > 0 {
		pref.Persona = s.order[0]
		if def := s.definitions[pref.Persona]; def.DefaultModel != "" {
			pref.Model = def.DefaultModel
		}
	}
	return pref
}

// SetPersona updates userID's persona choice. Fails if name isn't configured.
func (s *Store) SetPersona(userID, name string) error {
	if !s.Exists(name) {
		return fmt.Errorf("persona: unknown persona %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pref := s.prefs[userID]
	pref.Persona = name
	if pref.Model == "" {
		pref.Model = s.definitions[name].DefaultModel
	}
	s.prefs[userID] = pref
	return nil
}

// SetModel updates userID's model choice, independent of persona.
func (s *Store) SetModel(userID, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pref := s.prefs[userID]
	pref.Model = model
	s.prefs[userID] = pref
}

// Describe renders the persona list as a human-readable block for the
// `persona` command's no-argument form.
func (s *Store) Describe() string {
	if len(s.order) == 0 {
		return "no personas configured"
	}
	var b strings.Builder
	for _, name := range s.order {
		def := s.definitions[name]
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
	}
	return strings.TrimSpace(b.String())
}
