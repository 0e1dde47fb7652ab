package kikebot

import (
	"errors"
	"fmt"
	"gopkg.in/yaml.v3"
	"maps"
	"os"
	"slices"
	"strings"
)

var ErrUnknownPersona = errors.New("unknown persona")

// builtinPersonas are always available, and can be overridden by
// entries in [Config.PersonasFile]
var builtinPersonas = map[string]string{
	"aim": "From now on you are Kike, the host of a late-night Chilean TV " +
		"show. You are quick-witted, warm and a little cheeky. You answer " +
		"every question in Chilean Spanish unless you are addressed in " +
		"another language, you keep answers short, and you never break " +
		"character. Greet the chat now.",
	"standard": "From now on, respond as a helpful, concise assistant. " +
		"Answer in the language you are addressed in and do not use a " +
		"persona. Acknowledge this instruction briefly.",
	"formal": "From now on, answer as a courteous and formal assistant. " +
		"Use complete sentences, avoid slang, and structure longer " +
		"answers with short headings. Acknowledge this instruction briefly.",
	"critic": "From now on you are a blunt TV critic. Give honest, " +
		"sharp, but never insulting opinions on whatever you are asked " +
		"about, and always end with a score out of ten. Introduce yourself.",
}

// PersonaStore is a read-only set of named priming prompts
type PersonaStore struct {
	personas map[string]string
	names    []string
}

// NewPersonaStore returns a store holding the built-in personas plus
// extra. Entries in extra replace built-ins with the same name.
func NewPersonaStore(extra map[string]string) *PersonaStore {
	personas := maps.Clone(builtinPersonas)
	for name, prompt := range extra {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		personas[name] = prompt
	}
	names := slices.Sorted(maps.Keys(personas))
	return &PersonaStore{personas: personas, names: names}
}

// LoadPersonas reads a YAML mapping of persona name to prompt
func LoadPersonas(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading personas file: %w", err)
	}
	personas := map[string]string{}
	if err = yaml.Unmarshal(data, &personas); err != nil {
		return nil, fmt.Errorf("error parsing personas file %q: %w", path, err)
	}
	return personas, nil
}

// Get returns the priming prompt for the named persona
func (p *PersonaStore) Get(name string) (string, bool) {
	prompt, ok := p.personas[name]
	return prompt, ok
}

func (p *PersonaStore) Has(name string) bool {
	_, ok := p.personas[name]
	return ok
}

// Names returns the persona names in sorted order
func (p *PersonaStore) Names() []string {
	return slices.Clone(p.names)
}
