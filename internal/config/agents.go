package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"dingbridge/internal/domain"

	"gopkg.in/yaml.v3"
)

// AgentEntry is the declarative form of an agent definition. Its routing
// predicate is built from Keywords, Pattern and ConversationTypes.
type AgentEntry struct {
	Name              string   `yaml:"name" json:"name" toml:"name"`
	Instruction       string   `yaml:"instruction" json:"instruction" toml:"instruction"`
	Tools             []string `yaml:"tools" json:"tools" toml:"tools"`
	Reply             string   `yaml:"reply,omitempty" json:"reply,omitempty" toml:"reply"` // text | markdown
	Default           bool     `yaml:"default,omitempty" json:"default,omitempty" toml:"default"`
	Keywords          []string `yaml:"keywords,omitempty" json:"keywords,omitempty" toml:"keywords"`
	Pattern           string   `yaml:"pattern,omitempty" json:"pattern,omitempty" toml:"pattern"`
	ConversationTypes []string `yaml:"conversation_types,omitempty" json:"conversation_types,omitempty" toml:"conversation_types"`
}

// Definition compiles the entry into an immutable AgentDefinition.
//
// The predicate matches when the text contains any keyword (case-insensitive)
// or matches Pattern, and the conversation type is listed in
// ConversationTypes when that list is set. An entry with neither text nor
// type criteria never matches and is only reachable as the default.
func (e AgentEntry) Definition() (domain.AgentDefinition, error) {
	var re *regexp.Regexp
	if e.Pattern != "" {
		var err error
		re, err = regexp.Compile(e.Pattern)
		if err != nil {
			return domain.AgentDefinition{}, fmt.Errorf("agent %s: invalid pattern: %w", e.Name, err)
		}
	}

	keywords := make([]string, 0, len(e.Keywords))
	for _, kw := range e.Keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	types := slices.Clone(e.ConversationTypes)
	hasText := len(keywords) > 0 || re != nil

	match := func(msg domain.InboundMessage) bool {
		if len(types) > 0 && !slices.Contains(types, msg.ConversationType) {
			return false
		}
		if !hasText {
			return len(types) > 0
		}
		lower := strings.ToLower(msg.Text)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
		return re != nil && re.MatchString(msg.Text)
	}

	return domain.AgentDefinition{
		Name:        e.Name,
		Instruction: e.Instruction,
		Tools:       slices.Clone(e.Tools),
		Reply:       e.Reply,
		Match:       match,
	}, nil
}

// BuildAgents compiles entries in order and returns them with the default
// agent, if one is marked.
func BuildAgents(entries []AgentEntry) (defs []domain.AgentDefinition, def *domain.AgentDefinition, err error) {
	for _, e := range entries {
		d, err := e.Definition()
		if err != nil {
			return nil, nil, err
		}
		if e.Default {
			dd := d
			def = &dd
			continue
		}
		defs = append(defs, d)
	}
	return defs, def, nil
}

func validateAgents(entries []AgentEntry) []string {
	var errs []string
	if len(entries) == 0 {
		return []string{"at least one agent must be configured"}
	}
	seen := make(map[string]bool, len(entries))
	defaults := 0
	for i, e := range entries {
		if e.Name == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].name is required", i))
			continue
		}
		if seen[e.Name] {
			errs = append(errs, fmt.Sprintf("agents.%s: duplicate name", e.Name))
		}
		seen[e.Name] = true
		if e.Default {
			defaults++
		}
		switch e.Reply {
		case "", domain.ContentText, domain.ContentMarkdown:
		default:
			errs = append(errs, fmt.Sprintf("agents.%s.reply must be text or markdown", e.Name))
		}
		if e.Pattern != "" {
			if _, err := regexp.Compile(e.Pattern); err != nil {
				errs = append(errs, fmt.Sprintf("agents.%s.pattern: %v", e.Name, err))
			}
		}
	}
	if defaults > 1 {
		errs = append(errs, "only one agent may be marked default")
	}
	return errs
}

// LoadAgentsDir loads agent entries from .yaml/.yml files in dir, in file
// name order. A missing directory yields no entries.
func LoadAgentsDir(dir string) ([]AgentEntry, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agents dir: %w", err)
	}

	var agents []AgentEntry
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read agent file %s: %w", path, err)
		}

		var a AgentEntry
		if err := yaml.Unmarshal([]byte(ExpandEnvVars(string(data))), &a); err != nil {
			return nil, fmt.Errorf("parse agent file %s: %w", path, err)
		}
		if a.Name == "" {
			a.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		agents = append(agents, a)
	}
	return agents, nil
}
