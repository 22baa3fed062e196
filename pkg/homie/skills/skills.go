// Package skills loads declarative tool bundles from YAML files. A skill
// names its tools, a tier, and for command tools the template to run. There
// is no plugin runtime; skills are data.
package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/homielabs/homie/pkg/homie/llm"
)

// Tool tiers, least privileged first.
const (
	TierSafe       = "safe"
	TierRestricted = "restricted"
	TierDangerous  = "dangerous"
)

// Tool is one declared tool inside a skill bundle.
type Tool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`

	// Command is the shell template a tool-executing backend runs. Empty
	// for tools the backend resolves itself.
	Command string `yaml:"command"`
}

// Skill is one YAML bundle.
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Tier        string `yaml:"tier"`
	Tools       []Tool `yaml:"tools"`
}

// Registry indexes loaded skills by tier.
type Registry struct {
	skills []Skill
	logger *slog.Logger
}

// LoadDir reads every *.yaml / *.yml file under dir. A missing dir yields
// an empty registry, not an error.
func LoadDir(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger.With("component", "skills")}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read skills dir %s: %w", dir, err)
	}

	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read skill %s: %w", e.Name(), err)
		}
		var s Skill
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse skill %s: %w", e.Name(), err)
		}
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("skill %s: %w", e.Name(), err)
		}
		r.skills = append(r.skills, s)
	}

	sort.Slice(r.skills, func(i, j int) bool { return r.skills[i].Name < r.skills[j].Name })
	r.logger.Info("skills loaded", "count", len(r.skills))
	return r, nil
}

func (s *Skill) validate() error {
	if s.Name == "" {
		return fmt.Errorf("missing name")
	}
	switch s.Tier {
	case "", TierSafe:
		s.Tier = TierSafe
	case TierRestricted, TierDangerous:
	default:
		return fmt.Errorf("unknown tier %q", s.Tier)
	}
	if len(s.Tools) == 0 {
		return fmt.Errorf("no tools declared")
	}
	for _, t := range s.Tools {
		if t.Name == "" {
			return fmt.Errorf("tool without a name")
		}
	}
	return nil
}

// ToolDefs returns the tool definitions available to the given tiers,
// filtered by allowlist when one is non-empty for a tier.
func (r *Registry) ToolDefs(tiers []string, allowlists map[string][]string) []llm.ToolDef {
	allowed := map[string]struct{}{}
	for _, t := range tiers {
		allowed[t] = struct{}{}
	}

	var defs []llm.ToolDef
	for _, s := range r.skills {
		if _, ok := allowed[s.Tier]; !ok {
			continue
		}
		allowlist := allowlists[s.Tier]
		for _, t := range s.Tools {
			if len(allowlist) > 0 && !contains(allowlist, t.Name) {
				continue
			}
			params := t.Parameters
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			defs = append(defs, llm.ToolDef{
				Name:        t.Name,
				Description: strings.TrimSpace(s.Name + ": " + t.Description),
				InputSchema: params,
			})
		}
	}
	return defs
}

// Lookup finds a tool by name across all loaded skills.
func (r *Registry) Lookup(name string) (Tool, string, bool) {
	for _, s := range r.skills {
		for _, t := range s.Tools {
			if t.Name == name {
				return t, s.Tier, true
			}
		}
	}
	return Tool{}, "", false
}

// Count reports how many skills are loaded.
func (r *Registry) Count() int { return len(r.skills) }

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
