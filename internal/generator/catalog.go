package generator

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

type PromptSpec struct {
	System      string  `yaml:"system"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Template    string  `yaml:"template"`

	tmpl *template.Template
}

type QuickAction struct {
	Name    string `yaml:"name" json:"name"`
	Label   string `yaml:"label" json:"label"`
	Request string `yaml:"request" json:"request"`
}

// Catalog holds the prompt templates and quick actions.
type Catalog struct {
	Initial      PromptSpec    `yaml:"initial"`
	Update       PromptSpec    `yaml:"update"`
	Summary      PromptSpec    `yaml:"summary"`
	QuickActions []QuickAction `yaml:"quick_actions"`
}

// LoadCatalog parses the embedded catalog. A non-empty path replaces it
// with the file at that path.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultPrompts
	if path != "" {
		override, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read prompt catalog %s: %w", path, err)
		}
		data = override
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("unmarshal prompt catalog: %w", err)
	}
	for name, spec := range map[string]*PromptSpec{
		"initial": &catalog.Initial,
		"update":  &catalog.Update,
		"summary": &catalog.Summary,
	} {
		if spec.Template == "" {
			return nil, fmt.Errorf("prompt catalog: %s template is empty", name)
		}
		tmpl, err := template.New(name).Option("missingkey=error").Parse(spec.Template)
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
		spec.tmpl = tmpl
	}
	seen := map[string]bool{}
	for _, action := range catalog.QuickActions {
		if action.Name == "" || action.Request == "" {
			return nil, fmt.Errorf("prompt catalog: quick action needs a name and a request")
		}
		if seen[action.Name] {
			return nil, fmt.Errorf("prompt catalog: duplicate quick action %q", action.Name)
		}
		seen[action.Name] = true
	}
	return &catalog, nil
}

func (s *PromptSpec) render(data any) (Prompt, error) {
	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, data); err != nil {
		return Prompt{}, err
	}
	return Prompt{
		System:      s.System,
		User:        buf.String(),
		Model:       s.Model,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
	}, nil
}

func (c *Catalog) QuickAction(name string) (QuickAction, bool) {
	for _, action := range c.QuickActions {
		if action.Name == name {
			return action, true
		}
	}
	return QuickAction{}, false
}
