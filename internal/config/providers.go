package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid marks a provider table that cannot be served.
var ErrConfigInvalid = errors.New("invalid provider configuration")

// ProvidersConfig is the decoded providers.yaml. Providers keep file order.
type ProvidersConfig struct {
	Providers     ProviderList `yaml:"providers"`
	PremiumModels []string     `yaml:"premium_models"`
}

// Provider is one upstream definition.
type Provider struct {
	Name          string            `yaml:"-"`
	BaseURL       string            `yaml:"base_url"`
	APIKey        string            `yaml:"api_key"`
	Timeout       time.Duration     `yaml:"timeout"`
	MaxConcurrent int               `yaml:"max_concurrent"`
	Headers       map[string]string `yaml:"headers,omitempty"`
	Aliases       AliasList         `yaml:"models"`
}

// Alias maps a provider-independent model name to the provider's own model name.
type Alias struct {
	Name  string
	Model string
}

// ProviderList decodes a YAML mapping of name -> provider while preserving key order.
type ProviderList []Provider

func (pl *ProviderList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: providers must be a mapping", node.Line)
	}
	list := make(ProviderList, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var p Provider
		if err := node.Content[i+1].Decode(&p); err != nil {
			return fmt.Errorf("provider %s: %w", node.Content[i].Value, err)
		}
		p.Name = node.Content[i].Value
		list = append(list, p)
	}
	*pl = list
	return nil
}

// AliasList decodes the original `models` layout: a sequence of single (or multi) key
// mappings, alias: upstream-model. Order inside each mapping is kept.
type AliasList []Alias

func (al *AliasList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: models must be a list of alias: model mappings", node.Line)
	}
	var list AliasList
	for _, item := range node.Content {
		if item.Kind != yaml.MappingNode {
			return fmt.Errorf("line %d: model entry must be a mapping", item.Line)
		}
		for i := 0; i+1 < len(item.Content); i += 2 {
			list = append(list, Alias{Name: item.Content[i].Value, Model: item.Content[i+1].Value})
		}
	}
	*al = list
	return nil
}

// Validate checks every provider has what an upstream call needs.
func (pc *ProvidersConfig) Validate() error {
	if len(pc.Providers) == 0 {
		return fmt.Errorf("%w: no providers configured", ErrConfigInvalid)
	}
	seen := make(map[string]bool, len(pc.Providers))
	for _, p := range pc.Providers {
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate provider %q", ErrConfigInvalid, p.Name)
		}
		seen[p.Name] = true
		if p.BaseURL == "" {
			return fmt.Errorf("%w: provider %q is missing base_url", ErrConfigInvalid, p.Name)
		}
		if p.APIKey == "" {
			return fmt.Errorf("%w: provider %q is missing api_key", ErrConfigInvalid, p.Name)
		}
	}
	return nil
}

// Store is the immutable provider table for the life of the process.
type Store struct {
	providers []Provider
	byName    map[string]int
	premium   []string
}

// NewStore validates pc and freezes it.
func NewStore(pc *ProvidersConfig) (*Store, error) {
	if pc == nil {
		return nil, fmt.Errorf("%w: nil providers config", ErrConfigInvalid)
	}
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		providers: make([]Provider, len(pc.Providers)),
		byName:    make(map[string]int, len(pc.Providers)),
		premium:   append([]string(nil), pc.PremiumModels...),
	}
	for i, p := range pc.Providers {
		s.providers[i] = p.clone()
		s.byName[p.Name] = i
	}
	return s, nil
}

// Providers returns the providers in configuration order.
func (s *Store) Providers() []Provider {
	out := make([]Provider, len(s.providers))
	for i, p := range s.providers {
		out[i] = p.clone()
	}
	return out
}

func (s *Store) Provider(name string) (Provider, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Provider{}, false
	}
	return s.providers[i].clone(), true
}

func (s *Store) PremiumModels() []string {
	return append([]string(nil), s.premium...)
}

func (p Provider) clone() Provider {
	p.Aliases = append(AliasList(nil), p.Aliases...)
	if p.Headers != nil {
		h := make(map[string]string, len(p.Headers))
		for k, v := range p.Headers {
			h[k] = v
		}
		p.Headers = h
	}
	return p
}
