package triage

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PolicyRule forces escalation when an analysis mentions one of its
// phrases, regardless of the provider's risk score.
type PolicyRule struct {
	Category string   `yaml:"category"`
	Phrases  []string `yaml:"phrases"`
}

// Policy is the escalation override table. It runs after normalization
// and can only raise the outcome, never lower it.
type Policy struct {
	Rules []PolicyRule `yaml:"rules"`
}

// LoadPolicy reads an escalation policy from a YAML file.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return &p, nil
}

// Validate rejects rules with no category or no phrases.
func (p *Policy) Validate() error {
	for i, r := range p.Rules {
		if r.Category == "" {
			return fmt.Errorf("rule %d: missing category", i)
		}
		if len(r.Phrases) == 0 {
			return fmt.Errorf("rule %q: no phrases", r.Category)
		}
		for _, ph := range r.Phrases {
			if strings.TrimSpace(ph) == "" {
				return fmt.Errorf("rule %q: empty phrase", r.Category)
			}
		}
	}
	return nil
}

// Match returns the category of the first rule whose phrase appears in
// any of the given texts. Matching is case-insensitive substring.
func (p *Policy) Match(texts ...string) (string, bool) {
	if p == nil {
		return "", false
	}
	var lowered []string
	for _, t := range texts {
		if t != "" {
			lowered = append(lowered, strings.ToLower(t))
		}
	}
	if len(lowered) == 0 {
		return "", false
	}
	for _, r := range p.Rules {
		for _, ph := range r.Phrases {
			needle := strings.ToLower(ph)
			for _, hay := range lowered {
				if strings.Contains(hay, needle) {
					return r.Category, true
				}
			}
		}
	}
	return "", false
}

// DefaultPolicy covers the threat categories that always warrant
// escalation to a partner, whatever score the model assigned.
func DefaultPolicy() *Policy {
	return &Policy{Rules: []PolicyRule{
		{
			Category: "death_threat",
			Phrases:  []string{"death threat", "threat to kill", "kill you", "going to kill"},
		},
		{
			Category: "sextortion",
			Phrases:  []string{"sextortion", "intimate image", "nude photo", "revenge porn"},
		},
		{
			Category: "doxxing",
			Phrases:  []string{"doxxing", "doxing", "posted your address", "published your address"},
		},
		{
			Category: "minor_abuse",
			Phrases:  []string{"child abuse", "minor abuse", "underage"},
		},
	}}
}
