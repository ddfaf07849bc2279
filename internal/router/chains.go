package router

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/imara/internal/provider"
)

// ProviderConfig is one entry in a modality's fallback chain.
type ProviderConfig struct {
	Provider   string `yaml:"provider"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	MaxRetries int    `yaml:"max_retries"`
}

// Timeout returns the per-call timeout, defaulting to 30s.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// Tries returns the maximum call attempts for this provider, at least 1.
func (p ProviderConfig) Tries() uint {
	if p.MaxRetries <= 0 {
		return 1
	}
	return uint(p.MaxRetries)
}

// Chains holds the ordered provider list per modality. Loaded once at
// startup and read-only at request time.
type Chains struct {
	Text  []ProviderConfig `yaml:"text"`
	Image []ProviderConfig `yaml:"image"`
	Audio []ProviderConfig `yaml:"audio"`
}

// For returns the configured chain for a modality.
func (c *Chains) For(m provider.Modality) []ProviderConfig {
	switch m {
	case provider.ModalityText:
		return c.Text
	case provider.ModalityImage:
		return c.Image
	case provider.ModalityAudio:
		return c.Audio
	default:
		return nil
	}
}

// Validate checks every chain entry names a provider.
func (c *Chains) Validate() error {
	for _, chain := range [][]ProviderConfig{c.Text, c.Image, c.Audio} {
		for i, pc := range chain {
			if pc.Provider == "" {
				return fmt.Errorf("chain entry %d has empty provider", i)
			}
		}
	}
	return nil
}

// LoadChains reads a YAML chain config file.
func LoadChains(path string) (*Chains, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read chains file: %w", err)
	}
	var c Chains
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse chains file: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate chains file: %w", err)
	}
	return &c, nil
}

// DefaultChains builds a chain config covering the providers that are
// actually registered, in preference order.
func DefaultChains(registered func(name string) bool) *Chains {
	c := &Chains{}
	for _, name := range []string{"groq", "claude"} {
		if registered(name) {
			c.Text = append(c.Text, ProviderConfig{Provider: name, TimeoutMS: 30000, MaxRetries: 3})
		}
	}
	if registered("gemini") {
		c.Image = append(c.Image, ProviderConfig{Provider: "gemini", TimeoutMS: 45000, MaxRetries: 3})
	}
	if registered("groq") {
		c.Audio = append(c.Audio, ProviderConfig{Provider: "groq", TimeoutMS: 60000, MaxRetries: 2})
	}
	return c
}
