package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models gateline.yml.
type Config struct {
	Module struct {
		ID      string `yaml:"id"`
		Mission string `yaml:"mission"`
	} `yaml:"module"`
	Profile  string             `yaml:"profile"`
	Profiles map[string]Profile `yaml:"profiles"`
	Commands CommandPolicy      `yaml:"command_policy"`
}

// Profile tunes the gate pipeline for a class of tasks.
type Profile struct {
	E2ERequired       bool `yaml:"e2e_required"`
	RequireAcceptance bool `yaml:"require_acceptance"`
	MaxAttempts       int  `yaml:"max_attempts"`
}

// CommandPolicy is the operator allow/deny list applied to the first token of
// every verify command. An empty allow list permits anything not denied.
type CommandPolicy struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// Load reads and validates config from the module root.
func Load(root string) (*Config, error) {
	path := Path(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run gl init or write one by hand", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(root string) (*Config, error) {
	data, err := os.ReadFile(Path(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Module.ID == "" {
		return fmt.Errorf("config.module.id is required")
	}
	if c.Profile == "" {
		return fmt.Errorf("config.profile is required")
	}
	if len(c.Profiles) == 0 {
		return fmt.Errorf("config.profiles is required")
	}
	if _, ok := c.Profiles[c.Profile]; !ok {
		return fmt.Errorf("active profile %s not defined in config.profiles", c.Profile)
	}
	for name, p := range c.Profiles {
		if p.MaxAttempts < 0 {
			return fmt.Errorf("profile %s has negative max_attempts", name)
		}
	}
	for _, tok := range c.Commands.Allow {
		if tok == "" {
			return fmt.Errorf("command_policy.allow contains empty token")
		}
	}
	for _, tok := range c.Commands.Deny {
		if tok == "" {
			return fmt.Errorf("command_policy.deny contains empty token")
		}
	}
	return nil
}

// ActiveProfile resolves the named profile, falling back to the config's
// active one when name is empty.
func (c *Config) ActiveProfile(name string) (Profile, error) {
	if name == "" {
		name = c.Profile
	}
	p, ok := c.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile %s not defined", name)
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	return p, nil
}

// Path returns the config file path for a module root.
func Path(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, "gateline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(moduleID string) string {
	return fmt.Sprintf(defaultTemplate, moduleID)
}

// Default returns the default Config struct for a module.
func Default(moduleID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(moduleID))).Decode(&cfg)
	return &cfg
}

const defaultTemplate = `module:
  id: %s

profile: standard

profiles:
  standard:
    e2e_required: false
    require_acceptance: false
    max_attempts: 3

  strict:
    e2e_required: true
    require_acceptance: true
    max_attempts: 2

command_policy:
  allow: []
  deny: [rm, sudo, shutdown, reboot, mkfs, dd]
`
