package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models gateline.yml.
type Config struct {
	Panel struct {
		ID string `yaml:"id"`
	} `yaml:"panel"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	GitHub     struct {
		TokenEnv string `yaml:"token_env"`
	} `yaml:"github"`
}

type GuardrailsConfig struct {
	Enabled   bool        `yaml:"enabled"`
	Allowlist []RepoEntry `yaml:"allowlist"`
	// RequiredConfig maps an operation name to the environment keys it
	// needs before it may mutate anything.
	RequiredConfig map[string][]string `yaml:"required_config"`
}

type RepoEntry struct {
	Owner  string `yaml:"owner"`
	Repo   string `yaml:"repo"`
	Branch string `yaml:"branch"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Panel.ID == "" {
		return fmt.Errorf("config.panel.id is required")
	}
	for i, entry := range c.Guardrails.Allowlist {
		if entry.Owner == "" || entry.Repo == "" {
			return fmt.Errorf("guardrails.allowlist[%d] needs owner and repo", i)
		}
	}
	for op, keys := range c.Guardrails.RequiredConfig {
		if op == "" {
			return fmt.Errorf("guardrails.required_config has empty operation name")
		}
		for _, k := range keys {
			if k == "" {
				return fmt.Errorf("operation %s lists an empty config key", op)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateline.yml")
}

// Default returns the default Config struct for a panel.
func Default(panelID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, panelID)), &cfg)
	cfg.Panel.ID = panelID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(panelID string) string {
	return fmt.Sprintf(defaultTemplate, panelID)
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

const defaultTemplate = `panel:
  id: %s

guardrails:
  enabled: false
  allowlist: []
  required_config:
    merge_ready:
      - GITHUB_TOKEN
    link_github_issue:
      - GITHUB_TOKEN

github:
  token_env: GITHUB_TOKEN
`
