package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const FileName = "aggregator.yml"

// Config models aggregator.yml.
type Config struct {
	Service struct {
		URL        string `yaml:"url"`
		Project    string `yaml:"project"`
		TokenEnv   string `yaml:"token_env"`
		APIVersion string `yaml:"api_version"`
	} `yaml:"service"`
	Engine EngineConfig          `yaml:"engine"`
	Rules  map[string]RuleConfig `yaml:"rules"`
	Server struct {
		Addr         string `yaml:"addr"`
		BasePath     string `yaml:"base_path"`
		JWTSecretEnv string `yaml:"jwt_secret_env"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type EngineConfig struct {
	SaveMode            string `yaml:"save_mode"`
	EnableRevisionCheck bool   `yaml:"enable_revision_check"`
	DryRun              bool   `yaml:"dry_run"`
	Impersonate         bool   `yaml:"impersonate"`
	BypassRules         bool   `yaml:"bypass_rules"`
}

// RuleConfig declares a rule without code. Every string is a text/template
// rendered against the triggering work item.
type RuleConfig struct {
	Description string            `yaml:"description"`
	Events      []string          `yaml:"events"`
	Types       []string          `yaml:"types"`
	Message     string            `yaml:"message"`
	Set         map[string]string `yaml:"set"`
	Transition  string            `yaml:"transition"`
	Comment     string            `yaml:"comment"`
	CreateChild *ChildConfig      `yaml:"create_child"`
}

type ChildConfig struct {
	Type  string `yaml:"type"`
	Title string `yaml:"title"`
}

// WebhookConfig is a target notified of every journaled execution.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var saveModes = map[string]struct{}{"": {}, "default": {}, "item": {}, "batch": {}, "twophases": {}}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with aggregator config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service.URL) == "" {
		return fmt.Errorf("config.service.url is required")
	}
	u, err := url.Parse(c.Service.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.service.url must be an absolute url")
	}
	if strings.TrimSpace(c.Service.Project) == "" {
		return fmt.Errorf("config.service.project is required")
	}
	if _, ok := saveModes[strings.ToLower(c.Engine.SaveMode)]; !ok {
		return fmt.Errorf("config.engine.save_mode must be one of default, item, batch, twophases")
	}
	for name, rule := range c.Rules {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.rules contains empty rule name")
		}
		if rule.Message == "" && len(rule.Set) == 0 && rule.Transition == "" && rule.CreateChild == nil {
			return fmt.Errorf("rule %s does nothing", name)
		}
		for field := range rule.Set {
			if strings.TrimSpace(field) == "" {
				return fmt.Errorf("rule %s sets an empty field name", name)
			}
		}
		if rule.CreateChild != nil && rule.CreateChild.Type == "" {
			return fmt.Errorf("rule %s create_child.type is required", name)
		}
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Token reads the personal access token from the configured environment variable.
func (c *Config) Token() string {
	name := c.Service.TokenEnv
	if name == "" {
		name = "AGGREGATOR_PAT"
	}
	return os.Getenv(name)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceURL, project string) string {
	return fmt.Sprintf(defaultTemplate, serviceURL, project)
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

// Default returns the default Config struct for a project.
func Default(serviceURL, project string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(serviceURL, project))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `service:
  url: %s
  project: %s
  token_env: AGGREGATOR_PAT
  api_version: "7.1"

engine:
  save_mode: default
  enable_revision_check: true
  dry_run: false
  impersonate: false
  bypass_rules: false

rules:
  hello:
    description: "Echo the triggering work item"
    message: "Hello {{.Type}} #{{.ID}} - {{.Title}}!"

  activate-bug:
    description: "Move new bugs to Active"
    events: [workitem.created]
    types: [Bug]
    transition: Active
    comment: "Activated by rule {{.Rule}}"

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret_env: AGGREGATOR_JWT_SECRET

webhooks: []
`
