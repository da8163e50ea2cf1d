package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models atmdesk.yml.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	Server ServerConfig `yaml:"server"`
	Groups []string     `yaml:"groups"`
}

// EngineConfig locates the external process engine.
type EngineConfig struct {
	URL         string        `yaml:"url"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	ContainerID string        `yaml:"container_id"`
	ProcessID   string        `yaml:"process_id"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

// Default returns a config with everything but engine credentials filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.Engine.URL = "http://localhost:8090/kie-server/services/rest/server"
	cfg.Engine.ContainerID = "incident-management"
	cfg.Engine.ProcessID = "atm-incident-process"
	cfg.Engine.Timeout = 30 * time.Second
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v0"
	cfg.Groups = []string{"helpdesk", "atm_monitoring", "supplier", "insurance", "purchasing"}
	return cfg
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "atmdesk.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with atmdesk config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML decodes and validates YAML config bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.URL == "" {
		return fmt.Errorf("config.engine.url is required")
	}
	if c.Engine.ContainerID == "" {
		return fmt.Errorf("config.engine.container_id is required")
	}
	if c.Engine.ProcessID == "" {
		return fmt.Errorf("config.engine.process_id is required")
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("config.engine.timeout must be positive")
	}
	if len(c.Groups) == 0 {
		return fmt.Errorf("config.groups must name at least one capability group")
	}
	for _, g := range c.Groups {
		if g == "" {
			return fmt.Errorf("config.groups contains an empty group name")
		}
	}
	return nil
}

// ToYAML renders the config for atmdesk config show/init.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
