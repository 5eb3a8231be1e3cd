package agentcli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the CLI's list of chat backends. Each context pairs an API base
// URL with the account used there; commands talk to the current one unless
// --context picks another.
type Config struct {
	CurrentContext string             `yaml:"currentContext"`
	Contexts       map[string]Context `yaml:"contexts"`
}

// Context holds connection settings for one chat backend.
type Context struct {
	Name string `yaml:"name"`
	// Server is the API base URL, e.g. https://chat.example.com/api/v1.
	Server string `yaml:"server"`
	// Token pins a bearer token; when empty the credential store is used.
	Token string `yaml:"token,omitempty"`
	// User is the account last logged in on this context.
	User string `yaml:"user,omitempty"`
	// Refetch reloads the transcript after every completed reply.
	Refetch bool `yaml:"refetch,omitempty"`
}

// LoadConfig reads the context list. A missing file is an empty list.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Contexts: map[string]Context{},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if cfg.Contexts == nil {
		cfg.Contexts = map[string]Context{}
	}
	return cfg, nil
}

func SaveConfig(cfg *Config, path string) error {
	if cfg.Contexts == nil {
		cfg.Contexts = map[string]Context{}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create config directory")
	}
	// Pinned tokens live in this file.
	return errors.Wrap(os.WriteFile(path, data, 0o600), "write config")
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./agentdesk-config.yaml"
	}
	return filepath.Join(dir, "agentdesk", "config.yaml")
}

func setContext(cfg *Config, ctx Context, makeCurrent bool) {
	if cfg.Contexts == nil {
		cfg.Contexts = map[string]Context{}
	}
	ctx.Server = strings.TrimRight(ctx.Server, "/")
	cfg.Contexts[ctx.Name] = ctx
	if cfg.CurrentContext == "" || makeCurrent {
		cfg.CurrentContext = ctx.Name
	}
}

func ensureContextExists(cfg *Config, name string) error {
	if _, ok := cfg.Contexts[name]; !ok {
		return errors.Errorf("context %q not found", name)
	}
	return nil
}
