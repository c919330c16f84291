package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config models leadflow.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr" json:"addr" validate:"required"`
		BasePath string `yaml:"base_path" json:"base_path" validate:"required,startswith=/"`
	} `yaml:"server" json:"server"`
	Auth struct {
		AllowLegacyHeaders bool `yaml:"allow_legacy_headers" json:"allow_legacy_headers"`
		// EnableDevLogin exposes an unauthenticated token endpoint. Local development only.
		EnableDevLogin bool `yaml:"enable_dev_login" json:"enable_dev_login"`
	} `yaml:"auth" json:"auth"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Cache   struct {
		Size       int `yaml:"size" json:"size" validate:"gte=0"`
		TTLSeconds int `yaml:"ttl_seconds" json:"ttl_seconds" validate:"gte=0"`
	} `yaml:"cache" json:"cache"`
	// Preconditions overrides the advance-edge checks, keyed by the stage being left.
	Preconditions map[string][]PreconditionConfig `yaml:"preconditions" json:"preconditions,omitempty" validate:"dive,dive"`
	Webhooks      []WebhookConfig                 `yaml:"webhooks" json:"webhooks,omitempty" validate:"dive"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=text logfmt json"`
}

type PreconditionConfig struct {
	Counter string `yaml:"counter" json:"counter" validate:"required"`
	Min     int    `yaml:"min" json:"min" validate:"gte=0"`
	Label   string `yaml:"label" json:"label,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url" validate:"required,url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty" validate:"gte=0"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config.%s fails %q", strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config.")), fe.Tag())
		}
		return err
	}
	for stage, reqs := range c.Preconditions {
		if strings.TrimSpace(stage) == "" {
			return fmt.Errorf("config.preconditions has empty stage key")
		}
		seen := map[string]bool{}
		for _, r := range reqs {
			if seen[r.Counter] {
				return fmt.Errorf("preconditions for %s list counter %s twice", stage, r.Counter)
			}
			seen[r.Counter] = true
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "leadflow.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with lf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  allow_legacy_headers: false
  enable_dev_login: false

logging:
  level: info
  format: text

# ttl_seconds bounds how long another process's writes (lf CLI) can stay invisible to the server.
cache:
  size: 512
  ttl_seconds: 30

# preconditions replaces the built-in advance checks for the listed stages.
# preconditions:
#   designing:
#     - counter: quotationDocCount
#       min: 1
#       label: quotation document
#     - counter: selectionCount
#       min: 3
#       label: selection

# webhooks receive every audit entry as JSON.
# webhooks:
#   - url: https://example.com/hooks/leadflow
#     events: [lead.status_changed, lead.reverted]
`
