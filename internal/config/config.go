package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models execops.yml.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Dedup struct {
		WindowSeconds int `yaml:"window_seconds"`
	} `yaml:"dedup"`
	Confidence struct {
		Floor float64 `yaml:"floor"`
	} `yaml:"confidence"`
	Worker struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"worker"`
	Execution struct {
		MaxAttempts    int `yaml:"max_attempts"`
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"execution"`
	Policies struct {
		Dir string `yaml:"dir"`
	} `yaml:"policies"`
	Verticals struct {
		Release   ReleaseThresholds   `yaml:"release"`
		Runway    RunwayThresholds    `yaml:"runway"`
		Customer  CustomerThresholds  `yaml:"customer"`
		TeamPulse TeamPulseThresholds `yaml:"team_pulse"`
	} `yaml:"verticals"`
	Integrations struct {
		Slack struct {
			WebhookURL string `yaml:"webhook_url"`
		} `yaml:"slack"`
		Email struct {
			Endpoint string `yaml:"endpoint"`
		} `yaml:"email"`
		Commands struct {
			AllowList []string `yaml:"allow_list"`
		} `yaml:"commands"`
	} `yaml:"integrations"`
	Notify struct {
		URLs []string `yaml:"urls"`
	} `yaml:"notify"`
}

type ReleaseThresholds struct {
	AlertErrorRate    float64 `yaml:"alert_error_rate"`
	RollbackErrorRate float64 `yaml:"rollback_error_rate"`
	CriticalErrorRate float64 `yaml:"critical_error_rate"`
}

type RunwayThresholds struct {
	ApprovalAmount   float64 `yaml:"approval_amount"`
	DuplicateEpsilon float64 `yaml:"duplicate_epsilon"`
}

type CustomerThresholds struct {
	VIPMRR         float64 `yaml:"vip_mrr"`
	ChurnThreshold float64 `yaml:"churn_threshold"`
}

type TeamPulseThresholds struct {
	ReminderDrop float64 `yaml:"reminder_drop"`
	AlertDrop    float64 `yaml:"alert_drop"`
	PTORatio     float64 `yaml:"pto_ratio"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with xo config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Dedup.WindowSeconds < 0 {
		return fmt.Errorf("config.dedup.window_seconds must not be negative")
	}
	if c.Confidence.Floor < 0 || c.Confidence.Floor > 1 {
		return fmt.Errorf("config.confidence.floor must be within [0,1]")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("config.worker.concurrency must be at least 1")
	}
	if c.Execution.MaxAttempts < 1 {
		return fmt.Errorf("config.execution.max_attempts must be at least 1")
	}
	if c.Execution.TimeoutSeconds < 1 {
		return fmt.Errorf("config.execution.timeout_seconds must be at least 1")
	}
	r := c.Verticals.Release
	if r.AlertErrorRate <= 0 || r.RollbackErrorRate <= r.AlertErrorRate || r.CriticalErrorRate < r.RollbackErrorRate {
		return fmt.Errorf("config.verticals.release thresholds must satisfy 0 < alert < rollback <= critical")
	}
	if c.Verticals.Runway.ApprovalAmount <= 0 {
		return fmt.Errorf("config.verticals.runway.approval_amount must be positive")
	}
	if c.Verticals.Customer.ChurnThreshold <= 0 || c.Verticals.Customer.ChurnThreshold > 1 {
		return fmt.Errorf("config.verticals.customer.churn_threshold must be within (0,1]")
	}
	tp := c.Verticals.TeamPulse
	if tp.ReminderDrop <= 0 || tp.AlertDrop <= tp.ReminderDrop {
		return fmt.Errorf("config.verticals.team_pulse drops must satisfy 0 < reminder < alert")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "execops.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(name string) string {
	return fmt.Sprintf(defaultTemplate, name)
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

// Default returns the default Config struct for a service name.
func Default(name string) *Config {
	var cfg Config
	cfg.Service.Name = name
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, name))).Decode(&cfg)
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
  name: %s

dedup:
  window_seconds: 300

confidence:
  floor: 0.5

worker:
  concurrency: 4

execution:
  max_attempts: 3
  timeout_seconds: 30

policies:
  dir: policies

verticals:
  release:
    alert_error_rate: 0.01
    rollback_error_rate: 0.02
    critical_error_rate: 0.05

  runway:
    approval_amount: 1000
    duplicate_epsilon: 1

  customer:
    vip_mrr: 1000
    churn_threshold: 0.6

  team_pulse:
    reminder_drop: 0.3
    alert_drop: 0.5
    pto_ratio: 0.5

integrations:
  slack:
    webhook_url: ""
  email:
    endpoint: ""
  commands:
    allow_list: []

notify:
  urls: []
`
