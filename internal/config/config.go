package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"custodyline/internal/address"
)

// DefaultProgramID is the custody program deployed for the coffee supply chain.
const DefaultProgramID = "Gm7ooEjFuvi9hS5vLUk6uK3xavwVm7rJXP7yjc6WHfbq"

// Config models custodyline.yml.
type Config struct {
	Ledger struct {
		ProgramID     string        `yaml:"program_id"`
		BatchSeed     string        `yaml:"batch_seed"`
		StageSeed     string        `yaml:"stage_seed"`
		PayerKey      string        `yaml:"payer_key"`
		SubmitTimeout time.Duration `yaml:"submit_timeout"`
	} `yaml:"ledger"`
	Cache struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"cache"`
	Projector struct {
		Workers     int           `yaml:"workers"`
		QueueSize   int           `yaml:"queue_size"`
		MaxAttempts int           `yaml:"max_attempts"`
		Backoff     time.Duration `yaml:"backoff"`
	} `yaml:"projector"`
	Reconcile struct {
		Interval time.Duration `yaml:"interval"`
		PageSize int           `yaml:"page_size"`
	} `yaml:"reconcile"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := address.Parse(c.Ledger.ProgramID); err != nil {
		return fmt.Errorf("config.ledger.program_id: %w", err)
	}
	if c.Ledger.BatchSeed == "" || c.Ledger.StageSeed == "" {
		return fmt.Errorf("config.ledger.batch_seed and stage_seed are required")
	}
	if c.Ledger.BatchSeed == c.Ledger.StageSeed {
		return fmt.Errorf("config.ledger.batch_seed and stage_seed must differ")
	}
	if c.Ledger.SubmitTimeout <= 0 {
		return fmt.Errorf("config.ledger.submit_timeout must be positive")
	}
	switch c.Cache.Driver {
	case "sqlite":
	case "pgx":
		if c.Cache.DSN == "" {
			return fmt.Errorf("config.cache.dsn is required for driver pgx")
		}
	default:
		return fmt.Errorf("config.cache.driver must be sqlite or pgx")
	}
	if c.Projector.Workers <= 0 || c.Projector.QueueSize <= 0 || c.Projector.MaxAttempts <= 0 {
		return fmt.Errorf("config.projector workers, queue_size and max_attempts must be positive")
	}
	if c.Reconcile.Interval < 0 {
		return fmt.Errorf("config.reconcile.interval must not be negative")
	}
	if c.Reconcile.PageSize <= 0 {
		return fmt.Errorf("config.reconcile.page_size must be positive")
	}
	return nil
}

// Deriver returns the address deriver for the configured program.
func (c *Config) Deriver() address.Deriver {
	d := address.NewDeriver(address.MustParse(c.Ledger.ProgramID))
	d.BatchSeed = c.Ledger.BatchSeed
	d.StageSeed = c.Ledger.StageSeed
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "custodyline.yml")
}

// GenerateDefault returns default config YAML with the given payer key.
func GenerateDefault(payerKey string) string {
	return fmt.Sprintf(defaultTemplate, DefaultProgramID, payerKey)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config with no payer key.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(""))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
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

const defaultTemplate = `ledger:
  program_id: %s
  batch_seed: batch
  stage_seed: stage
  payer_key: "%s"
  submit_timeout: 10s

cache:
  driver: sqlite
  dsn: ""

projector:
  workers: 4
  queue_size: 256
  max_attempts: 5
  backoff: 200ms

reconcile:
  interval: 1m
  page_size: 100

log:
  level: info
  format: json
`
