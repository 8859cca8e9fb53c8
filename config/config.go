package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultReconnectBaseDelay   = 5 * time.Second
	DefaultReconnectMaxAttempts = 5
	// MaxReconnectAttempts keeps BaseDelay * 2^attempt within a Duration.
	MaxReconnectAttempts = 30
	DefaultDialTimeout          = 10 * time.Second
	DefaultExtractionAttempts   = 3
	DefaultSyncInterval         = time.Minute
	DefaultAnalysisBaseURL      = "https://api.anthropic.com/"
	DefaultAnalysisModel        = "claude-sonnet-4-5"
	DefaultAnalysisMaxRetries   = 2
	DefaultAnalysisMaxTokens    = 1024
	DefaultAnalysisTimeout      = 60 * time.Second
	DefaultAdminListen          = "127.0.0.1:8080"
)

type ObjectStorage struct {
	Enabled   bool   `yaml:"Enabled"`
	Endpoint  string `yaml:"Endpoint"`
	AccessKey string `yaml:"AccessKey"`
	SecretKey string `yaml:"SecretKey"`
	Bucket    string `yaml:"Bucket"`
	Region    string `yaml:"Region"`
}

// Analysis configures the Anthropic client. MaxRetries counts the SDK's own
// retries of rate-limited or failed requests, on top of extraction attempts.
type Analysis struct {
	BaseURL    string        `yaml:"BaseURL"`
	APIKey     string        `yaml:"APIKey"`
	Model      string        `yaml:"Model"`
	MaxTokens  int           `yaml:"MaxTokens"`
	MaxRetries int           `yaml:"MaxRetries"`
	Timeout    time.Duration `yaml:"Timeout"`
}

// Reconnect controls the per-account backoff: BaseDelay * 2^attempt,
// at most MaxAttempts scheduled retries.
type Reconnect struct {
	BaseDelay   time.Duration `yaml:"BaseDelay"`
	MaxAttempts int           `yaml:"MaxAttempts"`
	DialTimeout time.Duration `yaml:"DialTimeout"`
}

type Extraction struct {
	MaxAttempts int  `yaml:"MaxAttempts"`
	Summarize   bool `yaml:"Summarize"`
}

type Admin struct {
	Listen string `yaml:"Listen"`
}

type Config struct {
	Database      string        `yaml:"Database"`
	LogFile       string        `yaml:"LogFile"`
	ObjectStorage ObjectStorage `yaml:"ObjectStorage"`
	Analysis      Analysis      `yaml:"Analysis"`
	Reconnect     Reconnect     `yaml:"Reconnect"`
	Extraction    Extraction    `yaml:"Extraction"`
	Admin         Admin         `yaml:"Admin"`
	SyncInterval  time.Duration `yaml:"SyncInterval"`
}

func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(buf)
}

// Parse decodes a YAML document and fills in defaults for everything left empty.
func Parse(buf []byte) (*Config, error) {
	var conf Config
	if err := yaml.Unmarshal(buf, &conf); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	conf.applyDefaults()
	return &conf, nil
}

func (c *Config) applyDefaults() {
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBaseDelay
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = DefaultReconnectMaxAttempts
	}
	if c.Reconnect.DialTimeout <= 0 {
		c.Reconnect.DialTimeout = DefaultDialTimeout
	}
	if c.Extraction.MaxAttempts <= 0 {
		c.Extraction.MaxAttempts = DefaultExtractionAttempts
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.Analysis.BaseURL == "" {
		c.Analysis.BaseURL = DefaultAnalysisBaseURL
	}
	if c.Analysis.MaxRetries == 0 {
		c.Analysis.MaxRetries = DefaultAnalysisMaxRetries
	}
	if c.Analysis.Model == "" {
		c.Analysis.Model = DefaultAnalysisModel
	}
	if c.Analysis.MaxTokens <= 0 {
		c.Analysis.MaxTokens = DefaultAnalysisMaxTokens
	}
	if c.Analysis.Timeout <= 0 {
		c.Analysis.Timeout = DefaultAnalysisTimeout
	}
	if c.Analysis.APIKey == "" {
		c.Analysis.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = DefaultAdminListen
	}
}

// Validate reports settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("Database is required"))
	}
	if c.Analysis.APIKey == "" {
		errs = append(errs, errors.New("Analysis.APIKey is required (or ANTHROPIC_API_KEY)"))
	}
	if c.Analysis.MaxRetries < 0 {
		errs = append(errs, errors.New("Analysis.MaxRetries must not be negative"))
	}
	if c.Reconnect.MaxAttempts > MaxReconnectAttempts {
		errs = append(errs, fmt.Errorf("Reconnect.MaxAttempts must be at most %d", MaxReconnectAttempts))
	}
	if c.ObjectStorage.Enabled && c.ObjectStorage.Bucket == "" {
		errs = append(errs, errors.New("ObjectStorage.Bucket is required when ObjectStorage is enabled"))
	}
	return errors.Join(errs...)
}
