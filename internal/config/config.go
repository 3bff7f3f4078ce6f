package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort        = 8080
	defaultBridgePort  = 18923
	defaultDataDir     = "data"
	defaultOutputDir   = "output"
	defaultChannels    = 5
	defaultConcurrency = 2

	defaultTaskTimeoutSeconds  = 600
	defaultPollIntervalSeconds = 30
	defaultAPITimeoutSeconds   = 60
	defaultCaptchaWaitSeconds  = 30
	defaultPollMaxSeconds      = 480

	defaultMaxRetries        = 2
	defaultRetryDelaySeconds = 60

	minPollIntervalSeconds = 5
	minAPITimeoutSeconds   = 30
	maxAPITimeoutSeconds   = 180
	maxChannels            = 16
)

// Config describes runtime configuration for the service.
type Config struct {
	Port        int    `yaml:"port"`
	DataDir     string `yaml:"data_dir"`
	OutputDir   string `yaml:"output_dir"`
	ProjectName string `yaml:"project_name"`

	Bridge BridgeConfig `yaml:"bridge"`
	Runner RunnerConfig `yaml:"runner"`
	Retry  RetryConfig  `yaml:"retry"`
	Labs   LabsConfig   `yaml:"labs"`
	Store  StoreConfig  `yaml:"store"`
}

// BridgeConfig configures the captcha bridge HTTP server.
type BridgeConfig struct {
	Port     int `yaml:"port"`
	Channels int `yaml:"channels"`
}

// RunnerConfig configures the generation executor. All intervals are plain
// seconds in YAML; tests shrink them to keep the contract observable.
type RunnerConfig struct {
	Concurrency         int  `yaml:"concurrency"`
	TaskTimeoutSeconds  int  `yaml:"task_timeout_seconds"`
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
	APITimeoutSeconds   int  `yaml:"api_timeout_seconds"`
	CaptchaWaitSeconds  int  `yaml:"captcha_wait_seconds"`
	PollMaxSeconds      int  `yaml:"poll_max_seconds"`
	Channel             int  `yaml:"channel"` // 0 = round-robin across tasks
	ProceedWithoutToken bool `yaml:"proceed_without_token"`
}

// RetryConfig configures the auto-retry scheduler.
type RetryConfig struct {
	Enabled      bool `yaml:"enabled"`
	MaxRetries   int  `yaml:"max_retries"`
	DelaySeconds int  `yaml:"delay_seconds"`
}

// LabsConfig carries endpoints and credentials for the remote generation
// service and the auth service behind the bridge login proxy.
type LabsConfig struct {
	LabsBaseURL  string `yaml:"labs_base_url"`
	VideoBaseURL string `yaml:"video_base_url"`
	AuthBaseURL  string `yaml:"auth_base_url"`

	WorkflowID   string `yaml:"workflow_id"`
	AccessToken  string `yaml:"access_token"`
	SessionToken string `yaml:"session_token"`
	ModelKey     string `yaml:"model_key"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Backend   string `yaml:"backend"` // "file" or "redis"
	RedisAddr string `yaml:"redis_addr"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:      defaultPort,
		DataDir:   defaultDataDir,
		OutputDir: defaultOutputDir,
		Bridge: BridgeConfig{
			Port:     defaultBridgePort,
			Channels: defaultChannels,
		},
		Runner: RunnerConfig{
			Concurrency:         defaultConcurrency,
			TaskTimeoutSeconds:  defaultTaskTimeoutSeconds,
			PollIntervalSeconds: defaultPollIntervalSeconds,
			APITimeoutSeconds:   defaultAPITimeoutSeconds,
			CaptchaWaitSeconds:  defaultCaptchaWaitSeconds,
			PollMaxSeconds:      defaultPollMaxSeconds,
		},
		Retry: RetryConfig{
			Enabled:      true,
			MaxRetries:   defaultMaxRetries,
			DelaySeconds: defaultRetryDelaySeconds,
		},
		Labs: LabsConfig{
			LabsBaseURL:  "https://labs.google/fx",
			VideoBaseURL: "https://aisandbox-pa.googleapis.com/v1",
			AuthBaseURL:  "https://tools.1nutnhan.com",
			ModelKey:     "veo_3_1_t2v_fast",
		},
		Store: StoreConfig{Backend: "file"},
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, cfg.normalize()
}

func (c *Config) normalize() error {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.OutputDir == "" {
		c.OutputDir = defaultOutputDir
	}
	if c.Bridge.Port == 0 {
		c.Bridge.Port = defaultBridgePort
	}
	if c.Bridge.Channels == 0 {
		c.Bridge.Channels = defaultChannels
	}
	if c.Bridge.Channels < 1 || c.Bridge.Channels > maxChannels {
		return fmt.Errorf("invalid bridge.channels: %d (must be 1..%d)", c.Bridge.Channels, maxChannels)
	}
	if c.Runner.Concurrency < 1 {
		return fmt.Errorf("invalid runner.concurrency: %d (must be >= 1)", c.Runner.Concurrency)
	}
	if c.Runner.TaskTimeoutSeconds < 1 {
		c.Runner.TaskTimeoutSeconds = defaultTaskTimeoutSeconds
	}
	if c.Runner.PollIntervalSeconds < minPollIntervalSeconds {
		c.Runner.PollIntervalSeconds = minPollIntervalSeconds
	}
	if c.Runner.APITimeoutSeconds < minAPITimeoutSeconds {
		c.Runner.APITimeoutSeconds = minAPITimeoutSeconds
	}
	if c.Runner.APITimeoutSeconds > maxAPITimeoutSeconds {
		c.Runner.APITimeoutSeconds = maxAPITimeoutSeconds
	}
	if c.Runner.CaptchaWaitSeconds < 1 {
		c.Runner.CaptchaWaitSeconds = defaultCaptchaWaitSeconds
	}
	if c.Runner.PollMaxSeconds < 1 {
		c.Runner.PollMaxSeconds = defaultPollMaxSeconds
	}
	if c.Runner.Channel < 0 || c.Runner.Channel > c.Bridge.Channels {
		return fmt.Errorf("invalid runner.channel: %d (must be 0..%d)", c.Runner.Channel, c.Bridge.Channels)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("invalid retry.max_retries: %d (must be >= 0)", c.Retry.MaxRetries)
	}
	if c.Retry.DelaySeconds < 1 {
		c.Retry.DelaySeconds = defaultRetryDelaySeconds
	}
	switch c.Store.Backend {
	case "", "file":
		c.Store.Backend = "file"
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr required when store.backend is redis")
		}
	default:
		return fmt.Errorf("unknown store.backend: %q", c.Store.Backend)
	}
	return nil
}

// TaskTimeout is the per-task wall-clock budget.
func (r RunnerConfig) TaskTimeout() time.Duration {
	return time.Duration(r.TaskTimeoutSeconds) * time.Second
}

// PollInterval is the delay between status poll attempts.
func (r RunnerConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalSeconds) * time.Second
}

// APITimeout caps a single remote call.
func (r RunnerConfig) APITimeout() time.Duration {
	return time.Duration(r.APITimeoutSeconds) * time.Second
}

// CaptchaWait bounds the wait for a token from the bridge.
func (r RunnerConfig) CaptchaWait() time.Duration {
	return time.Duration(r.CaptchaWaitSeconds) * time.Second
}

// PollMax caps the polling phase after a submission was accepted.
func (r RunnerConfig) PollMax() time.Duration {
	return time.Duration(r.PollMaxSeconds) * time.Second
}

// Delay is the cooldown before an automatic retry batch starts.
func (r RetryConfig) Delay() time.Duration {
	return time.Duration(r.DelaySeconds) * time.Second
}
