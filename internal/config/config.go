package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models stampline.yml.
type Config struct {
	Pipeline struct {
		ConceptCount  int `yaml:"concept_count"`
		PhraseCount   int `yaml:"phrase_count"`
		SampleCount   int `yaml:"sample_count"`
		FullBatchSize int `yaml:"full_batch_size"`
		Concurrency   int `yaml:"concurrency"`
	} `yaml:"pipeline"`
	Retry struct {
		MaxAttempts     int           `yaml:"max_attempts"`
		InitialInterval time.Duration `yaml:"initial_interval"`
		MaxInterval     time.Duration `yaml:"max_interval"`
	} `yaml:"retry"`
	Timeouts struct {
		Text   time.Duration `yaml:"text"`
		Render time.Duration `yaml:"render"`
		Strip  time.Duration `yaml:"strip"`
	} `yaml:"timeouts"`
	Storage struct {
		Dir string `yaml:"dir"`
	} `yaml:"storage"`
	Compose struct {
		Enabled  bool   `yaml:"enabled"`
		FontPath string `yaml:"font_path"`
	} `yaml:"compose"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Gateways GatewaysConfig `yaml:"gateways"`
	Notify   struct {
		PollInterval time.Duration   `yaml:"poll_interval"`
		Webhooks     []WebhookConfig `yaml:"webhooks"`
		AMQP         AMQPConfig      `yaml:"amqp"`
	} `yaml:"notify"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Runner struct {
		Workers int `yaml:"workers"`
	} `yaml:"runner"`
}

type GatewaysConfig struct {
	Text   string `yaml:"text"`
	Render string `yaml:"render"`
	Strip  string `yaml:"strip"`
	Gemini struct {
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	} `yaml:"gemini"`
	SDWebUI struct {
		BaseURL        string  `yaml:"base_url"`
		Width          int     `yaml:"width"`
		Height         int     `yaml:"height"`
		Steps          int     `yaml:"steps"`
		CFGScale       float64 `yaml:"cfg_scale"`
		Sampler        string  `yaml:"sampler"`
		NegativePrompt string  `yaml:"negative_prompt"`
	} `yaml:"sdwebui"`
	Rembg struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"rembg"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

const (
	GatewaySynthetic = "synthetic"
	GatewayGemini    = "gemini"
	GatewaySDWebUI   = "sdwebui"
	GatewayRembg     = "rembg"
	GatewayCutout    = "cutout"
)

// Load reads and validates config from workspace. A missing file yields defaults.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.ConceptCount < 1 || p.ConceptCount > 3 {
		return fmt.Errorf("pipeline.concept_count must be between 1 and 3")
	}
	if p.PhraseCount < 1 || p.PhraseCount > 30 {
		return fmt.Errorf("pipeline.phrase_count must be between 1 and 30")
	}
	if p.SampleCount < 1 || p.SampleCount > 5 {
		return fmt.Errorf("pipeline.sample_count must be between 1 and 5")
	}
	if p.SampleCount > p.PhraseCount {
		return fmt.Errorf("pipeline.sample_count cannot exceed pipeline.phrase_count")
	}
	if p.FullBatchSize < 1 {
		return fmt.Errorf("pipeline.full_batch_size must be positive")
	}
	if p.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Retry.InitialInterval < 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("retry intervals are inconsistent")
	}
	for name, d := range map[string]time.Duration{"text": c.Timeouts.Text, "render": c.Timeouts.Render, "strip": c.Timeouts.Strip} {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", name)
		}
	}
	switch c.Database.Driver {
	case "sqlite", "":
	case "pgx", "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver %q not supported", c.Database.Driver)
	}
	if err := oneOf("gateways.text", c.Gateways.Text, GatewaySynthetic, GatewayGemini); err != nil {
		return err
	}
	if err := oneOf("gateways.render", c.Gateways.Render, GatewaySynthetic, GatewaySDWebUI); err != nil {
		return err
	}
	if err := oneOf("gateways.strip", c.Gateways.Strip, GatewaySynthetic, GatewayRembg, GatewayCutout); err != nil {
		return err
	}
	if c.Gateways.Render == GatewaySDWebUI && strings.TrimSpace(c.Gateways.SDWebUI.BaseURL) == "" {
		return fmt.Errorf("gateways.sdwebui.base_url is required")
	}
	if c.Gateways.Strip == GatewayRembg && strings.TrimSpace(c.Gateways.Rembg.BaseURL) == "" {
		return fmt.Errorf("gateways.rembg.base_url is required")
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("notify.webhooks[%d].url is required", i)
		}
	}
	if c.Notify.AMQP.URL != "" && strings.TrimSpace(c.Notify.AMQP.Exchange) == "" {
		return fmt.Errorf("notify.amqp.exchange is required when notify.amqp.url is set")
	}
	if fp := strings.TrimSpace(c.Compose.FontPath); fp != "" {
		if _, err := os.Stat(fp); err != nil {
			return fmt.Errorf("compose.font_path: %w", err)
		}
	}
	if c.Runner.Workers < 1 {
		return fmt.Errorf("runner.workers must be positive")
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s", key, strings.Join(allowed, ", "))
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stampline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
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

const defaultTemplate = `pipeline:
  concept_count: 3
  phrase_count: 30
  sample_count: 5
  full_batch_size: 5
  concurrency: 2

retry:
  max_attempts: 3
  initial_interval: 500ms
  max_interval: 10s

timeouts:
  text: 60s
  render: 300s
  strip: 60s

storage:
  dir: output

compose:
  enabled: true
  font_path: ""

database:
  driver: sqlite
  dsn: ""

gateways:
  text: synthetic
  render: synthetic
  strip: synthetic
  gemini:
    base_url: https://generativelanguage.googleapis.com/v1beta
    model: gemini-1.5-flash
  sdwebui:
    base_url: http://localhost:7860
    width: 370
    height: 320
    steps: 30
    cfg_scale: 7
    sampler: "DPM++ 2M Karras"
    negative_prompt: "text, watermark, busy background"
  rembg:
    base_url: http://localhost:7000

notify:
  poll_interval: 2s
  webhooks: []
  amqp:
    url: ""
    exchange: stampline.events

server:
  addr: 127.0.0.1:8080
  base_path: /v0

runner:
  workers: 4
`
