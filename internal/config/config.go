package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models mostrador.yml.
type Config struct {
	Shop struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		Currency string `yaml:"currency"`
	} `yaml:"shop"`
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Assistant struct {
		APIKey          string `yaml:"api_key"`
		BaseURL         string `yaml:"base_url"`
		Model           string `yaml:"model"`
		TimeoutSeconds  int    `yaml:"timeout_seconds"`
		MaxOutputTokens int    `yaml:"max_output_tokens"`
		HistoryTurns    int    `yaml:"history_turns"`
	} `yaml:"assistant"`
	Gate struct {
		Capacity            int `yaml:"capacity"`
		QueueTimeoutSeconds int `yaml:"queue_timeout_seconds"`
	} `yaml:"gate"`
	Audio struct {
		MaxBytes     int64    `yaml:"max_bytes"`
		AllowedMIMEs []string `yaml:"allowed_mimes"`
	} `yaml:"audio"`
	Inventory struct {
		CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
	} `yaml:"inventory"`
	Orders struct {
		MaxLines int `yaml:"max_lines"`
	} `yaml:"orders"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run mostrador config init", path)
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
	if c.Shop.ID == "" {
		return fmt.Errorf("config.shop.id is required")
	}
	if c.Shop.Currency == "" {
		return fmt.Errorf("config.shop.currency is required")
	}
	if c.Gate.Capacity < 0 {
		return fmt.Errorf("config.gate.capacity must be positive")
	}
	if c.Gate.QueueTimeoutSeconds < 0 {
		return fmt.Errorf("config.gate.queue_timeout_seconds must be positive")
	}
	if c.Assistant.TimeoutSeconds < 0 {
		return fmt.Errorf("config.assistant.timeout_seconds must be positive")
	}
	if c.Audio.MaxBytes < 0 {
		return fmt.Errorf("config.audio.max_bytes must be positive")
	}
	if c.Orders.MaxLines < 0 {
		return fmt.Errorf("config.orders.max_lines must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// GateCapacity returns the configured slot count, defaulted.
func (c *Config) GateCapacity() int {
	if c.Gate.Capacity > 0 {
		return c.Gate.Capacity
	}
	return 5
}

// GateQueueTimeout returns how long a turn may wait for a slot.
func (c *Config) GateQueueTimeout() time.Duration {
	if c.Gate.QueueTimeoutSeconds > 0 {
		return time.Duration(c.Gate.QueueTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// AssistantTimeout returns the upstream call deadline.
func (c *Config) AssistantTimeout() time.Duration {
	if c.Assistant.TimeoutSeconds > 0 {
		return time.Duration(c.Assistant.TimeoutSeconds) * time.Second
	}
	return 45 * time.Second
}

// AudioMaxBytes returns the audio upload ceiling.
func (c *Config) AudioMaxBytes() int64 {
	if c.Audio.MaxBytes > 0 {
		return c.Audio.MaxBytes
	}
	return 10 << 20
}

// AudioMIMEs returns the accepted audio content types.
func (c *Config) AudioMIMEs() []string {
	if len(c.Audio.AllowedMIMEs) > 0 {
		return c.Audio.AllowedMIMEs
	}
	return []string{"audio/webm", "audio/mp4", "audio/mpeg", "audio/mp3", "audio/wav", "audio/ogg"}
}

// InventoryTTL returns the catalog snapshot lifetime.
func (c *Config) InventoryTTL() time.Duration {
	if c.Inventory.CacheTTLSeconds > 0 {
		return time.Duration(c.Inventory.CacheTTLSeconds) * time.Second
	}
	return 60 * time.Second
}

// OrderMaxLines returns the most lines one order accepts.
func (c *Config) OrderMaxLines() int {
	if c.Orders.MaxLines > 0 {
		return c.Orders.MaxLines
	}
	return 40
}

// HistoryTurns returns how many prior turns feed the interpreter.
func (c *Config) HistoryTurns() int {
	if c.Assistant.HistoryTurns > 0 {
		return c.Assistant.HistoryTurns
	}
	return 10
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mostrador.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(shopID string) string {
	return fmt.Sprintf(defaultTemplate, shopID)
}

// Default returns the default Config struct for a shop.
func Default(shopID string) *Config {
	var cfg Config
	cfg.Shop.ID = shopID
	cfg.Shop.Currency = "EUR"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, shopID))).Decode(&cfg)
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

const defaultTemplate = `shop:
  id: %s
  name: "Carnicería El Mostrador"
  currency: EUR

server:
  addr: 127.0.0.1:8080
  base_path: /api/v1

assistant:
  base_url: https://generativelanguage.googleapis.com/v1beta
  model: gemini-2.0-flash
  timeout_seconds: 45
  max_output_tokens: 2048
  history_turns: 10

gate:
  capacity: 5
  queue_timeout_seconds: 30

audio:
  max_bytes: 10485760
  allowed_mimes:
    - audio/webm
    - audio/mp4
    - audio/mpeg
    - audio/mp3
    - audio/wav
    - audio/ogg

inventory:
  cache_ttl_seconds: 60

orders:
  max_lines: 40
`
