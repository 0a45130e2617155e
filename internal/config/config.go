package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Telegram    TelegramConfig    `toml:"telegram"`
	LLM         LLMConfig         `toml:"llm"`
	Database    DatabaseConfig    `toml:"database"`
	Web         WebConfig         `toml:"web"`
	Bus         BusConfig         `toml:"bus"`
	Resourcemon ResourcemonConfig `toml:"resourcemon"`
	Observer    ObserverConfig    `toml:"observer"`
}

type TelegramConfig struct {
	Token         string `toml:"token"`
	AllowedUserID string `toml:"allowed_user_id"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	BaseURL  string `toml:"base_url"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	RPM      int    `toml:"rpm"`
	TPM      int    `toml:"tpm"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// WebConfig configures the adapters/web HTTP listener.
type WebConfig struct {
	Addr string `toml:"addr"`
}

// BusConfig configures the bus NATS bridge.
type BusConfig struct {
	URL               string   `toml:"url"`
	InboundSubject    string   `toml:"inbound_subject"`
	ResponseSubject   string   `toml:"response_subject"`
	DeadLetterSubject string   `toml:"dead_letter_subject"`
	ValidAgentIDs     []string `toml:"valid_agent_ids"`
}

// ResourcemonConfig configures the resource subscription monitor's poll
// schedule.
type ResourcemonConfig struct {
	PollCron string `toml:"poll_cron"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		LLM:         LLMConfig{Provider: "openai", Model: "gpt-4o-mini", RPM: 60, TPM: 150000},
		Database:    DatabaseConfig{Path: filepath.Join(home, "corewire.db")},
		Web:         WebConfig{Addr: ":8080"},
		Bus:         BusConfig{InboundSubject: "corewire.prompt", ResponseSubject: "corewire.response", DeadLetterSubject: "corewire.deadletter"},
		Resourcemon: ResourcemonConfig{PollCron: "*/30 * * * * *"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "corewire.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("COREWIRE_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("COREWIRE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("COREWIRE_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("COREWIRE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("COREWIRE_WEB_ADDR"); v != "" {
		cfg.Web.Addr = v
	}
	if v := os.Getenv("COREWIRE_NATS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("COREWIRE_VALID_AGENT_IDS"); v != "" {
		cfg.Bus.ValidAgentIDs = strings.Split(v, ",")
	}
	if os.Getenv("COREWIRE_OBSERVER_ENABLED") == "true" || os.Getenv("COREWIRE_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
