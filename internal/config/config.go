package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	AI       AIConfig       `yaml:"ai"`
	Voice    VoiceConfig    `yaml:"voice"`
	Game     GameConfig     `yaml:"game"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	MySQL MySQLConfig `yaml:"mysql"`
	Redis RedisConfig `yaml:"redis"`
}

type MySQLConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

type AIConfig struct {
	Provider   string       `yaml:"provider"` // "openai" or "gemini"
	OpenAI     OpenAIConfig `yaml:"openai"`
	Gemini     GeminiConfig `yaml:"gemini"`
	PromptsDir string       `yaml:"prompts_dir"`
}

type OpenAIConfig struct {
	BaseURL            string  `yaml:"base_url"`
	APIKey             string  `yaml:"api_key"`
	Model              string  `yaml:"model"`
	TranscriptionModel string  `yaml:"transcription_model"`
	MaxTokens          int     `yaml:"max_tokens"`
	Temperature        float32 `yaml:"temperature"`
}

type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type VoiceConfig struct {
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	CacheDir   string           `yaml:"cache_dir"`
	MaxEntries int              `yaml:"max_entries"`
	CacheTTL   time.Duration    `yaml:"cache_ttl"`
	Revoice    bool             `yaml:"revoice"`
}

type ElevenLabsConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	ModelID string        `yaml:"model_id"`
	Timeout time.Duration `yaml:"timeout"`
}

type GameConfig struct {
	CatalogPath         string        `yaml:"catalog_path"`
	MaxMessagesPerRound int           `yaml:"max_messages_per_round"`
	HistoryWindow       int           `yaml:"history_window"`
	ResolutionDelay     time.Duration `yaml:"resolution_delay"`
	FinalDelay          time.Duration `yaml:"final_delay"`
	NeutralPerformance  int           `yaml:"neutral_performance"`
	SnapshotTTL         time.Duration `yaml:"snapshot_ttl"`
	SessionIdle         time.Duration `yaml:"session_idle"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// secrets are read from the environment and win over the file
type secrets struct {
	OpenAIKey     string `env:"OPENAI_API_KEY"`
	GeminiKey     string `env:"GEMINI_API_KEY"`
	ElevenLabsKey string `env:"ELEVENLABS_API_KEY"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	MySQLPassword string `env:"MYSQL_PASSWORD"`
	AIProvider    string `env:"DUEL_AI_PROVIDER"`
}

// Default returns a configuration that runs without any external service
// except the AI provider.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		return cfg, cfg.applyEnv()
	}
	return cfg, err
}

func (c *Config) applyEnv() error {
	var s secrets
	if err := env.Parse(&s); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	if s.OpenAIKey != "" {
		c.AI.OpenAI.APIKey = s.OpenAIKey
	}
	if s.GeminiKey != "" {
		c.AI.Gemini.APIKey = s.GeminiKey
	}
	if s.ElevenLabsKey != "" {
		c.Voice.ElevenLabs.APIKey = s.ElevenLabsKey
	}
	if s.RedisPassword != "" {
		c.Database.Redis.Password = s.RedisPassword
	}
	if s.MySQLPassword != "" {
		c.Database.MySQL.Password = s.MySQLPassword
	}
	if s.AIProvider != "" {
		c.AI.Provider = s.AIProvider
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 120 * time.Second
	}

	if c.Database.Redis.Host == "" {
		c.Database.Redis.Host = "localhost"
	}
	if c.Database.Redis.Port == 0 {
		c.Database.Redis.Port = 6379
	}
	if c.Database.Redis.KeyPrefix == "" {
		c.Database.Redis.KeyPrefix = "duel:session:"
	}
	if c.Database.MySQL.Port == 0 {
		c.Database.MySQL.Port = 3306
	}

	if c.AI.Provider == "" {
		c.AI.Provider = "openai"
	}
	if c.AI.OpenAI.Model == "" {
		c.AI.OpenAI.Model = "gpt-4o-mini"
	}
	if c.AI.OpenAI.TranscriptionModel == "" {
		c.AI.OpenAI.TranscriptionModel = "whisper-1"
	}
	if c.AI.OpenAI.MaxTokens == 0 {
		c.AI.OpenAI.MaxTokens = 300
	}
	if c.AI.OpenAI.Temperature == 0 {
		c.AI.OpenAI.Temperature = 0.8
	}
	if c.AI.Gemini.Model == "" {
		c.AI.Gemini.Model = "gemini-2.5-flash"
	}

	if c.Voice.ElevenLabs.BaseURL == "" {
		c.Voice.ElevenLabs.BaseURL = "https://api.elevenlabs.io"
	}
	if c.Voice.ElevenLabs.ModelID == "" {
		c.Voice.ElevenLabs.ModelID = "eleven_multilingual_v2"
	}
	if c.Voice.ElevenLabs.Timeout == 0 {
		c.Voice.ElevenLabs.Timeout = 60 * time.Second
	}
	if c.Voice.CacheDir == "" {
		c.Voice.CacheDir = "./data/audio_cache"
	}
	if c.Voice.MaxEntries == 0 {
		c.Voice.MaxEntries = 500
	}

	if c.Game.MaxMessagesPerRound == 0 {
		c.Game.MaxMessagesPerRound = 5
	}
	if c.Game.HistoryWindow == 0 {
		c.Game.HistoryWindow = 10
	}
	if c.Game.ResolutionDelay == 0 {
		c.Game.ResolutionDelay = 3 * time.Second
	}
	if c.Game.FinalDelay == 0 {
		c.Game.FinalDelay = 2 * time.Second
	}
	if c.Game.NeutralPerformance == 0 {
		c.Game.NeutralPerformance = 5
	}
	if c.Game.SnapshotTTL == 0 {
		c.Game.SnapshotTTL = 7 * 24 * time.Hour
	}
	if c.Game.SessionIdle == 0 {
		c.Game.SessionIdle = 2 * time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
}
