package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	ModeDebug   = "debug"
	ModeRelease = "release"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Questions   QuestionsConfig
	Game        GameConfig
	Leaderboard LeaderboardConfig
	AI          AIConfig
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Log         LogConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	URL string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type QuestionsConfig struct {
	File string
}

type GameConfig struct {
	DefaultQuestions int           `mapstructure:"default_questions"`
	SessionTTL       time.Duration `mapstructure:"session_ttl"`
}

type LeaderboardConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type AIConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
}

type RateLimitConfig struct {
	GeneratePerMinute int `mapstructure:"generate_per_minute"`
	Burst             int `mapstructure:"burst"`
}

type LogConfig struct {
	Level string
	File  string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", ModeRelease)
	v.SetDefault("redis.db", 0)
	v.SetDefault("questions.file", "questions.json")
	v.SetDefault("game.default_questions", 10)
	v.SetDefault("game.session_ttl", 24*time.Hour)
	v.SetDefault("leaderboard.cache_ttl", time.Minute)
	v.SetDefault("ai.base_url", "https://api.openai.com/v1")
	v.SetDefault("ai.model", "gpt-4")
	v.SetDefault("ai.timeout", 30*time.Second)
	v.SetDefault("ai.max_tokens", 500)
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("rate_limit.generate_per_minute", 10)
	v.SetDefault("rate_limit.burst", 3)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "logs/trivia.log")
}

// LoadConfig reads config.yaml from path when present and overlays the
// environment. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("TRIVIA")
	v.AutomaticEnv()

	setDefaults(v)

	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.mode", "SERVER_MODE")
	v.BindEnv("questions.file", "QUESTIONS_FILE")
	v.BindEnv("ai.base_url", "AI_BASE_URL")
	v.BindEnv("ai.api_key", "OPENAI_API_KEY")
	v.BindEnv("ai.model", "AI_MODEL")
	v.BindEnv("log.level", "LOG_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Mode != ModeDebug && cfg.Server.Mode != ModeRelease {
		return nil, fmt.Errorf("server.mode must be %q or %q, got %q", ModeDebug, ModeRelease, cfg.Server.Mode)
	}
	if cfg.Game.DefaultQuestions < 1 {
		return nil, fmt.Errorf("game.default_questions must be at least 1, got %d", cfg.Game.DefaultQuestions)
	}
	return &cfg, nil
}
