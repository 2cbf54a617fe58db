package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
	// DBDSN is empty for the shared in-memory alert store.
	DBDSN string `yaml:"db_dsn"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	RateInterval      time.Duration `yaml:"rate_interval"`
	SampleInterval    time.Duration `yaml:"sample_interval"`
	HistorySize       int           `yaml:"history_size"`
	ScanBatchSize     int           `yaml:"scan_batch_size"`
	AlertRetention    time.Duration `yaml:"alert_retention"`
	AlertSuppression  time.Duration `yaml:"alert_suppression"`
	RetentionInterval time.Duration `yaml:"retention_interval"`

	Redis    RedisConfig    `yaml:"redis"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// RedisConfig describes the store to connect to at start. It is
// optional; the dashboard can start without a session.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Provider string `yaml:"provider"`
	// ConnectOnStart opens a session at start when a target is configured.
	ConnectOnStart bool `yaml:"connect_on_start"`
}

func (r RedisConfig) Configured() bool {
	return r.ConnectOnStart && (r.URL != "" || r.Host != "")
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

func defaults() Config {
	return Config{
		Addr:              ":8080",
		LogLevel:          "info",
		ConnectTimeout:    15 * time.Second,
		RateInterval:      2 * time.Second,
		SampleInterval:    10 * time.Second,
		HistorySize:       100,
		ScanBatchSize:     20,
		AlertRetention:    5 * time.Minute,
		AlertSuppression:  60 * time.Second,
		RetentionInterval: time.Minute,
		Redis:             RedisConfig{Port: 6379, ConnectOnStart: true},
	}
}

// Load builds the configuration from defaults, an optional YAML file
// named by APP_CONFIG_FILE and the environment, in that order. A .env
// file in the working directory is read first when present.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := defaults()
	if path := os.Getenv("APP_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(c *Config) {
	c.Addr = getenv("APP_ADDR", c.Addr)
	c.LogLevel = getenv("APP_LOG_LEVEL", c.LogLevel)
	c.DBDSN = getenv("APP_DB_DSN", c.DBDSN)
	c.ConnectTimeout = getenvDuration("APP_CONNECT_TIMEOUT", c.ConnectTimeout)
	c.RateInterval = getenvDuration("APP_RATE_INTERVAL", c.RateInterval)
	c.SampleInterval = getenvDuration("APP_SAMPLE_INTERVAL", c.SampleInterval)
	c.HistorySize = getenvInt("APP_HISTORY_SIZE", c.HistorySize)
	c.ScanBatchSize = getenvInt("APP_SCAN_BATCH_SIZE", c.ScanBatchSize)
	c.AlertRetention = getenvDuration("APP_ALERT_RETENTION", c.AlertRetention)
	c.AlertSuppression = getenvDuration("APP_ALERT_SUPPRESSION", c.AlertSuppression)
	c.RetentionInterval = getenvDuration("APP_RETENTION_INTERVAL", c.RetentionInterval)

	c.Redis.URL = getenv("REDIS_URL", c.Redis.URL)
	c.Redis.Host = getenv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getenvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Username = getenv("REDIS_USERNAME", c.Redis.Username)
	c.Redis.Password = getenv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getenvInt("REDIS_DB", c.Redis.DB)
	c.Redis.Provider = getenv("REDIS_PROVIDER", c.Redis.Provider)
	c.Redis.ConnectOnStart = getenvBool("APP_CONNECT_ON_START", c.Redis.ConnectOnStart)

	c.Telegram.BotToken = getenv("TELEGRAM_BOT_TOKEN", c.Telegram.BotToken)
	c.Telegram.ChatID = getenv("TELEGRAM_CHAT_ID", c.Telegram.ChatID)
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func getenvDuration(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return d
	}
	return dur
}

func getenvBool(k string, d bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return d
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	return d
}
