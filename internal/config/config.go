// Package config provides configuration management for the portfolio analysis
// service. It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Session  SessionConfig
	Analysis AnalysisConfig
	Market   MarketConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	HandshakeRPS    int // session handshake requests per second per client IP
	HandshakeBurst  int
}

// RedisConfig holds document store configuration
type RedisConfig struct {
	URL            string
	MaxConnections int
}

// SessionConfig holds per-session lifecycle configuration
type SessionConfig struct {
	TTL         time.Duration // key expiry, refreshed by every mutation
	IdleTimeout time.Duration // controller teardown threshold
	IDPrefix    string
}

// AnalysisConfig holds metric computation configuration
type AnalysisConfig struct {
	Metrics  []string
	DelayMin time.Duration
	DelayMax time.Duration
}

// MarketConfig holds market updater configuration
type MarketConfig struct {
	Interval     time.Duration
	Volatility   float64
	BasePrices   map[string]float64
	DefaultPrice float64
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// DefaultMetrics is the full metric set run by the analysis engine.
var DefaultMetrics = []string{
	"portfolio_risk",
	"concentration",
	"correlation",
	"momentum",
	"allocation_score",
}

var defaultBasePrices = map[string]float64{
	"AAPL":  185.0,
	"GOOGL": 140.0,
	"MSFT":  375.0,
	"AMZN":  155.0,
	"TSLA":  200.0,
	"META":  390.0,
	"NVDA":  650.0,
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8000"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			HandshakeRPS:    getEnvAsInt("SESSION_HANDSHAKE_RPS", 5),
			HandshakeBurst:  getEnvAsInt("SESSION_HANDSHAKE_BURST", 10),
		},
		Redis: RedisConfig{
			URL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),
			MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
		},
		Session: SessionConfig{
			TTL:         getEnvAsSeconds("SESSION_TTL_SECONDS", 86400*time.Second),
			IdleTimeout: getEnvAsSeconds("SESSION_IDLE_TIMEOUT_SECONDS", 60*time.Second),
			IDPrefix:    getEnv("SESSION_ID_PREFIX", "s"),
		},
		Analysis: AnalysisConfig{
			Metrics:  getEnvAsList("ANALYSIS_METRICS", DefaultMetrics),
			DelayMin: getEnvAsSeconds("ANALYSIS_DELAY_MIN_SECONDS", 2*time.Second),
			DelayMax: getEnvAsSeconds("ANALYSIS_DELAY_MAX_SECONDS", 5*time.Second),
		},
		Market: MarketConfig{
			Interval:     getEnvAsSeconds("MARKET_UPDATE_INTERVAL_SECONDS", 30*time.Second),
			Volatility:   getEnvAsFloat("MARKET_VOLATILITY", 0.02),
			BasePrices:   getEnvAsPriceMap("MARKET_BASE_PRICES", defaultBasePrices),
			DefaultPrice: getEnvAsFloat("MARKET_DEFAULT_PRICE", 100.0),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks configuration invariants that would otherwise surface as
// runtime misbehavior.
func (c *Config) Validate() error {
	if c.Session.TTL < time.Second {
		return fmt.Errorf("session TTL must be at least 1s, got %v", c.Session.TTL)
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %v", c.Session.IdleTimeout)
	}
	if c.Market.Interval <= 0 {
		return fmt.Errorf("market update interval must be positive, got %v", c.Market.Interval)
	}
	if c.Market.Volatility < 0 || c.Market.Volatility >= 1 {
		return fmt.Errorf("market volatility must be in [0,1), got %v", c.Market.Volatility)
	}
	if c.Analysis.DelayMin < 0 || c.Analysis.DelayMax < c.Analysis.DelayMin {
		return fmt.Errorf("analysis delay range [%v,%v] is invalid", c.Analysis.DelayMin, c.Analysis.DelayMax)
	}
	if len(c.Analysis.Metrics) == 0 {
		return fmt.Errorf("analysis metric set must not be empty")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL must not be empty")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSeconds gets an environment variable holding a number of seconds
func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return time.Duration(value * float64(time.Second))
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList gets a comma-separated environment variable as a string slice
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	parts := strings.Split(valueStr, ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			values = append(values, p)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}

// getEnvAsPriceMap parses "TICKER:price,TICKER:price" pairs
func getEnvAsPriceMap(key string, defaultValue map[string]float64) map[string]float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	prices := make(map[string]float64)
	for _, pair := range strings.Split(valueStr, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			continue
		}
		price, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		prices[strings.ToUpper(parts[0])] = price
	}
	if len(prices) == 0 {
		return defaultValue
	}
	return prices
}
