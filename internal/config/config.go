package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/pratik-mahalle/driftwatch/internal/db"
	"github.com/pratik-mahalle/driftwatch/internal/hasher"
	"github.com/pratik-mahalle/driftwatch/internal/syncer"
)

// Config holds all application configuration
type Config struct {
	Agent   AgentConfig
	Sync    SyncConfig
	Server  ServerConfig
	Logging LoggingConfig
}

// AgentConfig contains detection configuration
type AgentConfig struct {
	ID string
	// DataDir holds change-sets, deployment markers and the state database
	DataDir string
	// ResourceRoot resolves base directories of non-filesystem contexts
	ResourceRoot    string
	DefinitionsFile string
	TickInterval    time.Duration
	Workers         int
	ScanTimeout     time.Duration
	HashAlgorithm   string
}

// SyncConfig contains remote collector configuration
type SyncConfig struct {
	CollectorURL string
	APIKey       string
	Timeout      time.Duration
	QueueSize    int
	Workers      int
	Compression  string
}

// Enabled reports whether a collector is configured
func (s SyncConfig) Enabled() bool {
	return s.CollectorURL != ""
}

// ServerConfig contains agent HTTP API configuration
type ServerConfig struct {
	Enabled         bool
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string
	Format     string // json or console
	OutputPath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors as it's optional)
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	dataDir := getEnv("DATA_DIR", "./data")

	cfg := &Config{
		Agent: AgentConfig{
			ID:              getEnv("AGENT_ID", hostname),
			DataDir:         dataDir,
			ResourceRoot:    getEnv("RESOURCE_ROOT", filepath.Join(dataDir, "resources")),
			DefinitionsFile: getEnv("DEFINITIONS_FILE", "./definitions.yaml"),
			TickInterval:    getEnvAsDuration("TICK_INTERVAL", time.Second),
			Workers:         getEnvAsInt("DETECTOR_WORKERS", 2),
			ScanTimeout:     getEnvAsDuration("SCAN_TIMEOUT", 5*time.Minute),
			HashAlgorithm:   getEnv("HASH_ALGORITHM", string(hasher.Default)),
		},
		Sync: SyncConfig{
			CollectorURL: getEnv("COLLECTOR_URL", ""),
			APIKey:       getEnv("COLLECTOR_API_KEY", ""),
			Timeout:      getEnvAsDuration("SYNC_TIMEOUT", 60*time.Second),
			QueueSize:    getEnvAsInt("SYNC_QUEUE_SIZE", 64),
			Workers:      getEnvAsInt("SYNC_WORKERS", 1),
			Compression:  getEnv("SYNC_COMPRESSION", string(syncer.CompressionDeflate)),
		},
		Server: ServerConfig{
			Enabled:         getEnvAsBool("SERVER_ENABLED", true),
			Host:            getEnv("SERVER_HOST", "127.0.0.1"),
			Port:            getEnvAsInt("SERVER_PORT", 9470),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			RateLimitRPS:    getEnvAsFloat("RATE_LIMIT_RPS", 10),
			RateLimitBurst:  getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			OutputPath: getEnv("LOG_OUTPUT", "stdout"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Agent.DataDir == "" {
		return fmt.Errorf("DATA_DIR must be set")
	}
	if c.Agent.TickInterval <= 0 {
		return fmt.Errorf("invalid tick interval: %s", c.Agent.TickInterval)
	}
	if c.Agent.Workers < 1 || c.Agent.Workers > 32 {
		return fmt.Errorf("detector workers must be between 1 and 32, got %d", c.Agent.Workers)
	}
	if _, err := hasher.New(hasher.Algorithm(c.Agent.HashAlgorithm)); err != nil {
		return err
	}
	if _, err := syncer.ParseCompression(c.Sync.Compression); err != nil {
		return err
	}
	if c.Sync.QueueSize < 1 {
		return fmt.Errorf("invalid sync queue size: %d", c.Sync.QueueSize)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	return nil
}

// StateDBPath is the location of the sync state database
func (c *Config) StateDBPath() string {
	return filepath.Join(c.Agent.DataDir, db.StateFile)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
