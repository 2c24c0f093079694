package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
}

type DatabaseConfig struct {
	Path           string        `json:"path"`
	MigrationsPath string        `json:"migrations_path"`
	Timeout        time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`

	// PublicURL is the externally reachable base for pairing links,
	// e.g. "wss://proctor.example.edu".
	PublicURL string `json:"public_url"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./proctorhub.db",
			MigrationsPath: "./migrations",
			Timeout:        30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			PublicURL:    "ws://localhost:8080",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
	}
}

func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MigrationsPath == "" {
		return fmt.Errorf("migrations path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.PublicURL == "" {
		return fmt.Errorf("public URL cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= 0 {
		return fmt.Errorf("WebSocket read timeout must be positive")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	return nil
}

// LoadFromEnv reads overrides from PROCTORHUB_* environment variables. A
// .env file in the working directory is loaded first when present;
// variables already set in the environment win over .env entries.
func LoadFromEnv() *Config {
	_ = godotenv.Load()

	config := DefaultConfig()

	if port := os.Getenv("PROCTORHUB_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if host := os.Getenv("PROCTORHUB_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if publicURL := os.Getenv("PROCTORHUB_PUBLIC_URL"); publicURL != "" {
		config.HTTP.PublicURL = publicURL
	}
	if readTimeout := os.Getenv("PROCTORHUB_HTTP_READ_TIMEOUT"); readTimeout != "" {
		if timeout, err := time.ParseDuration(readTimeout); err == nil {
			config.HTTP.ReadTimeout = timeout
		}
	}
	if writeTimeout := os.Getenv("PROCTORHUB_HTTP_WRITE_TIMEOUT"); writeTimeout != "" {
		if timeout, err := time.ParseDuration(writeTimeout); err == nil {
			config.HTTP.WriteTimeout = timeout
		}
	}

	if dbPath := os.Getenv("PROCTORHUB_DATABASE_PATH"); dbPath != "" {
		config.Database.Path = dbPath
	}
	if migrationsPath := os.Getenv("PROCTORHUB_MIGRATIONS_PATH"); migrationsPath != "" {
		config.Database.MigrationsPath = migrationsPath
	}
	if dbTimeout := os.Getenv("PROCTORHUB_DATABASE_TIMEOUT"); dbTimeout != "" {
		if timeout, err := time.ParseDuration(dbTimeout); err == nil {
			config.Database.Timeout = timeout
		}
	}

	if pingInterval := os.Getenv("PROCTORHUB_WEBSOCKET_PING_INTERVAL"); pingInterval != "" {
		if interval, err := time.ParseDuration(pingInterval); err == nil {
			config.WebSocket.PingInterval = interval
		}
	}
	if wsReadTimeout := os.Getenv("PROCTORHUB_WEBSOCKET_READ_TIMEOUT"); wsReadTimeout != "" {
		if timeout, err := time.ParseDuration(wsReadTimeout); err == nil {
			config.WebSocket.ReadTimeout = timeout
		}
	}
	if wsWriteTimeout := os.Getenv("PROCTORHUB_WEBSOCKET_WRITE_TIMEOUT"); wsWriteTimeout != "" {
		if timeout, err := time.ParseDuration(wsWriteTimeout); err == nil {
			config.WebSocket.WriteTimeout = timeout
		}
	}
	if bufferSize := os.Getenv("PROCTORHUB_WEBSOCKET_BUFFER_SIZE"); bufferSize != "" {
		if size, err := strconv.Atoi(bufferSize); err == nil {
			config.WebSocket.BufferSize = size
		}
	}

	return config
}

// configFile mirrors Config with durations as strings for JSON parsing.
type configFile struct {
	Database  *databaseConfigFile  `json:"database"`
	HTTP      *httpConfigFile      `json:"http"`
	WebSocket *webSocketConfigFile `json:"websocket"`
}

type databaseConfigFile struct {
	Path           string `json:"path"`
	MigrationsPath string `json:"migrations_path"`
	Timeout        string `json:"timeout"`
}

type httpConfigFile struct {
	Port         int    `json:"port"`
	Host         string `json:"host"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	PublicURL    string `json:"public_url"`
}

type webSocketConfigFile struct {
	PingInterval string `json:"ping_interval"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	BufferSize   int    `json:"buffer_size"`
}

// LoadFromFile reads a JSON config file on top of env-derived settings.
func LoadFromFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	config := LoadFromEnv()

	if file.Database != nil {
		if file.Database.Path != "" {
			config.Database.Path = file.Database.Path
		}
		if file.Database.MigrationsPath != "" {
			config.Database.MigrationsPath = file.Database.MigrationsPath
		}
		if file.Database.Timeout != "" {
			if timeout, err := time.ParseDuration(file.Database.Timeout); err == nil {
				config.Database.Timeout = timeout
			}
		}
	}

	if file.HTTP != nil {
		if file.HTTP.Port > 0 {
			config.HTTP.Port = file.HTTP.Port
		}
		if file.HTTP.Host != "" {
			config.HTTP.Host = file.HTTP.Host
		}
		if file.HTTP.PublicURL != "" {
			config.HTTP.PublicURL = file.HTTP.PublicURL
		}
		if file.HTTP.ReadTimeout != "" {
			if timeout, err := time.ParseDuration(file.HTTP.ReadTimeout); err == nil {
				config.HTTP.ReadTimeout = timeout
			}
		}
		if file.HTTP.WriteTimeout != "" {
			if timeout, err := time.ParseDuration(file.HTTP.WriteTimeout); err == nil {
				config.HTTP.WriteTimeout = timeout
			}
		}
	}

	if file.WebSocket != nil {
		if file.WebSocket.BufferSize > 0 {
			config.WebSocket.BufferSize = file.WebSocket.BufferSize
		}
		if file.WebSocket.PingInterval != "" {
			if interval, err := time.ParseDuration(file.WebSocket.PingInterval); err == nil {
				config.WebSocket.PingInterval = interval
			}
		}
		if file.WebSocket.ReadTimeout != "" {
			if timeout, err := time.ParseDuration(file.WebSocket.ReadTimeout); err == nil {
				config.WebSocket.ReadTimeout = timeout
			}
		}
		if file.WebSocket.WriteTimeout != "" {
			if timeout, err := time.ParseDuration(file.WebSocket.WriteTimeout); err == nil {
				config.WebSocket.WriteTimeout = timeout
			}
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}

	return config, nil
}

// Load resolves configuration with precedence file > environment (with
// .env) > defaults. A missing or unreadable file falls back to the
// env-derived config.
func Load(filepath string) *Config {
	config := LoadFromEnv()

	if filepath != "" {
		if fileConfig, err := LoadFromFile(filepath); err == nil {
			config = fileConfig
		}
	}

	return config
}
