package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string `yaml:"port"`
	WSPort  string `yaml:"ws_port"`
	GinMode string `yaml:"gin_mode"`

	// Proxy HTTP server
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Upstream inference endpoint
	UpstreamURL     string        `yaml:"upstream_url"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`

	// HTTP Transport Connection Pool
	ProxyMaxIdleConns        int           `yaml:"proxy_max_idle_conns"`
	ProxyMaxIdleConnsPerHost int           `yaml:"proxy_max_idle_conns_per_host"`
	ProxyIdleConnTimeout     time.Duration `yaml:"proxy_idle_conn_timeout"`

	// Verifier RPC
	GRPCAddress string        `yaml:"grpc_address"`
	GRPCTimeout time.Duration `yaml:"grpc_timeout"`

	// Audit dispatcher worker pool
	WorkerCount int `yaml:"worker_count"`
	QueueSize   int `yaml:"queue_size"`

	// Streaming capture cap in bytes; 0 disables the cap.
	CaptureLimitBytes int64 `yaml:"capture_limit_bytes"`

	// Provider tag attached to broadcast events.
	ProviderName string `yaml:"provider_name"`

	// NATS event bridge; empty disables cross-instance fan-out.
	NatsURL string `yaml:"nats_url"`

	// CORS (monitor server)
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`

	// Background monitor
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

var AppConfig *Config

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		WSPort:  getEnvOrDefault("WS_PORT", "8081"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Proxy HTTP server
		ReadTimeout:     getEnvAsDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvAsDuration("WRITE_TIMEOUT", 120*time.Second),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		// Upstream
		UpstreamURL:     getEnvOrDefault("UPSTREAM_URL", "https://api.openai.com"),
		UpstreamTimeout: getEnvAsDuration("UPSTREAM_TIMEOUT", 5*time.Minute),

		// HTTP Transport Connection Pool
		ProxyMaxIdleConns:        getEnvAsInt("MAX_IDLE_CONNS", 100),
		ProxyMaxIdleConnsPerHost: getEnvAsInt("MAX_IDLE_CONNS_PER_HOST", 10),
		ProxyIdleConnTimeout:     getEnvAsDuration("IDLE_CONN_TIMEOUT", 90*time.Second),

		// Verifier RPC
		GRPCAddress: getEnvOrDefault("GRPC_ADDRESS", "localhost:50051"),
		GRPCTimeout: getEnvAsDuration("GRPC_TIMEOUT", 30*time.Second),

		// Audit dispatcher
		WorkerCount: getEnvAsInt("WORKER_COUNT", 10),
		QueueSize:   getEnvAsInt("QUEUE_SIZE", 1000),

		// Capture
		CaptureLimitBytes: getEnvAsInt64("CAPTURE_LIMIT_BYTES", 1<<20),

		// Broadcast provider tag
		ProviderName: getEnvOrDefault("PROVIDER_NAME", "openai"),

		// NATS
		NatsURL: getEnvOrDefault("NATS_URL", ""),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"),

		// Background monitor
		MonitorInterval: getEnvAsDuration("MONITOR_INTERVAL", 30*time.Second),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "json"),
	}

	// Optional settings file.
	//
	// TODO: environment variables should take precedence over the file, but
	// that needs the load order reworked; for now only put settings in the
	// file that are not also set via environment variables.
	if configFilePath := os.Getenv("CONFIG_FILE"); configFilePath != "" {
		configFile, err := os.Open(configFilePath)
		if err != nil {
			log.Fatalf("Failed to open config file: %v", err)
		}
		defer configFile.Close()

		if err := LoadConfigFile(configFile, AppConfig); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
		log.Printf("Loaded config file: %v", configFilePath)
	}

	if AppConfig.GRPCAddress == "" {
		log.Println("Warning: GRPC_ADDRESS is empty; responses will not be verified.")
	}

	if AppConfig.NatsURL != "" {
		log.Println("NATS event bridge enabled")
	}

	return AppConfig
}

// LoadConfigFile decodes a YAML settings document over an existing config.
// Only keys present in the document are touched.
func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int64, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
