package config

import (
	"strings"
	"testing"
	"time"
)

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "WS_PORT", "READ_TIMEOUT", "WRITE_TIMEOUT", "SHUTDOWN_TIMEOUT",
		"UPSTREAM_URL", "GRPC_ADDRESS", "GRPC_TIMEOUT", "WORKER_COUNT",
		"QUEUE_SIZE", "LOG_LEVEL", "CONFIG_FILE", "NATS_URL", "PROVIDER_NAME",
		"CAPTURE_LIMIT_BYTES",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearGatewayEnv(t)

	cfg := LoadConfig()

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.WSPort != "8081" {
		t.Errorf("expected default ws port 8081, got %q", cfg.WSPort)
	}
	if cfg.UpstreamURL != "https://api.openai.com" {
		t.Errorf("unexpected default upstream: %q", cfg.UpstreamURL)
	}
	if cfg.GRPCAddress != "localhost:50051" {
		t.Errorf("unexpected default grpc address: %q", cfg.GRPCAddress)
	}
	if cfg.GRPCTimeout != 30*time.Second {
		t.Errorf("unexpected default grpc timeout: %v", cfg.GRPCTimeout)
	}
	if cfg.WorkerCount != 10 || cfg.QueueSize != 1000 {
		t.Errorf("unexpected dispatcher defaults: %d/%d", cfg.WorkerCount, cfg.QueueSize)
	}
	if cfg.ReadTimeout != 30*time.Second || cfg.WriteTimeout != 120*time.Second {
		t.Errorf("unexpected server timeouts: %v/%v", cfg.ReadTimeout, cfg.WriteTimeout)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("unexpected shutdown timeout: %v", cfg.ShutdownTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("unexpected default log level: %q", cfg.LogLevel)
	}
	if cfg.CaptureLimitBytes != 1<<20 {
		t.Errorf("unexpected default capture limit: %d", cfg.CaptureLimitBytes)
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("WORKER_COUNT", "3")
	t.Setenv("QUEUE_SIZE", "50")
	t.Setenv("GRPC_TIMEOUT", "5s")
	t.Setenv("UPSTREAM_URL", "http://inference.internal:8000")

	cfg := LoadConfig()

	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %q", cfg.Port)
	}
	if cfg.WorkerCount != 3 || cfg.QueueSize != 50 {
		t.Errorf("unexpected dispatcher settings: %d/%d", cfg.WorkerCount, cfg.QueueSize)
	}
	if cfg.GRPCTimeout != 5*time.Second {
		t.Errorf("expected 5s grpc timeout, got %v", cfg.GRPCTimeout)
	}
	if cfg.UpstreamURL != "http://inference.internal:8000" {
		t.Errorf("unexpected upstream: %q", cfg.UpstreamURL)
	}
}

func TestLoadConfigInvalidValuesFallBack(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("WORKER_COUNT", "not-a-number")
	t.Setenv("GRPC_TIMEOUT", "soon")

	cfg := LoadConfig()

	if cfg.WorkerCount != 10 {
		t.Errorf("expected fallback worker count 10, got %d", cfg.WorkerCount)
	}
	if cfg.GRPCTimeout != 30*time.Second {
		t.Errorf("expected fallback grpc timeout 30s, got %v", cfg.GRPCTimeout)
	}
}

func TestLoadConfigFileOverlay(t *testing.T) {
	cfg := &Config{
		Port:        "8080",
		WorkerCount: 10,
		UpstreamURL: "https://api.openai.com",
	}

	doc := strings.NewReader("port: \"9999\"\nworker_count: 2\n")
	if err := LoadConfigFile(doc, cfg); err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}

	if cfg.Port != "9999" {
		t.Errorf("expected overlaid port 9999, got %q", cfg.Port)
	}
	if cfg.WorkerCount != 2 {
		t.Errorf("expected overlaid worker count 2, got %d", cfg.WorkerCount)
	}
	if cfg.UpstreamURL != "https://api.openai.com" {
		t.Errorf("keys absent from the document must be untouched, got %q", cfg.UpstreamURL)
	}
}

func TestLoadConfigFileMalformed(t *testing.T) {
	if err := LoadConfigFile(strings.NewReader("{not yaml"), &Config{}); err == nil {
		t.Error("expected an error for a malformed document")
	}
}
