package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the PML gateway.
type Config struct {
	Port    int
	Version string

	Cloud     CloudConfig
	Sandbox   SandboxConfig
	Gateway   GatewayConfig
	Database  DatabaseConfig
	Telemetry TelemetryConfig
}

// CloudConfig configures the remote planning service.
type CloudConfig struct {
	URL       string
	APIKey    string
	Workspace string // directory holding the env file reloaded on continuation
	Org       string
	Project   string
	TimeoutMs int
}

// SandboxConfig bounds untrusted code execution.
type SandboxConfig struct {
	Runtime    string // sandbox runtime binary (deno)
	TimeoutMs  int
	MaxHeapMB  int
	AllowPaths []string
}

// GatewayConfig tunes the MCP surface.
type GatewayConfig struct {
	MaxConcurrent int
	QueueSize     int
	PendingTTL    time.Duration
	MaxSSEClients int
	HeartbeatMs   int
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("PML_PORT", 8090),
		Version: envStr("PML_VERSION", "0.4.0"),
		Cloud: CloudConfig{
			URL:       envStr("PML_CLOUD_URL", "https://api.pml.dev"),
			APIKey:    envStr("PML_API_KEY", ""),
			Workspace: envStr("PML_WORKSPACE", "."),
			Org:       envStr("PML_ORG", "local"),
			Project:   envStr("PML_PROJECT", "default"),
			TimeoutMs: envInt("PML_CLOUD_TIMEOUT_MS", 60000),
		},
		Sandbox: SandboxConfig{
			Runtime:    envStr("PML_SANDBOX_RUNTIME", "deno"),
			TimeoutMs:  envInt("PML_SANDBOX_TIMEOUT_MS", 30000),
			MaxHeapMB:  envInt("PML_SANDBOX_MAX_HEAP_MB", 512),
			AllowPaths: envList("PML_SANDBOX_ALLOW_PATHS"),
		},
		Gateway: GatewayConfig{
			MaxConcurrent: envInt("PML_MAX_CONCURRENT", 8),
			QueueSize:     envInt("PML_QUEUE_SIZE", 32),
			PendingTTL:    time.Duration(envInt("PML_PENDING_TTL_MS", 15*60*1000)) * time.Millisecond,
			MaxSSEClients: envInt("PML_MAX_SSE_CLIENTS", 100),
			HeartbeatMs:   envInt("PML_SSE_HEARTBEAT_MS", 30000),
		},
		Database: DatabaseConfig{
			URL:            envStr("PML_DATABASE_URL", ""),
			MaxConnections: envInt("PML_DATABASE_MAX_CONNECTIONS", 10),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "pml-gateway"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
