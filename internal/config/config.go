package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the larkclaw gateway.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// AgentConfig describes the external agent CLI each inbound message is handed to.
// The prompt is appended as the value of MessageFlag.
type AgentConfig struct {
	Command     string   `json:"command"`                // executable (default "clawdbot")
	Args        []string `json:"args,omitempty"`         // leading args (default ["agent"])
	Session     string   `json:"session,omitempty"`      // passed as --agent (default "main")
	MessageFlag string   `json:"message_flag,omitempty"` // default "--message"
	TimeoutSec  int      `json:"timeout_sec,omitempty"`  // default 60
	WorkDir     string   `json:"work_dir,omitempty"`
	MaxParallel int      `json:"max_parallel,omitempty"` // concurrent agent runs (default 4)
	MaxAttempts int      `json:"max_attempts,omitempty"` // starts of an agent that fails before printing anything (default 2)
}

// GatewayConfig controls process-level surfaces.
type GatewayConfig struct {
	MetricsAddr string `json:"metrics_addr,omitempty"` // Prometheus listener, e.g. ":9464" (empty = off)
	LogLevel    string `json:"log_level,omitempty"`    // "debug", "info" (default), "warn", "error"
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection (local collectors)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "larkclaw")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Channels = src.Channels
	c.Gateway = src.Gateway
	c.Telemetry = src.Telemetry
}

// FeishuSnapshot returns a copy of the Feishu section safe to use while the
// config is being reloaded.
func (c *Config) FeishuSnapshot() FeishuConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Channels.Feishu
}
