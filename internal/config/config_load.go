package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// DefaultPath is where the gateway looks for its config file.
const DefaultPath = "~/.larkclaw/config.json"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Command:     "clawdbot",
			Args:        []string{"agent"},
			Session:     "main",
			MessageFlag: "--message",
			TimeoutSec:  60,
			MaxParallel: 4,
			MaxAttempts: 2,
		},
		Channels: ChannelsConfig{
			Feishu: FeishuConfig{
				Domain:         "lark",
				ConnectionMode: "websocket",
				WebhookPort:    3000,
				WebhookPath:    "/feishu/events",
				DMPolicy:       "open",
				GroupPolicy:    "open",
				RenderMode:     "auto",
				TextChunkLimit: 4000,
				ChunkMode:      "length",
				HistoryLimit:   50,
			},
		},
		Gateway: GatewayConfig{
			LogLevel: "info",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "larkclaw",
		},
	}
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Variables already set win. Missing files are ignored.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		_ = godotenv.Load(ExpandHome(p))
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := os.Getenv(key); v != "" {
				*dst = v
				return
			}
		}
	}
	envInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string) (bool, bool) {
		v := os.Getenv(key)
		if v == "" {
			return false, false
		}
		return v == "true" || v == "1", true
	}

	// Feishu credentials. The bare names are what a plain .env for the bot carries.
	f := &c.Channels.Feishu
	envStr(&f.AppID, "LARKCLAW_FEISHU_APP_ID", "APP_ID")
	envStr(&f.AppSecret, "LARKCLAW_FEISHU_APP_SECRET", "APP_SECRET")
	envStr(&f.EncryptKey, "LARKCLAW_FEISHU_ENCRYPT_KEY", "ENCRYPT_KEY")
	envStr(&f.VerificationToken, "LARKCLAW_FEISHU_VERIFICATION_TOKEN", "VERIFICATION_TOKEN")
	envStr(&f.Domain, "LARKCLAW_FEISHU_DOMAIN")
	envStr(&f.ConnectionMode, "LARKCLAW_FEISHU_CONNECTION_MODE")
	envStr(&f.RenderMode, "LARKCLAW_FEISHU_RENDER_MODE")
	envInt(&f.WebhookPort, "LARKCLAW_FEISHU_WEBHOOK_PORT")
	if v, ok := envBool("LARKCLAW_FEISHU_STREAMING"); ok {
		f.Streaming = &v
	}

	// Auto-enable the channel if credentials are provided via env
	if f.AppID != "" && f.AppSecret != "" {
		f.Enabled = true
	}

	// Agent
	envStr(&c.Agent.Command, "LARKCLAW_AGENT_COMMAND")
	envStr(&c.Agent.Session, "LARKCLAW_AGENT_SESSION")
	envStr(&c.Agent.WorkDir, "LARKCLAW_AGENT_WORKDIR")
	envInt(&c.Agent.TimeoutSec, "LARKCLAW_AGENT_TIMEOUT_SEC")
	envInt(&c.Agent.MaxAttempts, "LARKCLAW_AGENT_MAX_ATTEMPTS")

	// Gateway
	envStr(&c.Gateway.MetricsAddr, "LARKCLAW_METRICS_ADDR")
	envStr(&c.Gateway.LogLevel, "LARKCLAW_LOG_LEVEL")

	// Telemetry
	envStr(&c.Telemetry.Endpoint, "LARKCLAW_TELEMETRY_ENDPOINT")
	envStr(&c.Telemetry.Protocol, "LARKCLAW_TELEMETRY_PROTOCOL")
	envStr(&c.Telemetry.ServiceName, "LARKCLAW_TELEMETRY_SERVICE_NAME")
	if v, ok := envBool("LARKCLAW_TELEMETRY_ENABLED"); ok {
		c.Telemetry.Enabled = v
	}
	if v, ok := envBool("LARKCLAW_TELEMETRY_INSECURE"); ok {
		c.Telemetry.Insecure = v
	}
}

// Validate reports configuration the gateway cannot start with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f := c.Channels.Feishu
	if f.Enabled && (f.AppID == "" || f.AppSecret == "") {
		return fmt.Errorf("feishu: app_id and app_secret are required")
	}
	switch f.ConnectionMode {
	case "", "websocket", "webhook":
	default:
		return fmt.Errorf("feishu: unknown connection_mode %q", f.ConnectionMode)
	}
	switch f.RenderMode {
	case "", "auto", "raw", "card":
	default:
		return fmt.Errorf("feishu: unknown render_mode %q", f.RenderMode)
	}
	switch f.ChunkMode {
	case "", "length", "newline":
	default:
		return fmt.Errorf("feishu: unknown chunk_mode %q", f.ChunkMode)
	}
	if strings.TrimSpace(c.Agent.Command) == "" {
		return fmt.Errorf("agent: command is required")
	}
	return nil
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by doctor to print the effective config.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Channels.Feishu.AppSecret)
	maskNonEmpty(&cp.Channels.Feishu.EncryptKey)
	maskNonEmpty(&cp.Channels.Feishu.VerificationToken)
	for k := range cp.Telemetry.Headers {
		cp.Telemetry.Headers[k] = secretMask
	}

	return cp
}

// StripSecrets zeros out all secret fields in the config.
// Used before saving to disk when secrets live in .env instead.
func (c *Config) StripSecrets() {
	c.Channels.Feishu.AppSecret = ""
	c.Channels.Feishu.EncryptKey = ""
	c.Channels.Feishu.VerificationToken = ""
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
