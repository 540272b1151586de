package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joho/godotenv"

	"github.com/nextlevelbuilder/larkclaw/internal/channels/feishu"
	"github.com/nextlevelbuilder/larkclaw/internal/config"
)

func TestCanAutoOnboard(t *testing.T) {
	for _, keys := range credentialEnvKeys {
		t.Setenv(keys[0], "")
		t.Setenv(keys[1], "")
	}
	if canAutoOnboard() {
		t.Fatal("canAutoOnboard() = true with no credentials")
	}

	t.Setenv("LARKCLAW_FEISHU_APP_ID", "cli_x")
	if canAutoOnboard() {
		t.Error("canAutoOnboard() = true with app id only")
	}
	t.Setenv("LARKCLAW_FEISHU_APP_SECRET", "secret")
	if !canAutoOnboard() {
		t.Error("canAutoOnboard() = false with both credentials")
	}
}

func TestApplyOnboardAnswers(t *testing.T) {
	cfg := config.Default()
	applyOnboardAnswers(cfg, onboardAnswers{
		appID:             " cli_x ",
		appSecret:         "secret",
		domain:            "feishu",
		connectionMode:    "webhook",
		webhookPort:       "8080",
		verificationToken: "vt",
		renderMode:        "card",
		streaming:         false,
		agentCommand:      "clawdbot",
		agentSession:      "ops",
	})

	fs := cfg.Channels.Feishu
	if !fs.Enabled || fs.AppID != "cli_x" || fs.Domain != "feishu" || fs.WebhookPort != 8080 || fs.VerificationToken != "vt" {
		t.Errorf("feishu = %+v", fs)
	}
	if fs.StreamingEnabled() {
		t.Error("streaming should be off")
	}
	if cfg.Agent.Session != "ops" {
		t.Errorf("session = %q", cfg.Agent.Session)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyOnboardAnswers_WebSocketIgnoresWebhookFields(t *testing.T) {
	cfg := config.Default()
	applyOnboardAnswers(cfg, onboardAnswers{
		appID: "a", appSecret: "b", domain: "lark", connectionMode: "websocket",
		webhookPort: "9999", verificationToken: "vt", renderMode: "auto", agentCommand: "x",
	})
	if cfg.Channels.Feishu.WebhookPort != 3000 || cfg.Channels.Feishu.VerificationToken != "" {
		t.Errorf("webhook fields applied in websocket mode: %+v", cfg.Channels.Feishu)
	}
}

func TestSaveCleanConfigAndSecretsEnv(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	envPath := envFilePath(cfgPath)

	cfg := config.Default()
	cfg.Channels.Feishu.Enabled = true
	cfg.Channels.Feishu.AppID = "cli_x"
	cfg.Channels.Feishu.AppSecret = "top-secret"
	cfg.Channels.Feishu.EncryptKey = "enc"

	if err := saveCleanConfig(cfgPath, cfg); err != nil {
		t.Fatalf("saveCleanConfig: %v", err)
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "top-secret") || strings.Contains(string(data), `"enc"`) {
		t.Errorf("secrets written to config: %s", data)
	}
	if cfg.Channels.Feishu.AppSecret != "top-secret" {
		t.Error("saveCleanConfig modified the caller's config")
	}

	if err := writeSecretsEnv(envPath, cfg.Channels.Feishu); err != nil {
		t.Fatalf("writeSecretsEnv: %v", err)
	}
	env, err := godotenv.Read(envPath)
	if err != nil {
		t.Fatal(err)
	}
	if env["LARKCLAW_FEISHU_APP_SECRET"] != "top-secret" || env["LARKCLAW_FEISHU_ENCRYPT_KEY"] != "enc" {
		t.Errorf("env = %v", env)
	}
	if _, ok := env["LARKCLAW_FEISHU_VERIFICATION_TOKEN"]; ok {
		t.Error("empty verification token should be omitted")
	}
	info, err := os.Stat(envPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("env file mode = %o, want 600", perm)
	}
}

func TestClassifyProbeError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"rejected", fmt.Errorf("fetch bot info: %w", &feishu.APIError{Op: "tenant token", Code: 10014, Msg: "app secret invalid"}), true},
		{"rate limited", &feishu.APIError{Op: "bot info", Code: 99991400}, false},
		{"timeout", fmt.Errorf("lark token request: %w", context.DeadlineExceeded), false},
		{"network", fmt.Errorf("dial tcp: connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyProbeError(tt.err); got.fatal != tt.fatal {
				t.Errorf("classifyProbeError(%v).fatal = %v, want %v", tt.err, got.fatal, tt.fatal)
			}
		})
	}
}

func TestCredentialStatus(t *testing.T) {
	tests := []struct {
		fs   config.FeishuConfig
		want string
	}{
		{config.FeishuConfig{}, "missing"},
		{config.FeishuConfig{AppID: "a"}, "incomplete"},
		{config.FeishuConfig{AppID: "a", AppSecret: "b", ConnectionMode: "webhook"}, "set (webhook requests are not verified)"},
		{config.FeishuConfig{AppID: "a", AppSecret: "b", ConnectionMode: "websocket"}, "set"},
	}
	for _, tt := range tests {
		if got := credentialStatus(tt.fs); got != tt.want {
			t.Errorf("credentialStatus(%+v) = %q, want %q", tt.fs, got, tt.want)
		}
	}
}

func TestGuessContentType(t *testing.T) {
	tests := map[string]string{
		"photo.PNG":                    "image/png",
		"https://x.test/a.jpg?sig=abc": "image/jpeg",
		"/tmp/report.pdf":              "application/pdf",
		"noext":                        "",
	}
	for in, want := range tests {
		if got := guessContentType(in); got != want {
			t.Errorf("guessContentType(%q) = %q, want %q", in, got, want)
		}
	}
}
