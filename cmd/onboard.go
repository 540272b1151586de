package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/larkclaw/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard for the Feishu/Lark bot",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

// onboardAnswers collects the wizard's form values.
type onboardAnswers struct {
	appID, appSecret          string
	domain, connectionMode    string
	verificationToken, encKey string
	webhookPort               string
	renderMode                string
	streaming                 bool
	agentCommand              string
	agentSession              string
}

func runOnboard() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("Existing config is unreadable (%v), starting from defaults.\n", err)
		cfg = config.Default()
	}

	fs := cfg.Channels.Feishu
	a := onboardAnswers{
		appID:             fs.AppID,
		appSecret:         fs.AppSecret,
		domain:            fs.Domain,
		connectionMode:    fs.ConnectionMode,
		verificationToken: fs.VerificationToken,
		encKey:            fs.EncryptKey,
		webhookPort:       strconv.Itoa(fs.WebhookPort),
		renderMode:        fs.RenderMode,
		streaming:         fs.StreamingEnabled(),
		agentCommand:      cfg.Agent.Command,
		agentSession:      cfg.Agent.Session,
	}

	if err := onboardForm(&a).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return
		}
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}

	applyOnboardAnswers(cfg, a)
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid settings: %v\n", err)
		os.Exit(1)
	}

	fmt.Print("Verifying credentials...")
	if openID, err := verifyFeishuCredentials(context.Background(), cfg.Channels.Feishu); err != nil {
		fmt.Printf(" FAILED (%v)\n", err)
		var saveAnyway bool
		confirm := huh.NewConfirm().
			Title("Save the configuration anyway?").
			Value(&saveAnyway)
		if err := confirm.Run(); err != nil || !saveAnyway {
			os.Exit(1)
		}
	} else {
		fmt.Printf(" OK (bot: %s)\n", openID)
	}

	envPath := envFilePath(cfgPath)
	if err := saveCleanConfig(cfgPath, cfg); err != nil {
		fmt.Printf("Could not save config: %v\n", err)
		os.Exit(1)
	}
	if err := writeSecretsEnv(envPath, cfg.Channels.Feishu); err != nil {
		fmt.Printf("Could not save secrets: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Config saved to %s\n", cfgPath)
	fmt.Printf("Secrets saved to %s\n", envPath)
	fmt.Println()
	fmt.Println("Start the gateway with:  larkclaw")
}

func onboardForm(a *onboardAnswers) *huh.Form {
	required := func(label string) func(string) error {
		return func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s is required", label)
			}
			return nil
		}
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Platform").
				Options(
					huh.NewOption("Lark (international)", "lark"),
					huh.NewOption("Feishu (China)", "feishu"),
				).
				Value(&a.domain),
			huh.NewInput().
				Title("App ID").
				Placeholder("cli_xxxxxxxx").
				Value(&a.appID).
				Validate(required("app id")),
			huh.NewInput().
				Title("App Secret").
				EchoMode(huh.EchoModePassword).
				Value(&a.appSecret).
				Validate(required("app secret")),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("How should the bot receive events?").
				Options(
					huh.NewOption("WebSocket (no public URL needed)", "websocket"),
					huh.NewOption("Webhook (HTTP callback)", "webhook"),
				).
				Value(&a.connectionMode),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Webhook port").
				Value(&a.webhookPort).
				Validate(func(s string) error {
					if n, err := strconv.Atoi(s); err != nil || n <= 0 || n > 65535 {
						return fmt.Errorf("port must be 1-65535")
					}
					return nil
				}),
			huh.NewInput().
				Title("Verification token").
				Value(&a.verificationToken),
			huh.NewInput().
				Title("Encrypt key (optional)").
				EchoMode(huh.EchoModePassword).
				Value(&a.encKey),
		).WithHideFunc(func() bool { return a.connectionMode != "webhook" }),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Reply rendering").
				Options(
					huh.NewOption("Auto (cards for code and tables)", "auto"),
					huh.NewOption("Always cards", "card"),
					huh.NewOption("Plain text", "raw"),
				).
				Value(&a.renderMode),
			huh.NewConfirm().
				Title("Stream replies while the agent is typing?").
				Value(&a.streaming),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Agent command").
				Value(&a.agentCommand).
				Validate(required("agent command")),
			huh.NewInput().
				Title("Agent session").
				Value(&a.agentSession),
		),
	)
}

func applyOnboardAnswers(cfg *config.Config, a onboardAnswers) {
	fs := &cfg.Channels.Feishu
	fs.Enabled = true
	fs.AppID = strings.TrimSpace(a.appID)
	fs.AppSecret = strings.TrimSpace(a.appSecret)
	fs.Domain = a.domain
	fs.ConnectionMode = a.connectionMode
	fs.RenderMode = a.renderMode
	streaming := a.streaming
	fs.Streaming = &streaming
	if a.connectionMode == "webhook" {
		if port, err := strconv.Atoi(a.webhookPort); err == nil {
			fs.WebhookPort = port
		}
		fs.VerificationToken = strings.TrimSpace(a.verificationToken)
		fs.EncryptKey = strings.TrimSpace(a.encKey)
	}
	cfg.Agent.Command = strings.TrimSpace(a.agentCommand)
	cfg.Agent.Session = strings.TrimSpace(a.agentSession)
}

// writeSecretsEnv stores the credentials as a dotenv file readable only by
// the owner. The gateway loads it on start.
func writeSecretsEnv(path string, fs config.FeishuConfig) error {
	env := map[string]string{
		"LARKCLAW_FEISHU_APP_ID":     fs.AppID,
		"LARKCLAW_FEISHU_APP_SECRET": fs.AppSecret,
	}
	if fs.VerificationToken != "" {
		env["LARKCLAW_FEISHU_VERIFICATION_TOKEN"] = fs.VerificationToken
	}
	if fs.EncryptKey != "" {
		env["LARKCLAW_FEISHU_ENCRYPT_KEY"] = fs.EncryptKey
	}
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Chmod(path, 0600)
}
