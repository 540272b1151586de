package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/larkclaw/internal/channels/feishu"
	"github.com/nextlevelbuilder/larkclaw/internal/config"
	"github.com/nextlevelbuilder/larkclaw/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	var showConfig bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(showConfig)
		},
	}
	cmd.Flags().BoolVar(&showConfig, "show-config", false, "print the effective config with secrets masked")
	return cmd
}

func runDoctor(showConfig bool) {
	fmt.Println("larkclaw doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath, cfg, err := loadConfig()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, statErr := os.Stat(cfgPath); statErr != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	}

	fs := cfg.Channels.Feishu
	fmt.Println()
	fmt.Println("  Feishu/Lark:")
	fmt.Printf("    %-12s %v\n", "Enabled:", fs.Enabled)
	fmt.Printf("    %-12s %s\n", "Domain:", fs.Domain)
	fmt.Printf("    %-12s %s\n", "Connection:", fs.ConnectionMode)
	fmt.Printf("    %-12s %s\n", "Render:", fs.RenderMode)
	fmt.Printf("    %-12s %v (groups: %v)\n", "Streaming:", fs.StreamingEnabled(), fs.StreamInGroupsEnabled())
	fmt.Printf("    %-12s %d (%s)\n", "Chunk limit:", fs.TextChunkLimit, fs.ChunkMode)
	fmt.Printf("    %-12s %s\n", "Credentials:", credentialStatus(fs))

	fmt.Println()
	fmt.Println("  Agent:")
	fmt.Printf("    %-12s %s", "Command:", cfg.Agent.Command)
	if path, lookErr := exec.LookPath(config.ExpandHome(cfg.Agent.Command)); lookErr != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Printf(" (%s)\n", path)
	}
	fmt.Printf("    %-12s %s\n", "Session:", cfg.Agent.Session)
	fmt.Printf("    %-12s %ds\n", "Timeout:", cfg.Agent.TimeoutSec)

	fmt.Println()
	fmt.Println("  Observability:")
	if cfg.Gateway.MetricsAddr != "" {
		fmt.Printf("    %-12s %s/metrics\n", "Metrics:", cfg.Gateway.MetricsAddr)
	} else {
		fmt.Printf("    %-12s disabled\n", "Metrics:")
	}
	if cfg.Telemetry.Enabled {
		fmt.Printf("    %-12s %s (%s)\n", "Tracing:", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	} else {
		fmt.Printf("    %-12s disabled\n", "Tracing:")
	}

	if showConfig {
		data, _ := json.MarshalIndent(cfg.MaskedCopy(), "  ", "  ")
		fmt.Println()
		fmt.Printf("  %s\n", data)
	}

	if fs.AppID == "" || fs.AppSecret == "" {
		return
	}
	fmt.Println()
	fmt.Print("  Probing bot identity...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if openID, err := probeFeishu(ctx, fs); err != nil {
		fmt.Printf(" FAILED (%s)\n", err)
	} else {
		fmt.Printf(" OK (open_id: %s)\n", openID)
	}
}

func credentialStatus(fs config.FeishuConfig) string {
	switch {
	case fs.AppID == "" && fs.AppSecret == "":
		return "missing"
	case fs.AppID == "" || fs.AppSecret == "":
		return "incomplete"
	case fs.ConnectionMode == "webhook" && fs.VerificationToken == "" && fs.EncryptKey == "":
		return "set (webhook requests are not verified)"
	default:
		return "set"
	}
}

// probeFeishu fetches the bot open_id, proving the app credentials work.
func probeFeishu(ctx context.Context, fs config.FeishuConfig) (string, error) {
	ch, err := feishu.New(fs, nil)
	if err != nil {
		return "", err
	}
	return ch.Probe(ctx)
}
