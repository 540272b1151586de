package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/larkclaw/internal/config"
	"github.com/nextlevelbuilder/larkclaw/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/larkclaw/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "larkclaw",
	Short: "LarkClaw: Feishu/Lark bot gateway for CLI agents",
	Long:  "LarkClaw connects a Feishu/Lark bot to a command-line agent and streams its replies back as text, cards and media.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: "+config.DefaultPath+" or $LARKCLAW_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(sendCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("larkclaw %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return config.ExpandHome(cfgFile)
	}
	if v := os.Getenv("LARKCLAW_CONFIG"); v != "" {
		return config.ExpandHome(v)
	}
	return config.ExpandHome(config.DefaultPath)
}

// envFilePath is the secrets file written by onboard, next to the config.
func envFilePath(cfgPath string) string {
	return filepath.Join(filepath.Dir(cfgPath), ".env")
}

// loadConfig loads .env files and the config at the resolved path.
func loadConfig() (string, *config.Config, error) {
	cfgPath := resolveConfigPath()
	config.LoadDotEnv(".env", envFilePath(cfgPath))
	cfg, err := config.Load(cfgPath)
	return cfgPath, cfg, err
}

// setupLogging installs the default slog handler. --verbose wins over the
// configured level.
func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
