package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/nextlevelbuilder/larkclaw/internal/config"
)

// credentialEnvKeys lists the env var pairs (app id, app secret) that
// enable non-interactive setup. First match wins.
var credentialEnvKeys = [][2]string{
	{"LARKCLAW_FEISHU_APP_ID", "LARKCLAW_FEISHU_APP_SECRET"},
	{"APP_ID", "APP_SECRET"},
}

// canAutoOnboard returns true if Feishu credentials are present in the
// environment, indicating the user wants non-interactive configuration
// (e.g. Docker).
func canAutoOnboard() bool {
	for _, keys := range credentialEnvKeys {
		if os.Getenv(keys[0]) != "" && os.Getenv(keys[1]) != "" {
			return true
		}
	}
	return false
}

// runAutoOnboard performs non-interactive setup from environment variables.
// Returns true on success, false on fatal error.
func runAutoOnboard(cfgPath string) bool {
	fmt.Println("Auto-onboard: environment variables detected, running non-interactive setup...")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Error: %v\n", err)
		return false
	}
	cfg.Channels.Feishu.Enabled = true
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Error: %v\n", err)
		return false
	}
	fmt.Printf("  Domain:     %s (%s)\n", cfg.Channels.Feishu.Domain, cfg.Channels.Feishu.ConnectionMode)

	fmt.Print("  Verifying credentials...")
	openID, err := verifyFeishuCredentials(context.Background(), cfg.Channels.Feishu)
	var cerr *credentialError
	switch {
	case err == nil:
		fmt.Printf(" OK (bot: %s)\n", openID)
	case errors.As(err, &cerr) && cerr.fatal:
		fmt.Println(" FAILED")
		fmt.Printf("  Error: %v\n", err)
		return false
	default:
		// Unreachable platform is not fatal; the gateway retries on start.
		fmt.Printf(" skipped (%v)\n", err)
	}

	// Secrets stay in the environment.
	if err := saveCleanConfig(cfgPath, cfg); err != nil {
		fmt.Printf("  Warning: could not save config: %v\n", err)
	} else {
		fmt.Printf("  Config saved to %s\n", cfgPath)
	}

	fmt.Println("Auto-onboard complete.")
	return true
}

// saveCleanConfig writes cfg with every secret removed.
func saveCleanConfig(cfgPath string, cfg *config.Config) error {
	clean := config.Default()
	clean.ReplaceFrom(cfg)
	clean.StripSecrets()
	return config.Save(cfgPath, clean)
}
