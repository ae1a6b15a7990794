// ABOUTME: Entry point for consent-gateway, the consent verification and chat gating server
// ABOUTME: Provides serve, init, health, token, and state subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/consent-gateway/internal/config"
	"github.com/2389/consent-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                  _
  ___ ___  _ __  ___  ___ _ __ | |_
 / __/ _ \| '_ \/ __|/ _ \ '_ \| __|
| (_| (_) | | | \__ \  __/ | | | |_
 \___\___/|_| |_|___/\___|_| |_|\__|
`

// getConfigPath returns the path to the gateway config file.
// Priority: CONSENT_CONFIG env var > XDG_CONFIG_HOME/consent-gateway/gateway.yaml > ~/.config/consent-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CONSENT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "consent-gateway", "gateway.yaml")
}

// getDataPath returns the path to the consent data directory.
// Priority: XDG_DATA_HOME/consent-gateway > ~/.local/share/consent-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "consent-gateway")
}

func usage() {
	fmt.Println("Usage: consent-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the gateway server")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  health                         Check gateway health over gRPC")
	fmt.Println("  token --participant ID [--ttl] Issue an API token for a participant")
	fmt.Println("  state CONVERSATION_ID          Print the verification record of a conversation")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "state":
		err = runState(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s %s\n", cfg.Database.Driver, cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Analyzer:  %s\n", cfg.Analyzer.Kind)
	green.Print("    ▶ ")
	fmt.Printf("Gating:    pause <= %d, resume >= %d\n", *cfg.Monitor.PauseThreshold, *cfg.Monitor.ResumeThreshold)

	if !cfg.Auth.Enabled() {
		yellow.Print("    ! ")
		fmt.Println("Auth:      disabled (no jwt_secret)")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting consent-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"driver", cfg.Database.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
