// ABOUTME: Entry point for clawlink: session API server and gateway command line
// ABOUTME: Dispatches subcommands and resolves config and data paths

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/2389/clawlink/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _                 _ _       _
   ___| | __ ___      __| (_)_ __ | | __
  / __| |/ _' \ \ /\ / /| | | '_ \| |/ /
 | (__| | (_| |\ V  V / | | | | | |   <
  \___|_|\__,_| \_/\_/  |_|_|_| |_|_|\_\
`

// getConfigPath returns the path to the config file.
// Priority: CLAWLINK_CONFIG env var > XDG_CONFIG_HOME/clawlink/config.yaml > ~/.config/clawlink/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CLAWLINK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "clawlink", "config.yaml")
}

// getDataPath returns the path to the clawlink data directory.
// Priority: XDG_DATA_HOME/clawlink > ~/.local/share/clawlink
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "clawlink")
}

// loadConfig reads the config file. A missing file is not an error: the
// defaults are used with the database under the data directory.
func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		cfg.Database.Path = filepath.Join(getDataPath(), "clawlink.db")
		return cfg, configPath, nil
	}
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func usage() {
	fmt.Println("Usage: clawlink <command> [flags]")
	fmt.Println()
	fmt.Println("Server:")
	fmt.Println("  serve                          Start the session API server")
	fmt.Println("  health                         Check API server health")
	fmt.Println()
	fmt.Println("Gateway (uses --url/--token, CLAWLINK_GATEWAY_URL/TOKEN, or --user):")
	fmt.Println("  sessions                       List sessions")
	fmt.Println("  history <session>              Show a session transcript")
	fmt.Println("  chat <session> <message>       Send a message and stream the reply")
	fmt.Println("  rename <session> <label>       Rename a session")
	fmt.Println("  delete <session>               Delete a session")
	fmt.Println()
	fmt.Println("Administration:")
	fmt.Println("  gateway set|list|delete        Manage stored gateway credentials")
	fmt.Println("  token --user ID                Issue an API token")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "sessions":
		err = runSessions(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	case "chat":
		err = runChat(ctx, args)
	case "rename":
		err = runRename(ctx, args)
	case "delete":
		err = runDelete(ctx, args)
	case "gateway":
		err = runGateway(ctx, args)
	case "token":
		err = runToken(args)
	case "version":
		fmt.Println(version)
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
