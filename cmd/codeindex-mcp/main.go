package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/adamavenir/codeindex/internal/app"
	"github.com/adamavenir/codeindex/internal/config"
	"github.com/adamavenir/codeindex/internal/mcp"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	configFile := ""
	switch len(os.Args) {
	case 1:
	case 2:
		if os.Args[1] == "-h" || os.Args[1] == "--help" {
			printUsage()
			os.Exit(0)
		}
		configFile = os.Args[1]
	default:
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(config.LoadOptions{ConfigFile: configFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	a, err := app.New(cfg, app.Options{Service: "codeindex-mcp"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start MCP server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := a.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
				a.Logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	server := mcp.NewServer(Version, a.Tools(), a.Logger.Logger)
	runErr := server.Run(ctx)
	_ = a.Close()
	if runErr != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", runErr)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: codeindex-mcp [config-file]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment:")
	fmt.Fprintln(os.Stderr, "  CODEINDEX_AUTH_TOKEN  bearer token for the index service (required)")
	fmt.Fprintln(os.Stderr, "  CODEINDEX_BASE_URL    index service URL (required)")
	fmt.Fprintln(os.Stderr, "  CODEINDEX_DATA_DIR    state directory (default: ~/.codeindex)")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Configure in Claude Desktop (~/Library/Application Support/Claude/claude_desktop_config.json):")
	fmt.Fprintln(os.Stderr, "  {")
	fmt.Fprintln(os.Stderr, "    \"mcpServers\": {")
	fmt.Fprintln(os.Stderr, "      \"codeindex\": {")
	fmt.Fprintln(os.Stderr, "        \"command\": \"codeindex-mcp\",")
	fmt.Fprintln(os.Stderr, "        \"env\": {\"CODEINDEX_AUTH_TOKEN\": \"...\", \"CODEINDEX_BASE_URL\": \"https://...\"}")
	fmt.Fprintln(os.Stderr, "      }")
	fmt.Fprintln(os.Stderr, "    }")
	fmt.Fprintln(os.Stderr, "  }")
}
