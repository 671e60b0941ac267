package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/claude/squatcoach/internal/config"
	"github.com/claude/squatcoach/internal/mcp"
	"github.com/claude/squatcoach/internal/storage"
	"github.com/mark3labs/mcp-go/server"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file (local mode)")
	serverURL := flag.String("server", "", "SquatCoach server URL for remote mode (e.g. https://squatcoach.tail1234.ts.net)")
	apiKey := flag.String("api-key", "", "API key for remote mode (defaults to SQUATCOACH_AUTH_API_KEY)")
	flag.Parse()

	// Logs go to stderr: stdout is the MCP transport.
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var ds mcp.DataSource
	if *serverURL != "" {
		key := *apiKey
		if key == "" {
			key = os.Getenv("SQUATCOACH_AUTH_API_KEY")
		}
		if key == "" {
			fmt.Fprintln(os.Stderr, "Error: remote mode needs -api-key or SQUATCOACH_AUTH_API_KEY")
			os.Exit(1)
		}
		ds = mcp.NewHTTPClient(*serverURL, key)
		log.Info("remote mode", "server", *serverURL)
	} else {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		db, err := storage.New(context.Background(), cfg.Database.DSN())
		if err != nil {
			log.Error("failed to connect database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		ds = db
		log.Info("local mode", "database", cfg.Database.Name)
	}

	s := mcp.New(ds, Version, log)
	if err := server.ServeStdio(s); err != nil {
		log.Error("mcp server error", "error", err)
		os.Exit(1)
	}
}
