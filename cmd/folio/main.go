package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/eringen/folio"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		if err := serve(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("folio %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func serve() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := folio.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := folio.NewLogger(cfg.LogLevel, cfg.LogFile)
	app := folio.New(cfg, folio.WithLogger(log))
	if err := app.Start(ctx); err != nil {
		return err
	}
	log.Info().Msg("folio stopped")
	return nil
}

func printUsage() {
	fmt.Println(`folio - personal site backend: content, comments, analytics, newsletter

Usage:
  folio [command]

Commands:
  serve         Run the HTTP server (default)
  version       Print the folio version
  help          Show this help message

Configuration is read from FOLIO_* environment variables and an optional .env file.`)
}
