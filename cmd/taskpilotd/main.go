// Taskpilotd is a conversational task management agent.
//
// It exposes an HTTP API where each request carries one user message;
// the agent drives a language model with task tools and replies in
// natural language. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	taskpilotd serve                 Start the API server
//	taskpilotd token <user-uuid>     Mint a signed token for testing
//	taskpilotd version               Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/taskpilot/taskpilot/internal/agent"
	"github.com/taskpilot/taskpilot/internal/api"
	"github.com/taskpilot/taskpilot/internal/auth"
	"github.com/taskpilot/taskpilot/internal/buildinfo"
	"github.com/taskpilot/taskpilot/internal/config"
	"github.com/taskpilot/taskpilot/internal/history"
	"github.com/taskpilot/taskpilot/internal/llm"
	"github.com/taskpilot/taskpilot/internal/store"
	"github.com/taskpilot/taskpilot/internal/tools"
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests without os.Exit.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand. The flag package relies on
// package-level globals, which interferes with parallel tests, and the
// argument surface here is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "", "serve":
		return runServe(ctx, stdout, configPath)
	case "token":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: taskpilotd token <user-uuid>")
		}
		return runToken(stdout, configPath, cmdArgs[0])
	case "version":
		return runVersion(stdout)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n\n", command)
		return printUsage(stdout)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, `taskpilotd - conversational task management agent

Usage:
  taskpilotd [flags] <command>

Commands:
  serve               Start the API server (default)
  token <user-uuid>   Mint a signed token for the given user
  version             Print version and build information

Flags:
  -config <path>      Config file (default: auto-discover)`)
	return nil
}

func runVersion(stdout io.Writer) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(buildinfo.Info())
}

func loadConfig(configPath string) (*config.Config, error) {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func runToken(stdout io.Writer, configPath, userArg string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	userID, err := uuid.Parse(userArg)
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", userArg, err)
	}

	guard := auth.NewGuard(cfg.Auth.Secret)
	token, err := guard.MintToken(userID, 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting taskpilotd",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"model", cfg.Model.Name,
	)

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	guard := auth.NewGuard(cfg.Auth.Secret)
	registry := tools.NewRegistry(st, guard, logger)
	loader := history.NewLoader(st, cfg.Agent.HistoryWindow, cfg.Agent.HistoryTokenBudget, logger)

	client, err := llm.NewOpenAIClient(cfg.Model.Name, cfg.Model.BaseURL, cfg.Model.APIKey, logger)
	if err != nil {
		return fmt.Errorf("initializing model client: %w", err)
	}

	loop := agent.NewLoop(st, loader, registry, client, guard, agent.Limits{
		MaxToolRounds: cfg.Agent.MaxToolRounds,
		ModelTimeout:  cfg.ModelTimeout(),
		MaxRetries:    cfg.Agent.MaxRetries,
		ToolTokenTTL:  cfg.ToolTokenTTL(),
	}, logger)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, st, guard, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
