// ABOUTME: Entry point for coven-office, the operator console for agent presence and chat
// ABOUTME: Dispatches subcommands and wires config, logging and the document store

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-office/internal/channel"
	"github.com/2389/coven-office/internal/config"
	"github.com/2389/coven-office/internal/docstore"
	"github.com/2389/coven-office/internal/presence"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                             __  __ _
  ___ _____   _____ _ __         ___  / _|/ _(_) ___ ___
 / __/ _ \ \ / / _ \ '_ \ _____ / _ \| |_| |_| |/ __/ _ \
| (_| (_) \ V /  __/ | | |_____| (_) |  _|  _| | (_|  __/
 \___\___/ \_/ \___|_| |_|      \___/|_| |_| |_|\___\___|
`

func usage() {
	fmt.Println("Usage: coven-office <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Watch presence and fail messages to offline agents")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  agents [-follow]               List agents and what they are doing")
	fmt.Println("  history [-n N] AGENT           Show an agent's finished tasks")
	fmt.Println("  send [-type T] [-wait D] AGENT TEXT")
	fmt.Println("                                 Send a message to an agent")
	fmt.Println("  watch AGENT                    Follow the conversation with an agent")
	fmt.Println("  manifesto AGENT on|off         Toggle an agent's manifesto injection")
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
	case "init":
		err = runInit()
	case "agents":
		err = runAgents(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	case "send":
		err = runSend(ctx, args)
	case "watch":
		err = runWatch(ctx, args)
	case "manifesto":
		err = runManifesto(ctx, args)
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

// office bundles what every subcommand needs.
type office struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *docstore.SQLiteStore
	presence *presence.Repository
	channel  *channel.Channel
}

// openOffice loads the config and opens the document store. quiet drops
// logging below warn so listing commands keep their output clean.
func openOffice(quiet bool) (*office, error) {
	configPath := config.Path()

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logCfg := cfg.Logging
	if quiet && logCfg.Level != "error" {
		logCfg.Level = "warn"
	}
	logger := setupLogger(logCfg)

	store, err := docstore.Open(cfg.Database.Driver, cfg.Database.Path,
		docstore.WithLogger(logger),
		docstore.WithPollInterval(cfg.Database.PollInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return &office{
		cfg:    cfg,
		logger: logger,
		store:  store,
		presence: presence.NewRepository(store, logger,
			presence.WithStaleThreshold(cfg.Presence.StaleThreshold)),
		channel: channel.NewChannel(store, logger,
			channel.WithObserveLimit(cfg.Channel.ObserveLimit),
			channel.WithErrorDisplay(cfg.Channel.ErrorDisplay)),
	}, nil
}

func (o *office) Close() error {
	return o.store.Close()
}

func (o *office) autoFailer(agentID string) *channel.AutoFailer {
	return o.channel.NewAutoFailer(agentID, o.presence,
		channel.WithFailAfter(o.cfg.Channel.AutoFailAfter),
		channel.WithCheckInterval(o.cfg.Channel.CheckInterval))
}

func printBanner() {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)
}
