// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command wahook keeps a linked WhatsApp device online, answers inbound
// messages with a canned reply and relays every message to a webhook.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aiku/wahook/pkg/connector"
	"github.com/aiku/wahook/pkg/connector/credstore"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mau.fi/util/exzerolog"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "wahook",
		Short: "WhatsApp auto-reply and webhook relay",
		Long: `wahook links to WhatsApp as a companion device, replies "pong" to "ping"
and a greeting to everything else, and POSTs every inbound message to a webhook.`,
		SilenceUsage: true,
		RunE:         runBridge,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Connect to WhatsApp and start relaying (default)",
		RunE:  runBridge,
	})
	root.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credentials so the next run pairs a new device",
		RunE:  runLogout,
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wahook %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// setup loads .env, the config file and the logger.
func setup() (*connector.Config, *zerolog.Logger, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := connector.LoadConfig(configPath, os.LookupEnv)
	if err != nil {
		return nil, nil, err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	exzerolog.SetupDefaults(log)
	return cfg, log, nil
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("gateway_url", cfg.Gateway.URL).
		Str("credentials", cfg.Credentials.Type+":"+cfg.Credentials.Path).
		Msg("Starting wahook")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge, err := connector.NewBridge(cfg, *log)
	if err != nil {
		return err
	}
	if err := bridge.Start(ctx); err != nil {
		bridge.Stop(context.Background())
		return err
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	bridge.Stop(context.Background())
	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	store, err := credstore.Open(cfg.Credentials.Type, cfg.Credentials.Path)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	exists, err := store.Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check credentials: %w", err)
	}
	if !exists {
		log.Info().Msg("No stored credentials, nothing to do")
		return nil
	}
	if err := store.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	log.Info().Msg("Credentials deleted, the next run will ask for pairing")
	return nil
}
