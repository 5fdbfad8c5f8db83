package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dgellow/estate-session/internal"
	"github.com/dgellow/estate-session/internal/config"
	"github.com/dgellow/estate-session/internal/log"
	"github.com/dgellow/estate-session/internal/session"
	"github.com/spf13/cobra"
)

const settleTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the UI shell and the background refresh timer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log.LogInfoWithFields("main", "Starting estate-session", map[string]any{
			"version": BuildVersion,
			"config":  configPath,
		})

		app, err := internal.NewEstateSession(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to create session stack: %w", err)
		}
		defer app.Close()

		if err := app.Run(cmd.Context()); err != nil {
			return fmt.Errorf("failed to run shell: %w", err)
		}
		return nil
	},
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Config{}, fmt.Errorf("--config flag is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openSession builds the stack for a one-shot command and waits for the
// restored session to settle
func openSession(ctx context.Context) (*internal.EstateSession, session.State, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, session.State{}, err
	}
	app, err := internal.NewEstateSession(ctx, cfg)
	if err != nil {
		return nil, session.State{}, fmt.Errorf("failed to create session stack: %w", err)
	}

	settleCtx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	st, err := app.Reconciler().WaitFor(settleCtx, func(st session.State) bool { return st.Settled() })
	if err != nil {
		_ = app.Close()
		return nil, session.State{}, fmt.Errorf("waiting for session: %w", err)
	}
	return app, st, nil
}
