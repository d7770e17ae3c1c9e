package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/app"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/health"
	"github.com/ovaphlow/pitchfork/service-wallet-go/pkg/utilities"
)

var Version = "dev"

var errCritical = errors.New("status is critical")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "passctl",
		Short:         "Operate the wallet pass engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML file of VARIABLE: value overrides")
	rootCmd.PersistentFlags().Bool("memory", false, "Use in-memory storage instead of Postgres")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(complianceCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(drainCmd())
	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(demoCmd())

	return rootCmd
}

// open loads configuration with the global flags applied and assembles the engine.
func open(cmd *cobra.Command, opts ...app.Option) (*app.App, func(), error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := os.Setenv("WALLET_CONFIG_FILE", path); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if memory, _ := cmd.Flags().GetBool("memory"); memory {
		cfg.Storage = config.StorageMemory
	}
	cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	cfg.Log.Stderr = true

	lg, err := utilities.Init(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(cmd.Context(), cfg, lg.Sugar(), opts...)
	if err != nil {
		_ = lg.Sync()
		return nil, nil, err
	}
	return a, func() {
		if err := a.Close(); err != nil {
			lg.Sugar().Warnw("close failed", "err", err)
		}
		_ = lg.Sync()
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func complianceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compliance",
		Short: "Validate signing keys and platform configuration; exits non-zero when critical",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := open(cmd)
			if err != nil {
				return err
			}
			defer done()
			rep := a.Monitor.CheckCompliance(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if rep.Status == health.StatusCritical {
				return errCritical
			}
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the runtime health snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := open(cmd)
			if err != nil {
				return err
			}
			defer done()
			return printJSON(cmd.OutOrStdout(), a.Monitor.CheckHealth(cmd.Context()))
		},
	}
}
