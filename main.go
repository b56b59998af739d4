package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailharvest/cmd"
	"github.com/dhcgn/mailharvest/config"
	"github.com/dhcgn/mailharvest/extract"
	"github.com/dhcgn/mailharvest/filter"
	"github.com/dhcgn/mailharvest/progress"
	"github.com/dhcgn/mailharvest/source"
	"github.com/dhcgn/mailharvest/state"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mailharvest",
		Short:        "Extract attachments of matching messages from a mail account",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c)
			if err != nil {
				return err
			}
			if err := config.ValidateExtract(cfg); err != nil {
				return err
			}

			logger, cleanup, err := cmd.SetupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mailharvest", "source", cfg.Source, "account", cfg.Account, "output", cfg.OutputDir, "dryRun", cfg.DryRun)

			return run(c.Context(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewAccountsCmd(), cmd.NewStatsCmd(), cmd.NewCredentialCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	f := filter.New(filter.Options{Groups: cfg.Keywords})
	if !f.Active() {
		logger.Info("no keyword groups configured, every message matches")
	}

	tracker, err := state.NewFileTracker(cfg.StateDir, !cfg.DryRun)
	if err != nil {
		return fmt.Errorf("state tracker: %w", err)
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Warn("closing state tracker", "err", err)
		}
	}()

	src, err := cmd.OpenSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	extractor, err := extract.New(extract.Options{
		Account:        cfg.Account,
		OutputDir:      cfg.OutputDir,
		ExcludeFolders: cfg.ExcludeFolders,
		DryRun:         cfg.DryRun,
	}, src, f, tracker, logger)
	if err != nil {
		return fmt.Errorf("extract.New: %w", err)
	}

	printer := progress.New(progress.Options{
		Verbose:     cfg.Verbose,
		Interactive: !cfg.Verbose,
	})
	extractor.Observe(printer)

	summary, err := extractor.Run(ctx)
	if errors.Is(err, source.ErrAccountNotFound) {
		return fmt.Errorf("no account found with address %q: %w", cfg.Account, err)
	}
	printer.Finish(summary)
	return err
}
