package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dhcgn/mailharvest/config"
	"github.com/dhcgn/mailharvest/credential"
	"github.com/dhcgn/mailharvest/imap"
	"github.com/dhcgn/mailharvest/mbox"
	"github.com/dhcgn/mailharvest/source"
)

// OpenSource opens the mail store selected by cfg.Source.
func OpenSource(ctx context.Context, cfg config.Config, logger *slog.Logger) (source.Source, error) {
	switch cfg.Source {
	case config.SourceMbox:
		store, err := mbox.Open(mbox.Options{Root: cfg.MailDir}, logger)
		if err != nil {
			return nil, fmt.Errorf("mbox.Open: %w", err)
		}
		return store, nil
	case config.SourceIMAP:
		password, err := resolvePassword(cfg)
		if err != nil {
			return nil, err
		}
		store, err := imap.Open(ctx, imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           password,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("imap.Open: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}

// resolvePassword prefers --imap-pass and IMAP_PASS, then the keyring.
func resolvePassword(cfg config.Config) (string, error) {
	if cfg.IMAPPass != "" {
		return cfg.IMAPPass, nil
	}

	password, err := credential.Get(credential.IMAPKey(cfg.IMAPUser))
	if errors.Is(err, credential.ErrNotFound) {
		return "", fmt.Errorf("IMAP password must be provided via --imap-pass, IMAP_PASS env var or 'mailharvest credential set'")
	}
	if err != nil {
		return "", err
	}
	return password, nil
}

// SetupLogger builds the text logger for cfg. With a log directory set the
// output is also written to a timestamped file, which cleanup closes.
func SetupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mailharvest-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler), cleanup, nil
}
