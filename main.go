package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hrfmtzk/mail-digest/config"
	"github.com/hrfmtzk/mail-digest/extract"
	"github.com/hrfmtzk/mail-digest/filter"
	"github.com/hrfmtzk/mail-digest/model"
	"github.com/hrfmtzk/mail-digest/notify"
	"github.com/hrfmtzk/mail-digest/pipeline"
	"github.com/hrfmtzk/mail-digest/progress"
	"github.com/hrfmtzk/mail-digest/report"
	"github.com/hrfmtzk/mail-digest/store"
)

func main() {
	var nowOverride string
	var reportLimit int

	rootCmd := &cobra.Command{
		Use:   "mail-digest",
		Short: "Summarize yesterday's business email into a chat digest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mail-digest", "source", cfg.Source, "timezone", cfg.Timezone, "dryRun", cfg.DryRun)

			now := time.Now()
			if nowOverride != "" {
				now, err = time.Parse(time.RFC3339, nowOverride)
				if err != nil {
					return fmt.Errorf("parse --now: %w", err)
				}
			}

			return run(cfg, now, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.Flags().StringVar(&nowOverride, "now", "", "Trigger instant as RFC 3339, empty for the current time")

	reportsCmd := &cobra.Command{
		Use:   "reports",
		Short: "Show recent run reports from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			stateDir, err := cmd.Flags().GetString("state-dir")
			if err != nil {
				return err
			}
			journal, err := report.NewJournal(stateDir)
			if err != nil {
				return err
			}
			reports, err := journal.Load(reportLimit)
			if err != nil {
				return err
			}
			return report.Render(reports)
		},
	}
	reportsCmd.Flags().String("state-dir", "", "Directory holding the run report journal")
	reportsCmd.Flags().IntVarP(&reportLimit, "limit", "n", 20, "Number of recent runs to show")
	rootCmd.AddCommand(reportsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, now time.Time, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := newStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create message store: %w", err)
	}
	defer func() {
		_ = st.Close()
	}()

	extractor, err := extract.New(extract.Options{
		APIKey:        cfg.OpenAIKey,
		BaseURL:       cfg.OpenAIBaseURL,
		Model:         cfg.Model,
		RatePerMinute: cfg.RatePerMinute,
		QuotaFatal:    cfg.QuotaFatal,
		Retry:         cfg.Retry(),
	}, logger)
	if err != nil {
		return fmt.Errorf("create extractor: %w", err)
	}

	var dispatcher pipeline.Dispatcher
	if cfg.DryRun {
		dispatcher = notify.Discard{Logger: logger}
	} else {
		dispatcher, err = notify.New(notify.Options{
			WebhookURL:     cfg.WebhookURL,
			MaxPayloadSize: cfg.MaxPayloadSize,
			Retry:          cfg.Retry(),
		}, logger)
		if err != nil {
			return fmt.Errorf("create dispatcher: %w", err)
		}
	}

	fl, err := filter.New(filter.Options{Recipients: cfg.Recipients})
	if err != nil {
		return fmt.Errorf("create recipient filter: %w", err)
	}

	journal, err := report.NewJournal(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("create run journal: %w", err)
	}

	bar := progress.New(cfg.LogLevel)
	defer bar.Stop()

	p := pipeline.New(st, extractor, dispatcher, fl, pipeline.Options{
		Timezone:    cfg.Timezone,
		MaxParallel: cfg.MaxParallel,
		RunTimeout:  cfg.RunTimeout,
		Journal:     journal,
		OnStart:     bar.Start,
		OnItem:      bar.Done,
	}, logger)

	rep := p.Run(ctx, now)
	if rep.Status == model.RunAborted {
		return fmt.Errorf("run aborted: %s", rep.AbortReason)
	}
	return nil
}

func newStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Source {
	case config.SourceS3:
		return store.NewS3(ctx, store.S3Options{
			Bucket: cfg.S3Bucket,
			Prefix: cfg.S3Prefix,
			Region: cfg.S3Region,
		})
	case config.SourceIMAP:
		return store.NewIMAP(store.IMAPOptions{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			Mailbox:            cfg.IMAPMailbox,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}, logger)
	case config.SourceMbox:
		return store.NewMbox(cfg.MboxPath)
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
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

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mail-digest-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
