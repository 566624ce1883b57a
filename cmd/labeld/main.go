package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labeld/internal/api"
	"github.com/orrn/labeld/internal/api/middleware"
	"github.com/orrn/labeld/internal/archive"
	"github.com/orrn/labeld/internal/config"
	"github.com/orrn/labeld/internal/core"
	"github.com/orrn/labeld/internal/db"
	"github.com/orrn/labeld/internal/label"
	"github.com/orrn/labeld/internal/lifecycle"
	"github.com/orrn/labeld/internal/logging"
	"github.com/orrn/labeld/internal/poller"
	"github.com/orrn/labeld/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("labeld failed to start", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}

	logger.Info("starting labeld",
		"config", configPath,
		"source", cfg.Source.URL,
		"poll_interval", cfg.Source.PollInterval,
		"transport", cfg.Printer.Transport,
	)

	ids, err := label.NewGenerator(nil)
	if err != nil {
		return err
	}

	renderer, err := core.NewTSPL2Renderer(cfg.Printer)
	if err != nil {
		return fmt.Errorf("label layout: %w", err)
	}

	transport, err := core.NewTransport(cfg.Printer, logger)
	if err != nil {
		return err
	}
	if closer, ok := transport.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	if status := transport.CheckStatus(context.Background()); !status.Ready {
		logger.Warn("printer not ready, will still attempt to print",
			"target", status.Target,
			"diagnostic", status.Diagnostic,
		)
	}

	historyEnabled := cfg.Database.Path != ""
	var archiver *archive.Archiver
	if historyEnabled {
		if err := db.Init(db.Config{Path: cfg.Database.Path}); err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		if cfg.Database.ArchiveDays > 0 {
			archiver, err = archive.NewArchiver(archive.Config{
				ArchivePath: cfg.Database.ArchivePath,
				ArchiveDays: cfg.Database.ArchiveDays,
			}, logger)
			if err != nil {
				return err
			}
			archiver.Start()
			defer archiver.Stop()
		}
	}

	batchOpts := []core.BatchOption{core.WithLogger(logger)}
	loopOpts := []poller.Option{poller.WithLogger(logger)}

	if historyEnabled {
		batchOpts = append(batchOpts, core.WithRecorder(db.History{}))
	}

	sender := webhook.NewSender(cfg.Webhooks.Endpoints, webhook.Options{
		Retries: cfg.Webhooks.Retries,
		Timeout: cfg.Webhooks.Timeout,
	}, logger)
	if sender.Enabled() {
		sender.Start()
		defer sender.Stop()
		batchOpts = append(batchOpts, core.WithNotifier(sender))
		loopOpts = append(loopOpts, poller.WithNotifier(sender))
	}

	printer := core.NewBatchPrinter(ids, renderer, transport, batchOpts...)

	source := poller.NewHTTPSource(cfg.Source.URL, cfg.Source.Timeout)
	loop, err := poller.New(poller.Config{
		Interval:   cfg.Source.PollInterval,
		RetryDelay: cfg.Source.RetryDelay,
		MaxRetries: cfg.Source.MaxRetries,
	}, source, printer, loopOpts...)
	if err != nil {
		return err
	}

	if cfg.Status.Enabled {
		auth, err := middleware.NewAuthMiddleware(cfg.Status.AdminPasswordHash, historyEnabled)
		if err != nil {
			return fmt.Errorf("auth setup: %w", err)
		}

		gin.SetMode(gin.ReleaseMode)
		deps := api.Deps{
			Loop:           loop,
			Transport:      transport,
			Auth:           auth,
			HistoryEnabled: historyEnabled,
			Logger:         logger,
		}
		if archiver != nil {
			deps.Archives = archiver
		}

		server := api.NewServer(cfg.Status.Listen, api.NewRouter(deps), logger)
		server.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				logger.Warn("status api shutdown", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controller := lifecycle.NewController(loop, cfg.Lifecycle.DrainTimeout, logger)
	drained, err := controller.Run(ctx)
	if err != nil {
		return err
	}
	if !drained {
		logger.Warn("exiting with batch still in flight")
	}

	logger.Info("labeld stopped")
	return nil
}
