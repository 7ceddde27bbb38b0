package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chatrelay/internal/backend"
	"chatrelay/internal/bus"
	"chatrelay/internal/config"
	"chatrelay/internal/connection"
	"chatrelay/internal/convlog"
	"chatrelay/internal/dispatch"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
	"chatrelay/internal/relay"
	"chatrelay/internal/render"
	"chatrelay/internal/server"
	"chatrelay/internal/session"
	"chatrelay/internal/transport/mattermost"
	"chatrelay/internal/transport/telegram"
	"chatrelay/internal/transport/wabridge"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect and relay messages until interrupted",
		Long:  "Connects the configured transport, answers questions through the backend and reconnects on disconnects. Press Ctrl+C to stop.",
		RunE:  runRelay,
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger, logCloser, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger.Info().Str("config", cfgPath).Str("transport", cfg.Transport.Kind).Str("version", version).Msg("starting chatrelay")

	if err := os.MkdirAll(cfg.Relay.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, cleanup, err := buildRelay(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	err = r.Run(ctx)
	var tce *domain.TransportCloseError
	if errors.As(err, &tce) {
		logger.Error().Stringer("reason", tce.Reason).Int("code", tce.Code).Msg("relay halted, manual action needed")
		return err
	}
	if err != nil {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// buildRelay wires every component from cfg. cleanup releases what Run
// does not close itself.
func buildRelay(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*relay.Relay, func(), error) {
	transport, err := buildTransport(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	collector := metrics.NewMetricsCollector()
	observer := metrics.NewRelay(collector)

	sinks, closeSinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	convLog := convlog.NewAsync(convlog.AsyncConfig{
		Sink:       sinks,
		BufferSize: cfg.ConvLog.BufferSize,
		Observer:   observer,
		Logger:     logger,
	})

	client := backend.NewClient(backend.ClientConfig{
		ChatURL:   cfg.Backend.ChatURL,
		ReportURL: cfg.Backend.ReportURL,
		Timeout:   time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
		Logger:    logger,
	})

	var naming *dispatch.NamingPolicy
	if cfg.Relay.NameTemplate != "" {
		if naming, err = dispatch.NewNamingPolicy(cfg.Relay.NameTemplate); err != nil {
			_ = convLog.Close(ctx)
			closeSinks()
			return nil, nil, fmt.Errorf("relay.nameTemplate: %w", err)
		}
	}

	var renderer dispatch.Renderer
	if cfg.Relay.ReportPDF {
		renderer = render.NewPDF(render.Config{ExecPath: cfg.Relay.ChromePath, Logger: logger})
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Answerer:     client,
		Reports:      client,
		ConvLog:      convLog,
		Renderer:     renderer,
		Observer:     observer,
		Naming:       naming,
		FallbackText: cfg.Relay.FallbackText,
		FailureText:  cfg.Relay.FailureText,
		StripEmoji:   cfg.Relay.StripEmoji,
		Report: dispatch.ReportOptions{
			Command:   cfg.Relay.ReportCommand,
			Caption:   cfg.Relay.ReportCaption,
			FileName:  cfg.Relay.ReportFileName,
			RenderPDF: cfg.Relay.ReportPDF,
		},
		DocumentCaption: cfg.Relay.DocumentCaption,
		DownloadDir:     cfg.Relay.DownloadDir,
		Logger:          logger,
	})
	if err != nil {
		_ = convLog.Close(ctx)
		closeSinks()
		return nil, nil, err
	}

	messageBus := bus.New(cfg.Relay.BusSize, logger)
	supervisor := connection.NewSupervisor(connection.SupervisorConfig{
		Transport: transport,
		Store:     session.NewDirStore(cfg.Transport.WhatsApp.SessionDir),
		Sink:      messageBus,
		Updates:   messageBus.Updates(),
		Backoff: connection.BackoffConfig{
			Initial:     seconds(cfg.Reconnect.InitialSeconds),
			Max:         seconds(cfg.Reconnect.MaxSeconds),
			Multiplier:  cfg.Reconnect.Multiplier,
			Jitter:      cfg.Reconnect.Jitter,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Observer: observer,
		Logger:   logger,
	})

	var services []relay.Service
	if cfg.Server.Enabled {
		services = append(services, server.New(server.Config{
			Host:    cfg.Server.Host,
			Port:    cfg.Server.Port,
			State:   supervisor,
			Metrics: collector,
			Logger:  logger,
		}))
	}

	r, err := relay.New(relay.Config{
		Sessions: supervisor,
		Events:   messageBus.Events(),
		Handler:  dispatcher,
		Services: services,
		Flushers: []relay.Flusher{convLog},
		Observer: observer,
		Logger:   logger,
	})
	if err != nil {
		closeSinks()
		return nil, nil, err
	}

	cleanup := func() {
		messageBus.Close()
		closeSinks()
	}
	return r, cleanup, nil
}

func buildTransport(cfg *config.Config, logger zerolog.Logger) (domain.Transport, error) {
	switch cfg.Transport.Kind {
	case "whatsapp":
		return wabridge.New(wabridge.Config{
			URL:    cfg.Transport.WhatsApp.URL,
			Token:  cfg.Transport.WhatsApp.Token,
			Logger: logger,
		}), nil
	case "telegram":
		return telegram.New(telegram.Config{
			Token:       cfg.Transport.Telegram.Token,
			APIEndpoint: cfg.Transport.Telegram.APIEndpoint,
			Logger:      logger,
		}), nil
	case "mattermost":
		return mattermost.New(mattermost.Config{
			ServerURL: cfg.Transport.Mattermost.ServerURL,
			Token:     cfg.Transport.Mattermost.Token,
			TeamID:    cfg.Transport.Mattermost.TeamID,
			Logger:    logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

// buildSinks opens every configured conversation log sink.
func buildSinks(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (convlog.Multi, func(), error) {
	var (
		sinks   convlog.Multi
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn().Err(err).Msg("close log sink")
			}
		}
	}

	if cfg.ConvLog.File != "" {
		sinks = append(sinks, convlog.NewFileSink(cfg.ConvLog.File))
	}
	if cfg.ConvLog.SQLite != "" {
		db, err := convlog.NewSQLiteSink(ctx, cfg.ConvLog.SQLite, logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, db)
		closers = append(closers, db.Close)
	}
	for _, s := range sinks {
		logger.Info().Str("sink", fmt.Sprint(s)).Msg("conversation log sink enabled")
	}
	return sinks, closeAll, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
