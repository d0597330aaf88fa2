package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"vacuum-rental-backend/config"
	"vacuum-rental-backend/internal/api"
	"vacuum-rental-backend/internal/db"
	"vacuum-rental-backend/internal/device"
	"vacuum-rental-backend/internal/lock"
	"vacuum-rental-backend/internal/maintenance"
	"vacuum-rental-backend/internal/monitor"
	"vacuum-rental-backend/internal/natsbus"
	"vacuum-rental-backend/internal/notification"
	"vacuum-rental-backend/internal/payment"
	"vacuum-rental-backend/internal/registry"
	"vacuum-rental-backend/internal/session"
	"vacuum-rental-backend/internal/store"
)

// run wires the services and blocks until SIGINT or SIGTERM.
func run(parent context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Push.PublicKey == "" || cfg.Push.PrivateKey == "" {
		return errors.New("VAPID keys must be configured; generate them and add them to the config file")
	}
	webpushOptions := &webpush.Options{
		VAPIDPublicKey:  cfg.Push.PublicKey,
		VAPIDPrivateKey: cfg.Push.PrivateKey,
		Subscriber:      cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
	}

	gormDB, err := db.Init(&cfg.Database, log.Named("db"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	appStore := store.NewGormStore(gormDB)

	bus, err := natsbus.Connect(cfg.NATS.URL, "vacuumd", log.Named("nats"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer bus.Close()

	clk := clock.WallClock
	guard := lock.NewGuard(cfg.Sessions.LockTimeout)

	dispatcher := notification.NewDispatcher(appStore,
		notification.NewWebPushChannel(webpushOptions, appStore),
		bus, clk,
		notification.Options{
			Workers:        cfg.Notification.Workers,
			QueueSize:      cfg.Notification.QueueSize,
			MaxPerHour:     cfg.Notification.MaxPerHour,
			MaxRetries:     cfg.Notification.MaxRetries,
			InitialBackoff: cfg.Notification.InitialBackoff,
			MaxBackoff:     cfg.Notification.MaxBackoff,
			SubjectPrefix:  cfg.NATS.SubjectPrefix,
		}, log.Named("notify"))
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	reg := registry.New(appStore, clk, guard, dispatcher, cfg.Liveness.OfflineThreshold, log.Named("registry"))
	tracker := maintenance.New(appStore, reg, guard, log.Named("maintenance"))

	deviceGateway := device.NewNATSGateway(bus, cfg.NATS.SubjectPrefix+".devices", clk, log.Named("device"))
	devices := device.NewCommander(deviceGateway, dispatcher,
		cfg.Notification.DeviceCommandRetries,
		cfg.Notification.InitialBackoff,
		cfg.Notification.MaxBackoff,
		log.Named("device"),
	)
	defer devices.Close()

	sessions := session.New(appStore, reg, tracker, guard,
		payment.NewHTTPGateway(&cfg.Payment, log.Named("payment")),
		devices, dispatcher, clk,
		session.Options{
			MinDurationMinutes: cfg.Sessions.MinDurationMinutes,
			MaxDurationMinutes: cfg.Sessions.MaxDurationMinutes,
			PendingTimeout:     cfg.Sessions.PendingTimeout,
		}, log.Named("session"))

	mon := monitor.New(appStore, reg, guard, clk, sessions, monitor.Options{
		Interval:    cfg.Liveness.Interval,
		AutoRecover: cfg.Liveness.AutoRecover,
	}, log.Named("monitor"))
	mon.Start(ctx)
	defer mon.Stop()

	unsubscribe, err := deviceGateway.ListenHeartbeats(ctx, mon)
	if err != nil {
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}
	defer unsubscribe()

	handler := api.NewHandler(api.Deps{
		Store:      appStore,
		WebPush:    webpushOptions,
		Registry:   reg,
		Tracker:    tracker,
		Sessions:   sessions,
		Heartbeats: mon,
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(handler, &cfg.Server),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
	}
	log.Info("shutdown signal received, stopping services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	log.Info("server gracefully stopped")
	return nil
}
