package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hamed0406/sitewatch/internal/availability"
	"github.com/hamed0406/sitewatch/internal/config"
	"github.com/hamed0406/sitewatch/internal/httpapi"
	apimw "github.com/hamed0406/sitewatch/internal/httpapi/middleware"
	"github.com/hamed0406/sitewatch/internal/logging"
	"github.com/hamed0406/sitewatch/internal/metrics"
	"github.com/hamed0406/sitewatch/internal/notify"
	"github.com/hamed0406/sitewatch/internal/probe"
	"github.com/hamed0406/sitewatch/internal/repo"
	"github.com/hamed0406/sitewatch/internal/repo/memory"
	"github.com/hamed0406/sitewatch/internal/repo/postgres"
	"github.com/hamed0406/sitewatch/internal/repo/sqlite"
	"github.com/hamed0406/sitewatch/internal/scheduler"
	"github.com/hamed0406/sitewatch/internal/service"
)

type store interface {
	repo.StateStore
	repo.DeliveryLog
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.NewLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store_open_error", zap.Error(err))
	}
	defer closeStore()

	prometheus.MustRegister(metrics.NewJobsDownGauge(func() (int, error) {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return repo.CountDown(cctx, st)
	}))

	userNotifier, adminNotifier, err := notifiers(cfg, logger)
	if err != nil {
		logger.Fatal("notifier_setup_error", zap.Error(err))
	}

	var prober probe.Prober = probe.NewHTTPChecker(cfg.ProbeTimeout)
	if cfg.RetryAttempts > 1 {
		prober = &probe.RetryChecker{Inner: prober, Attempts: cfg.RetryAttempts, Backoff: cfg.RetryBackoff}
	}
	if cfg.DNSDiagnostics {
		prober = &probe.DNSAnnotator{Inner: prober, Logger: logger}
	}

	runner := scheduler.NewRunner(
		logger,
		st,
		prober,
		availability.NewEvaluator(cfg.AdminEmail),
		userNotifier,
		cfg.MaxConcurrentChecks,
		cfg.ProbeTimeout,
	)
	runner.AdminNotifier = adminNotifier
	runner.Deliveries = st
	runner.SendTimeout = cfg.NotifyTimeout

	svc := service.New(logger, st, userNotifier, cfg.PublicBaseURL)
	api := httpapi.NewServer(logger, svc, st, runner, st)
	api.TrustProxy = cfg.TrustProxy
	keys := apimw.Keys{Public: cfg.PublicAPIKeys, Admin: cfg.AdminAPIKeys}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(keys, cfg.AllowedOrigins, cfg.PublicRPM, cfg.PublicBurst, cfg.AdminRPM, cfg.AdminBurst),
		ReadHeaderTimeout: 10 * time.Second,
	}

	rechecker := scheduler.NewRechecker(logger, st, runner, cfg.CheckInterval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		rechecker.Run(ctx)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api_shutdown_error", zap.Error(err))
		}
	}()

	logger.Info("api_listen",
		zap.String("addr", cfg.Addr),
		zap.Duration("check_interval", cfg.CheckInterval),
		zap.Int("max_concurrent_checks", cfg.MaxConcurrentChecks),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("api_listen_error", zap.Error(err))
		stop()
	}
	<-done
	logger.Info("api_stopped")
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		logger.Info("store_selected", zap.String("kind", "postgres"))
		return pg, pg.Close, nil
	case cfg.SQLitePath != "":
		sq, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("store_selected", zap.String("kind", "sqlite"), zap.String("path", cfg.SQLitePath))
		return sq, func() { _ = sq.Close() }, nil
	default:
		logger.Warn("store_selected", zap.String("kind", "memory"))
		return memory.New(), func() {}, nil
	}
}

// notifiers returns the subscriber channel and the operator channel. Mail
// goes through SMTP when configured, else to the log; Slack, when set,
// mirrors operator notices.
func notifiers(cfg config.Config, logger *zap.Logger) (notify.Notifier, notify.Notifier, error) {
	var user notify.Notifier = notify.LogNotifier{Logger: logger}
	m, err := notify.NewMailer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From, cfg.SMTP.Timeout)
	if err != nil {
		return nil, nil, err
	}
	if m != nil {
		user = m
	}

	admin := user
	if cfg.AdminEmail == "" {
		// nothing to address mail to
		admin = notify.LogNotifier{Logger: logger}
	}
	if s := notify.NewSlack(cfg.SlackWebhook); s != nil {
		admin = notify.Multi{admin, s}
	}
	return user, admin, nil
}
