package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dmp/dmp/internal/config"
	"github.com/dmp/dmp/internal/domain/access"
	"github.com/dmp/dmp/internal/domain/cps"
	"github.com/dmp/dmp/internal/domain/identity"
	"github.com/dmp/dmp/internal/domain/notification"
	"github.com/dmp/dmp/internal/platform/apperr"
	"github.com/dmp/dmp/internal/platform/auth"
	"github.com/dmp/dmp/internal/platform/db"
	"github.com/dmp/dmp/internal/platform/logging"
	"github.com/dmp/dmp/internal/platform/metrics"
	"github.com/dmp/dmp/internal/platform/middleware"
	notify "github.com/dmp/dmp/internal/platform/notification"
	"github.com/dmp/dmp/internal/platform/websocket"
)

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.New(logOptions(cfg))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	m := metrics.New()
	policy, err := auth.NewPolicy()
	if err != nil {
		return err
	}

	// CPS verification flags
	flags, closeFlags, err := verifiedStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer closeFlags()

	directory := identity.NewDirectory(identity.NewPatientRepoPG(pool), identity.NewProfessionalRepoPG(pool), cfg.NotifyDefaultChannel)
	gate := cps.NewGate(cps.NewCredentialRepoPG(pool), directory, flags, cfg.CPSVerificationTTL,
		cps.WithMetrics(m), cps.WithLogger(logger))

	// Notifications
	hub := websocket.NewHub(logger)
	dispatcher := notification.NewDispatcher(notification.NewRepoPG(pool), directory, notify.NewTemplateEngine(),
		deliverer(cfg, logger), notificationConfig(cfg, logger),
		notification.WithMetrics(m), notification.WithLogger(logger), notification.WithPolicy(policy),
		notification.WithTypes(cfg.NotificationTypes), notification.WithPublisher(hub))
	dispatcher.Start(ctx)
	if n, err := dispatcher.ResumePending(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to resume pending notifications")
	} else if n > 0 {
		logger.Info().Int("count", n).Msg("resumed pending notifications")
	}

	accessSvc := access.NewService(access.NewRepoPG(pool), gate, directory,
		access.Config{Modes: cfg.AccessModes, MaxDuree: cfg.MaxAccessMinutes},
		access.WithTxBeginner(pool), access.WithPolicy(policy), access.WithNotifier(dispatcher),
		access.WithMetrics(m), access.WithLogger(logger))

	e := newServer(cfg, logger, m)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", m.Handler())

	attempts := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.CPSAttemptsRPS,
		BurstSize:         cfg.CPSAttemptBurst,
		KeyFunc:           middleware.ByPrincipal,
	})
	cps.NewHandler(gate).RegisterRoutes(e, attempts, cfg.IsDev())
	access.NewHandler(accessSvc).RegisterRoutes(e)
	notification.NewHandler(dispatcher, hub, cfg.CORSOrigins).RegisterRoutes(e)

	go runSweeper(ctx, accessSvc, cfg.SweepInterval, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	stop()
	dispatcher.Close()
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with the global middleware chain.
func newServer(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(m.Middleware())
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtConfig(cfg)))
	} else {
		e.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	}
	e.Use(middleware.Audit(logger))
	return e
}

// verifiedStore uses Redis when REDIS_URL is set so several instances share
// verification flags, and an in-process store otherwise.
func verifiedStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cps.VerifiedStore, func(), error) {
	if cfg.RedisURL == "" {
		s := cps.NewMemoryVerifiedStore(time.Minute)
		logger.Warn().Msg("REDIS_URL not set, CPS verifications are kept in memory")
		return s, s.Close, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return cps.NewRedisVerifiedStore(rdb), func() { _ = rdb.Close() }, nil
}

// deliverer wires the enabled providers. A disabled channel makes delivery
// fail permanently, so the row ends in echec instead of retrying.
func deliverer(cfg *config.Config, logger zerolog.Logger) *notify.Deliverer {
	d := &notify.Deliverer{}
	if cfg.EmailEnabled {
		s, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
			UseTLS:   cfg.SMTPUseTLS,
			Timeout:  cfg.SMTPTimeout,
		})
		if err != nil {
			logger.Error().Err(err).Msg("email channel disabled")
		} else {
			d.Email = s
		}
	}
	if cfg.SMSEnabled {
		s, err := notify.NewSMSIRSender(notify.SMSConfig{
			APIKey:        cfg.SMSIRAPIKey,
			SecretKey:     cfg.SMSIRSecretKey,
			TemplateID:    cfg.SMSIRTemplateID,
			DefaultRegion: cfg.SMSDefaultRegion,
		})
		if err != nil {
			logger.Error().Err(err).Msg("sms channel disabled")
		} else {
			d.SMS = s
		}
	}
	return d
}

func notificationConfig(cfg *config.Config, logger zerolog.Logger) notification.Config {
	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		logger.Warn().Err(err).Msg("Europe/Paris unavailable, dates rendered in UTC")
		loc = time.UTC
	}
	return notification.Config{
		Workers:        cfg.NotifyWorkers,
		QueueSize:      cfg.NotifyQueueSize,
		MaxAttempts:    cfg.NotifyMaxAttempts,
		InitialBackoff: cfg.NotifyInitialBackoff,
		MaxBackoff:     cfg.NotifyMaxBackoff,
		ExpiryMinutes:  cfg.NotifyExpiryMinutes,
		Location:       loc,
	}
}

type sweeper interface {
	SweepExpired(ctx context.Context, actor auth.Principal) (int, error)
}

func runSweeper(ctx context.Context, s sweeper, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx, auth.System)
			if err != nil {
				logger.Error().Err(err).Msg("expiry sweep failed")
				continue
			}
			if n > 0 {
				logger.Info().Int("expired", n).Msg("expiry sweep")
			}
		}
	}
}
