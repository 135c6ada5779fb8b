package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"handoff/internal/config"
	"handoff/internal/database"
	"handoff/internal/handlers"
	applog "handoff/internal/logger"
	"handoff/internal/middleware"
	"handoff/internal/otp"
	"handoff/internal/poller"
	"handoff/internal/repositories"
	"handoff/internal/services"
	"handoff/pkg/rabbitmq"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zlog := applog.New(cfg.LogLevel, cfg.LogJSON)
	defer func() { _ = zlog.Sync() }()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("server stopped with error", zap.Error(err))
	}
	zlog.Info("server gracefully stopped")
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}

	// Events are best effort; the workflow runs without a broker.
	var events services.EventPublisher
	mqClient, err := rabbitmq.NewClient(rabbitmq.Config{URL: cfg.RabbitMQURL}, zlog)
	if err != nil {
		zlog.Warn("RabbitMQ unavailable, delivery events disabled", zap.Error(err))
	} else {
		events = mqClient
		defer mqClient.Close()
	}

	if !cfg.TwilioConfigured() {
		zlog.Warn("Twilio Verify credentials are not configured; OTP sends will fail")
	}
	gateway := otp.NewTwilioGateway(otp.Config{
		BaseURL:    cfg.TwilioBaseURL,
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		ServiceSID: cfg.TwilioVerifyServiceSID,
		Timeout:    cfg.OTPTimeout,
	}, zlog)

	app, authService, err := NewApp(cfg, zlog, db, gateway, events)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.AdminPassword != "" {
		if err := authService.EnsureAdmin(ctx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Info("starting server", zap.String("addr", cfg.AppPort))
		return app.Listen(cfg.AppPort)
	})
	if mqClient != nil {
		g.Go(func() error {
			if err := mqClient.ConsumeDeliveryEvents(gctx, rabbitmq.LogEvents(zlog)); err != nil {
				// Losing the consumer must not take the API down.
				zlog.Error("delivery event consumer stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		zlog.Info("shutting down server")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// NewApp wires repositories, services and handlers onto a new Fiber app.
// events may be nil.
func NewApp(cfg *config.Config, zlog *zap.Logger, db *gorm.DB, gateway services.OTPGateway, events services.EventPublisher) (*fiber.App, *services.AuthService, error) {
	userRepo := repositories.NewGORMUserRepository(db)
	orderRepo := repositories.NewGORMOrderRepository(db)
	verificationRepo := repositories.NewGORMVerificationRepository(db)
	issuanceRepo := repositories.NewGORMQRIssuanceRepository(db)

	authService := services.NewAuthService(userRepo, cfg.JWTSecret, cfg.JWTTTL, zlog)
	guard := services.NewAccessGuard(orderRepo)
	ledger := services.NewVerificationLedger(verificationRepo, services.LedgerConfig{LenientVerify: cfg.LedgerLenientVerify}, zlog)
	orderService := services.NewOrderService(orderRepo, userRepo, guard, events, zlog)
	deliveryService := services.NewDeliveryService(guard, ledger, gateway, orderRepo, issuanceRepo, events, services.DeliveryConfig{
		QRTTL:  cfg.QRTTL,
		OTPTTL: cfg.OTPTTL,
	}, zlog)
	statusPoller := poller.New(ledger, cfg.PollInterval, zlog)

	app := fiber.New(fiber.Config{
		AppName:               "handoff",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(logger.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		code, health, dbStatus := fiber.StatusOK, "healthy", "connected"
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.UserContext()) != nil {
			code, health, dbStatus = fiber.StatusServiceUnavailable, "degraded", "unreachable"
		}
		return c.Status(code).JSON(fiber.Map{
			"status":   health,
			"time":     time.Now().Format(time.RFC3339),
			"database": dbStatus,
			"events":   events != nil,
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	apiV1 := app.Group("/api/v1")
	auth := middleware.AuthRequired(authService, zlog)

	handlers.NewAuthHandler(authService, zlog).RegisterRoutes(apiV1)
	handlers.NewOrderHandler(orderService, zlog).RegisterRoutes(apiV1, auth)
	handlers.NewDeliveryHandler(deliveryService, statusPoller, cfg.PollInterval, zlog).RegisterRoutes(apiV1, auth)

	return app, authService, nil
}
