// Package main запускает HTTP-сервер платёжного шлюза Bank of Georgia.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/bogpay-gateway/internal/audit"
	"github.com/mmeshcher/bogpay-gateway/internal/bog"
	"github.com/mmeshcher/bogpay-gateway/internal/config"
	"github.com/mmeshcher/bogpay-gateway/internal/handler"
	"github.com/mmeshcher/bogpay-gateway/internal/middleware"
	"github.com/mmeshcher/bogpay-gateway/internal/reconcile"
	"github.com/mmeshcher/bogpay-gateway/internal/repository"
	"github.com/mmeshcher/bogpay-gateway/internal/resolver"
	"github.com/mmeshcher/bogpay-gateway/internal/service"
	"github.com/mmeshcher/bogpay-gateway/internal/signature"
	"github.com/mmeshcher/bogpay-gateway/internal/tokencache"
)

func newLogger(debug bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func main() {
	// .env необязателен: в контейнере конфигурация приходит из окружения
	_ = godotenv.Load()

	cfg, err := config.Parse()
	if err != nil {
		zap.NewExample().Sugar().Fatalw("configuration error", "error", err.Error())
	}

	logger := newLogger(cfg.Debug)
	defer logger.Sync()

	sugar := logger.Sugar()

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	var cache tokencache.Cache
	switch cfg.TokenCache {
	case config.TokenCachePostgres:
		cache = repo.TokenCache()
	default:
		cache = tokencache.NewMemory(time.Now)
	}

	clientID, clientSecret := cfg.Credentials()
	client := bog.NewClient(bog.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthURL:      cfg.AuthURL,
		APIBaseURL:   cfg.APIURL,
		TestMode:     cfg.TestMode,
	}, cache, bog.WithLogger(logger.Named("bog")))

	checker := signature.NewChecker(
		signature.NewDefaultVerifier(logger.Named("signature")),
		signature.Policy{
			RequireSignature: cfg.RequireSignature,
			RejectInvalid:    cfg.RejectInvalidSignature,
		},
		logger.Named("signature"),
	)

	auditSink := audit.NewSink(repo, logger.Named("audit"))

	engine := reconcile.NewEngine(repo, client, auditSink,
		reconcile.Policy{TrustCallbackOnVerifyError: cfg.TrustCallbackOnVerifyError},
		reconcile.WithLogger(logger.Named("reconcile")),
	)

	svc := service.NewService(service.Deps{
		Repo:       repo,
		Client:     client,
		Engine:     engine,
		Resolver:   resolver.New(repo),
		Signatures: checker,
		Audit:      auditSink,
		Logger:     logger,
	}, service.Settings{
		PublicBaseURL:    cfg.PublicBaseURL,
		CheckoutURL:      cfg.CheckoutURL,
		OrderReceivedURL: cfg.OrderReceivedURL,
		Locale:           cfg.Locale,
	})
	defer svc.Close()

	if cfg.AdminSecret == "" {
		sugar.Warn("ADMIN_SECRET is empty, admin endpoints will reject every request")
	}
	adminAuth := middleware.NewAdminAuth(cfg.AdminSecret)
	limiter := middleware.NewRateLimiter(cfg.CallbackRateLimit, cfg.CallbackRateBurst, logger)

	h := handler.NewHandler(svc, logger, adminAuth, limiter, handler.WithTrustedProxy(cfg.TrustProxyHeaders))

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Очистка ограничителей запросов неактивных клиентов
	g.Go(func() error {
		return limiter.Run(ctx)
	})

	g.Go(func() error {
		sugar.Infow("starting payment gateway",
			"addr", cfg.RunAddress,
			"test_mode", cfg.TestMode,
			"token_cache", cfg.TokenCache,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
