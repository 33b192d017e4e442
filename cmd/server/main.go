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

	"github.com/sirupsen/logrus"

	"artmarket/pos/internal/cache"
	"artmarket/pos/internal/config"
	"artmarket/pos/internal/documents"
	"artmarket/pos/internal/events"
	"artmarket/pos/internal/fiscal"
	"artmarket/pos/internal/httpapi"
	"artmarket/pos/internal/payment"
	"artmarket/pos/internal/service"
	"artmarket/pos/internal/store"
	"artmarket/pos/internal/store/memory"
	pgstore "artmarket/pos/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 4)

	repo, closeRepo, err := buildRepository(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	signer, closeSigner := buildSigner(ctx, cfg, logger)
	if closeSigner != nil {
		closers = append(closers, closeSigner)
	}

	docs, closeDocs, err := buildDocuments(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("document storage unavailable")
	}
	if closeDocs != nil {
		closers = append(closers, closeDocs)
	}

	publisher, closeEvents, err := buildEvents(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("event publisher unavailable")
	}
	if closeEvents != nil {
		closers = append(closers, closeEvents)
	}

	payments := payment.NewRegistry(
		payment.External{},
		payment.NewTerminalREST(cfg.TerminalAPIBaseURL, cfg.TerminalAPIKey),
	)
	logger.WithField("providers", payments.Names()).Info("payment providers registered")

	svc := service.New(repo, service.Options{
		Signer:            signer,
		Payments:          payments,
		Documents:         documents.NewGenerator(docs),
		Events:            publisher,
		Logger:            logger,
		Currency:          cfg.Currency,
		TerminalProvider:  cfg.PaymentTerminalProvider,
		AgentOnlineWindow: cfg.AgentOnlineWindow,
		AuditMaxAttempts:  cfg.AuditMaxAttempts,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Bridge agents long-poll for up to 25s.
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("POS backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		config.LogError(logger, "server", "main", nil, fmt.Errorf("shutdown: %w", err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			config.LogError(logger, "server", "main", nil, fmt.Errorf("close: %w", err))
		}
	}

	logger.Info("server stopped")
}

func buildRepository(ctx context.Context, cfg config.Config, logger *logrus.Logger) (store.Repository, func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("repository: in-memory")
		return memory.NewSeeded(), nil, nil
	}
	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("repository: postgres")
	return pg, pg.Close, nil
}

// buildSigner shares the fiskaly token through redis when REDIS_ADDR is set,
// and keeps it per process otherwise.
func buildSigner(ctx context.Context, cfg config.Config, logger *logrus.Logger) (fiscal.Signer, func() error) {
	if cfg.FiscalProvider != "fiskaly" {
		logger.Info("fiscal signer: noop")
		return &fiscal.Noop{}, nil
	}

	var (
		tokens  cache.TokenCache = cache.NewMemoryTokenCache()
		locker  cache.Locker     = cache.NewLocalLocker()
		closeFn func() error
	)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisTokens := cache.NewRedisTokenCache(client)
		if err := redisTokens.Ping(ctx); err != nil {
			logger.WithError(err).Warn("redis unavailable, fiskaly token cached per process")
			_ = client.Close()
		} else {
			tokens = redisTokens
			locker = cache.NewRedisLocker(client)
			closeFn = redisTokens.Close
			logger.Info("token cache: redis")
		}
	}

	logger.Info("fiscal signer: fiskaly")
	return fiscal.NewFiskaly(fiscal.FiskalyConfig{
		BaseURL:   cfg.FiskalyBaseURL,
		APIKey:    cfg.FiskalyAPIKey,
		APISecret: cfg.FiskalyAPISecret,
		TSSID:     cfg.FiskalyTSSID,
		ClientID:  cfg.FiskalyClientID,
	}, tokens, locker), closeFn
}

func buildDocuments(ctx context.Context, cfg config.Config, logger *logrus.Logger) (documents.Storage, func() error, error) {
	if cfg.DocumentsBucket == "" {
		logger.Info("document storage: in-memory")
		return documents.NewMemoryStorage(cfg.DocumentsBaseURL), nil, nil
	}
	gcs, err := documents.NewGCSStorage(ctx, cfg.DocumentsBucket, cfg.DocumentsBaseURL, cfg.DocumentsCredentialsJSON)
	if err != nil {
		return nil, nil, err
	}
	logger.WithField("bucket", cfg.DocumentsBucket).Info("document storage: gcs")
	return gcs, gcs.Close, nil
}

func buildEvents(ctx context.Context, cfg config.Config, logger *logrus.Logger) (events.Publisher, func() error, error) {
	if cfg.PubSubProjectID == "" {
		logger.Info("events: disabled")
		return events.Noop{}, nil, nil
	}
	ps, err := events.NewPubSub(ctx, cfg.PubSubProjectID, cfg.PubSubTopic)
	if err != nil {
		return nil, nil, err
	}
	logger.WithField("topic", cfg.PubSubTopic).Info("events: pubsub")
	return ps, ps.Close, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "131313": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
