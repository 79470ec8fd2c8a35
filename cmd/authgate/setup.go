package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mrz1836/postmark"

	"github.com/velomart/commerce-security-core/internal/anomaly"
	"github.com/velomart/commerce-security-core/internal/audit"
	"github.com/velomart/commerce-security-core/internal/authgate/adapter"
	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/authgate/port"
	"github.com/velomart/commerce-security-core/internal/config"
	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/mongo"
	"github.com/velomart/commerce-security-core/internal/redis"
	"github.com/velomart/commerce-security-core/internal/server"
	"github.com/velomart/commerce-security-core/internal/token"
)

// totpIssuer labels provisioning URIs in authenticator apps.
const totpIssuer = "VeloMart"

// application bundles what run hands to the lifecycle runner.
type application struct {
	handler http.Handler
	health  func() map[string]string
	cleanup []server.Cleanup
}

// mailSender is what the service and the anomaly alert path both need from
// a mailer. The Postmark and the log-only mailers each satisfy it.
type mailSender interface {
	app.EmailSender
	anomaly.AlertSink
}

// indexEnsurer is a store that declares its own MongoDB indexes.
type indexEnsurer interface {
	EnsureIndexes(ctx context.Context) error
}

// setup is the authgate composition root. It creates infrastructure
// clients, adapters, the token machinery, the service, and the HTTP router.
func setup(ctx context.Context, cfg *config.Config, vault *config.VaultSource, logger *slog.Logger) (*application, error) {
	clock := domain.RealClock{}

	// 1. Infrastructure clients.
	mongoClient, err := mongo.NewClient(ctx, mongo.Config{
		URI:      cfg.Mongo.URI,
		Database: cfg.Mongo.Database,
		Timeout:  cfg.Mongo.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("authgate setup: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("authgate setup: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, domain.RedisTimeout)
		if pingErr := redisClient.Ping(pingCtx); pingErr != nil {
			// The failover wrapper keeps probing; limits start per-instance.
			logger.WarnContext(ctx, "redis unreachable at startup, security store begins on memory",
				slog.String("error", pingErr.Error()))
		}
		cancel()
	}

	// 2. Persistence adapters and their indexes.
	users := adapter.NewUserStore(mongoClient.DB)
	sessions := adapter.NewSessionStore(mongoClient.DB, clock)
	orders := adapter.NewOrderStore(mongoClient.DB, clock)
	products := adapter.NewProductStore(mongoClient.DB)
	carts := adapter.NewCartStore(mongoClient.DB)
	auditStore := adapter.NewAuditStore(mongoClient.DB)

	indexed := map[string]indexEnsurer{
		"users":    users,
		"sessions": sessions,
		"orders":   orders,
		"carts":    carts,
		"audit":    auditStore,
	}
	for name, store := range indexed {
		if idxErr := store.EnsureIndexes(ctx); idxErr != nil {
			return nil, fmt.Errorf("authgate setup: ensure %s indexes: %w", name, idxErr)
		}
	}

	// 3. Security store: Redis primary with in-process failover.
	memStore := adapter.NewMemorySecurityStore(clock, domain.MemoryStoreSweepInterval)
	var primary adapter.SecurityBackend
	if redisClient != nil {
		primary = adapter.RedisSecurity{
			RateLimiter:        adapter.NewRateLimiter(redisClient.RDB, clock),
			FailedLoginTracker: adapter.NewFailedLoginTracker(redisClient.RDB, clock),
		}
	}
	security := adapter.NewSecurityFailover(primary, memStore, clock, logger)

	// 4. Token machinery.
	keys, err := createKeyStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("authgate setup: %w", err)
	}
	minter := token.NewMinter(token.MinterConfig{
		Keys:       keys,
		Issuer:     cfg.JWT.Issuer,
		Audience:   cfg.JWT.Audience,
		AccessTTL:  cfg.JWT.AccessExpiry,
		RefreshTTL: cfg.JWT.RefreshExpiry,
		Clock:      clock,
	})
	verifier := token.NewVerifier(token.VerifierConfig{
		Keys:     keys,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		Clock:    clock,
	})
	secrets, err := token.NewSecretBox(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("authgate setup: %w", err)
	}

	// 5. Audit chain, mailer, anomaly detector.
	auditWriter := audit.NewWriter(audit.WriterConfig{
		Store:  auditStore,
		Key:    domain.SecretBytes(cfg.AuditLogKey.Expose()),
		Clock:  clock,
		Logger: logger,
	})

	mailer := createMailer(cfg, logger)

	detector := anomaly.NewDetector(anomaly.Config{
		Orders: orders,
		Events: auditStore,
		Audit:  auditWriter,
		Alerts: mailer,
		Clock:  clock,
		Logger: logger,
	})

	// 6. Payment provider.
	payments := adapter.NewStripePayments(cfg.Stripe.SecretKey.Expose(), cfg.Stripe.Timeout)
	webhooks := adapter.NewStripeWebhookVerifier(cfg.Stripe.WebhookSecret.Expose())

	// 7. Service and HTTP surface.
	svc := app.NewService(app.Config{
		Users:             users,
		Sessions:          sessions,
		Orders:            orders,
		Products:          products,
		Carts:             carts,
		Tracker:           security,
		Minter:            minter,
		Verifier:          verifier,
		Secrets:           secrets,
		Audit:             auditWriter,
		Anomaly:           detector,
		Payments:          payments,
		Webhooks:          webhooks,
		Email:             mailer,
		Clock:             clock,
		Logger:            logger,
		TOTPIssuer:        totpIssuer,
		StrictFingerprint: cfg.IsProduction(),
	})

	router := port.NewRouter(port.RouterConfig{
		Service:       svc,
		Limiter:       security,
		Logger:        logger,
		Origins:       cfg.ClientOrigin,
		Production:    cfg.IsProduction(),
		GeneralLimit:  cfg.RateLimit.MaxRequests,
		GeneralWindow: time.Duration(cfg.RateLimit.WindowMinutes) * time.Minute,
	})

	// 9. Shutdown order: reverse of construction. Background tasks drain
	// first because they still write through Mongo and the mailer.
	cleanup := []server.Cleanup{
		{Name: "mongodb", Close: mongoClient.Disconnect},
	}
	if redisClient != nil {
		cleanup = append(cleanup, server.Cleanup{
			Name:  "redis",
			Close: func(context.Context) error { return redisClient.Close() },
		})
	}
	cleanup = append(cleanup, server.Cleanup{
		Name:  "security-memory-store",
		Close: func(context.Context) error { memStore.Close(); return nil },
	})

	// 8. Vault renewal loop. Its context outlives requests; the cleanup
	// entry stops it.
	if vault != nil {
		vaultCtx, stopVault := context.WithCancel(ctx)
		vault.Start(vaultCtx)
		cleanup = append(cleanup, server.Cleanup{
			Name:  "vault",
			Close: func(context.Context) error { stopVault(); vault.Wait(); return nil },
		})
	}
	cleanup = append(cleanup, server.Cleanup{
		Name: "background-tasks",
		Close: func(context.Context) error {
			svc.Wait()
			detector.Wait()
			return nil
		},
	})

	health := func() map[string]string {
		fields := map[string]string{
			"rate_limit_mode": security.Mode(),
			"vault":           vault.State(),
			"mongo":           "ok",
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Mongo.Timeout)
		defer cancel()
		if pingErr := mongoClient.Ping(pingCtx); pingErr != nil {
			fields["mongo"] = "degraded"
		}
		return fields
	}

	logger.InfoContext(ctx, "authgate service initialized",
		slog.String("environment", cfg.Environment),
		slog.Bool("redis", redisClient != nil),
		slog.String("vault", vault.State()),
	)

	return &application{handler: router, health: health, cleanup: cleanup}, nil
}

// createKeyStore returns the signing keys for the environment. Configured
// PEM paths always win; local development without paths generates an
// ephemeral pair per purpose, so tokens do not survive restarts.
func createKeyStore(cfg *config.Config, logger *slog.Logger) (token.KeyStore, error) {
	j := cfg.JWT
	if j.AccessPrivateKeyPath != "" {
		return token.LoadFileKeyStore(token.FileKeyConfig{
			AccessPrivateKeyPath:  j.AccessPrivateKeyPath,
			AccessPublicKeyPath:   j.AccessPublicKeyPath,
			RefreshPrivateKeyPath: j.RefreshPrivateKeyPath,
			RefreshPublicKeyPath:  j.RefreshPublicKeyPath,
		})
	}
	if !cfg.IsLocal() {
		return nil, fmt.Errorf("%w: jwt key paths", domain.ErrConfigRequired)
	}

	store := token.NewStaticKeyStore()
	for _, p := range []token.Purpose{token.PurposeAccess, token.PurposeRefresh} {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate dev %s key: %w", p, err)
		}
		store.SetPair(p, key, token.KeyID(p, &key.PublicKey))
	}
	logger.Info("using ephemeral signing keys for local development; tokens will not survive restarts")
	return store, nil
}

// createMailer returns the transactional mailer for the environment.
// Missing Postmark credentials select the log-only mailer so local
// development needs no provider account.
func createMailer(cfg *config.Config, logger *slog.Logger) mailSender {
	mcfg := adapter.MailerConfig{
		From:           cfg.Email.From,
		SecurityAlerts: cfg.Email.SecurityAlerts,
		BaseURL:        linkBaseURL(cfg),
	}
	if cfg.Postmark.ServerToken.IsEmpty() {
		if cfg.IsLocal() {
			logger.Info("using log-only mailer for local development")
		} else {
			logger.Warn("postmark server token missing, using log-only mailer")
		}
		return adapter.NewLogMailer(logger, mcfg)
	}
	client := postmark.NewClient(cfg.Postmark.ServerToken.Expose(), cfg.Postmark.AccountToken.Expose())
	return adapter.NewPostmarkMailer(client, mcfg)
}

// linkBaseURL picks the origin token links point at: the first allowed
// client origin, or the conventional dev frontend.
func linkBaseURL(cfg *config.Config) string {
	if len(cfg.ClientOrigin) > 0 {
		return cfg.ClientOrigin[0]
	}
	return "http://localhost:3000"
}
