package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/quizaccess/internal/ratelimit"
	"github.com/mihaimyh/quizaccess/pkg/api"
	"github.com/mihaimyh/quizaccess/pkg/billing"
	promadapter "github.com/mihaimyh/quizaccess/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/quizaccess/pkg/billing/revenuecat"
	"github.com/mihaimyh/quizaccess/pkg/billing/stripe"
	"github.com/mihaimyh/quizaccess/pkg/config"
	"github.com/mihaimyh/quizaccess/pkg/entitlement"
	zerologadapter "github.com/mihaimyh/quizaccess/pkg/entitlement/logger/zerolog"
	"github.com/mihaimyh/quizaccess/pkg/recompute"
	"github.com/mihaimyh/quizaccess/storage/firestore"
	"github.com/mihaimyh/quizaccess/storage/memory"
	"github.com/mihaimyh/quizaccess/storage/postgres"
	"github.com/mihaimyh/quizaccess/storage/redis"
	"github.com/mihaimyh/quizaccess/storage/tiered"
)

// Webhook routes
const (
	revenueCatWebhookPath = "/webhooks/revenuecat"
	stripeWebhookPath     = "/webhooks/stripe"
)

// app holds the wired service and the resources to release on exit
type app struct {
	router  http.Handler
	limiter *ratelimit.Limiter
	closers []func()
}

// Close releases backend connections in reverse order of creation
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, zl zerolog.Logger, reg *prometheus.Registry) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger := zerologadapter.NewLogger(zl)

	var metrics billing.Metrics = &billing.NoopMetrics{}
	if cfg.Metrics.Enabled {
		metrics = promadapter.NewMetrics(reg, cfg.Metrics.Namespace)
	}

	catalog := entitlement.DefaultCatalog()
	if cfg.Catalog.Path != "" {
		if catalog, err = entitlement.LoadCatalog(cfg.Catalog.Path); err != nil {
			return nil, err
		}
	}

	store, ledger, err := a.openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reader := entitlement.NewCachedReader(store, 0, 0)

	base := billing.Config{
		Store:   store,
		Ledger:  ledger,
		Catalog: catalog,
		Metrics: metrics,
		Logger:  logger,
		WebhookCallback: func(_ context.Context, event billing.WebhookEvent) error {
			reader.Invalidate(event.UserID)
			return nil
		},
	}

	rcConfig := base
	rcConfig.Logger = logger.Component("revenuecat")
	rcConfig.WebhookSecret = cfg.RevenueCat.WebhookSecret
	rcConfig.HMACSecret = cfg.RevenueCat.HMACSecret
	rcConfig.APIKey = cfg.RevenueCat.APIKey
	rcConfig.BaseURL = cfg.RevenueCat.BaseURL
	rc, err := revenuecat.NewProvider(rcConfig)
	if err != nil {
		return nil, fmt.Errorf("revenuecat provider: %w", err)
	}

	syncers := map[string]billing.Syncer{rc.Name(): rc}
	var stripeProvider *stripe.Provider
	if cfg.Stripe.SecretKey != "" {
		stripeConfig := base
		stripeConfig.Logger = logger.Component("stripe")
		stripeProvider, err = stripe.NewProvider(stripe.Config{
			Config:              stripeConfig,
			StripeAPIKey:        cfg.Stripe.SecretKey,
			StripeWebhookSecret: cfg.Stripe.WebhookSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("stripe provider: %w", err)
		}
		syncers[stripeProvider.Name()] = stripeProvider
	} else {
		zl.Warn().Msg("STRIPE_SECRET_KEY not set, stripe webhook disabled")
	}

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		return nil, err
	}

	svc, err := recompute.NewService(recompute.Config{
		Store:   store,
		Metrics: metrics,
		Logger:  logger.Component("recompute"),
		OnUpdated: func(_ context.Context, uid string) {
			reader.Invalidate(uid)
		},
	})
	if err != nil {
		return nil, err
	}

	provisioner := &entitlement.Provisioner{
		Store:          store,
		Credits:        cfg.Promo.Credits,
		BoardReviewFor: cfg.Promo.BoardReviewFor,
		PlanName:       cfg.Promo.BoardReviewPlan,
	}

	a.limiter = ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	handler, err := api.NewHandler(api.Config{
		Service:     svc,
		Verifier:    verifier,
		Limiter:     a.limiter,
		Syncers:     syncers,
		Provisioner: provisioner,
		Logger:      logger.Component("api"),
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	r.Handle(revenueCatWebhookPath, rc.WebhookHandler())
	if stripeProvider != nil {
		r.Handle(stripeWebhookPath, stripeProvider.WebhookHandler())
	}
	r.HandleFunc(api.RecomputePath, handler.Recompute)
	r.HandleFunc(api.SyncPath, handler.Sync)
	r.HandleFunc(api.ProvisionPath, handler.Provision)
	r.With(authenticated(verifier), accessGate(reader)).Get(accessPath, serveAccess)

	a.router = r
	return a, nil
}

// openStorage connects the document store and the ledger named by the config
func (a *app) openStorage(ctx context.Context, cfg *config.Config) (entitlement.Store, entitlement.Ledger, error) {
	var store entitlement.Store
	var docLedger entitlement.Ledger

	switch cfg.Store.Backend {
	case "memory":
		mem := memory.New()
		store, docLedger = mem, mem
	default:
		client, err := gcfirestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })

		fs, err := firestore.New(client, firestore.Config{
			UsersCollection:  cfg.Firestore.UsersCollection,
			EventsCollection: cfg.Firestore.EventsCollection,
		})
		if err != nil {
			return nil, nil, err
		}
		store, docLedger = fs, fs
	}

	switch cfg.Ledger.Backend {
	case "redis":
		l, err := a.openRedis(cfg, 0)
		return store, l, err
	case "postgres":
		l, err := a.openPostgres(ctx, cfg)
		return store, l, err
	case "tiered":
		hot, err := a.openRedis(cfg, cfg.Ledger.HotTTL)
		if err != nil {
			return nil, nil, err
		}
		cold := docLedger
		if cfg.Ledger.PostgresDSN != "" {
			if cold, err = a.openPostgres(ctx, cfg); err != nil {
				return nil, nil, err
			}
		}
		t, err := tiered.New(tiered.Config{Hot: hot, Cold: cold})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { _ = t.Close() })
		return store, t, nil
	default:
		return store, docLedger, nil
	}
}

func (a *app) openRedis(cfg *config.Config, ttl time.Duration) (*redis.Ledger, error) {
	opts, err := goredis.ParseURL(cfg.Ledger.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	l, err := redis.New(goredis.NewClient(opts), redis.Config{EntryTTL: ttl})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = l.Close() })
	return l, nil
}

func (a *app) openPostgres(ctx context.Context, cfg *config.Config) (*postgres.Ledger, error) {
	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.Ledger.PostgresDSN
	l, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, l.Close)
	if err := l.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// newVerifier builds the caller-token verifier for the recompute callable
func newVerifier(ctx context.Context, cfg *config.Config) (recompute.TokenVerifier, error) {
	if cfg.Auth.Mode == "jwt" {
		return recompute.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer)
	}

	fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.Firestore.ProjectID})
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	authClient, err := fbApp.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth: %w", err)
	}
	return recompute.NewFirebaseVerifier(authClient, cfg.Auth.AdminClaim), nil
}
