package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setMinimalEnv sets the variables a local memory-backed process needs.
func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "local")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("LEDGER_BACKEND", "memory")
	t.Setenv("AUTH_MODE", "jwt")
	t.Setenv("AUTH_JWT_SECRET", "a-very-long-signing-secret-for-tests-only")
}

func TestLoad_Defaults(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "users", cfg.Firestore.UsersCollection)
	assert.Equal(t, "entitlementEvents", cfg.Firestore.EventsCollection)
	assert.Equal(t, "https://api.revenuecat.com/v1", cfg.RevenueCat.BaseURL)
	assert.Equal(t, "admin", cfg.Auth.AdminClaim)
	assert.Equal(t, "quizaccess", cfg.Metrics.Namespace)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 30, cfg.RateLimit.Requests)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 72*time.Hour, cfg.Ledger.HotTTL)
	assert.Zero(t, cfg.Promo.Credits)
	assert.Zero(t, cfg.Promo.BoardReviewFor)
	assert.Equal(t, "Promotional", cfg.Promo.BoardReviewPlan)
}

func TestLoad_Promo(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("PROMO_CREDITS", "2.5")
	t.Setenv("PROMO_BOARD_REVIEW_FOR", "168h")
	t.Setenv("PROMO_BOARD_REVIEW_PLAN", "Launch Week")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2.5, cfg.Promo.Credits)
	assert.Equal(t, 7*24*time.Hour, cfg.Promo.BoardReviewFor)
	assert.Equal(t, "Launch Week", cfg.Promo.BoardReviewPlan)

	t.Setenv("PROMO_CREDITS", "-1")
	_, err = Load()
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, ErrValidation, cfgErr.Type)
}

func TestLoad_FirestoreBackends(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("STORE_BACKEND", "firestore")
	t.Setenv("LEDGER_BACKEND", "tiered")
	t.Setenv("FIRESTORE_PROJECT_ID", "quiz-prod")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "quiz-prod", cfg.Firestore.ProjectID)
	assert.Equal(t, "tiered", cfg.Ledger.Backend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Ledger.RedisURL)
	assert.Equal(t, "sk_test_123", cfg.Stripe.SecretKey)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"invalid environment", map[string]string{"APP_ENV": "qa"}},
		{"invalid store backend", map[string]string{"STORE_BACKEND": "sqlite"}},
		{"firestore without project", map[string]string{"STORE_BACKEND": "firestore", "LEDGER_BACKEND": "firestore", "FIRESTORE_PROJECT_ID": ""}},
		{"redis ledger without url", map[string]string{"STORE_BACKEND": "firestore", "FIRESTORE_PROJECT_ID": "p", "LEDGER_BACKEND": "redis", "REDIS_URL": ""}},
		{"postgres ledger without dsn", map[string]string{"STORE_BACKEND": "firestore", "FIRESTORE_PROJECT_ID": "p", "LEDGER_BACKEND": "postgres", "POSTGRES_DSN": ""}},
		{"memory ledger with firestore store", map[string]string{"STORE_BACKEND": "firestore", "FIRESTORE_PROJECT_ID": "p"}},
		{"firestore ledger with memory store", map[string]string{"LEDGER_BACKEND": "firestore", "FIRESTORE_PROJECT_ID": "p"}},
		{"short jwt secret", map[string]string{"AUTH_JWT_SECRET": "short"}},
		{"memory store in prod", map[string]string{"APP_ENV": "prod"}},
		{"stripe key without webhook secret", map[string]string{"STRIPE_SECRET_KEY": "sk_test", "STRIPE_WEBHOOK_SECRET": ""}},
		{"revenuecat key without secrets", map[string]string{"REVENUECAT_API_KEY": "rc_key", "REVENUECAT_WEBHOOK_SECRET": "", "REVENUECAT_HMAC_SECRET": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setMinimalEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, ErrValidation, cfgErr.Type)
		})
	}
}

func TestLoad_ParsingFailure(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("RECOMPUTE_RATE_WINDOW", "not-a-duration")

	_, err := Load()
	require.Error(t, err)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, ErrParsing, cfgErr.Type)
	assert.Contains(t, err.Error(), "PARSING_FAILED")
}

func TestLoad_DotenvFile(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("LOG_LEVEL", "warn")

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("LOG_LEVEL=debug\nMETRICS_NAMESPACE=quiz_test\n"), 0o600))
	// godotenv does not override variables that are already set
	t.Setenv("METRICS_NAMESPACE", "")
	os.Unsetenv("METRICS_NAMESPACE")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "quiz_test", cfg.Metrics.Namespace)
}
