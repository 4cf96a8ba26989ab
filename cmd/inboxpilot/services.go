package main

import (
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/inboxpilot/inboxpilot/app/controllers"
	"github.com/inboxpilot/inboxpilot/app/repository"
	"github.com/inboxpilot/inboxpilot/internal/pkg/billing"
	"github.com/inboxpilot/inboxpilot/internal/pkg/cache"
	"github.com/inboxpilot/inboxpilot/internal/pkg/database"
	"github.com/inboxpilot/inboxpilot/internal/pkg/entitlements"
	"github.com/inboxpilot/inboxpilot/internal/pkg/env"
	"github.com/inboxpilot/inboxpilot/internal/pkg/gmail"
	"github.com/inboxpilot/inboxpilot/internal/pkg/metrics/counter"
	"github.com/inboxpilot/inboxpilot/internal/pkg/router"
	"github.com/inboxpilot/inboxpilot/internal/pkg/tokens"
)

const openAPIFile = "public/docs/v1/openapi.yml"

// newServices wires the domain services from the environment.
func newServices() router.Services {
	db := database.GetDB()
	repository.InitializeFactory(db)
	repos := repository.GetGlobalFactory().GetRepositories()

	webhookCounter := counter.New(cache.GetClient(), counter.WebhookOutcomesKey)
	refreshCounter := counter.New(cache.GetClient(), counter.TokenRefreshesKey)

	manager := tokens.NewManager(
		repos.Credential,
		tokens.NewGoogleRefresher(env.GetEnv("GOOGLE_KEY", ""), env.GetEnv("GOOGLE_SECRET", "")),
		newLocker(env.GetEnv("TOKEN_LOCK_BACKEND", "memory")),
		tokens.WithExpiryLeeway(durationEnv("TOKEN_EXPIRY_LEEWAY", 0)),
		tokens.WithRecorder(refreshCounter),
	)

	var gmailOpts []gmail.ClientOption
	if endpoint := env.GetEnv("GMAIL_API_ENDPOINT", ""); endpoint != "" {
		gmailOpts = append(gmailOpts, gmail.WithEndpoint(endpoint))
	}
	gmailOpts = append(gmailOpts, gmail.WithTimeout(durationEnv("GMAIL_API_TIMEOUT", 15*time.Second)))

	secret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")
	if secret == "" {
		log.Printf("Warning: STRIPE_WEBHOOK_SECRET is empty, every Stripe delivery will be rejected")
	}

	return router.Services{
		Users:    repos.User,
		Tokens:   manager,
		Mailbox:  gmail.NewMailbox(manager, gmail.NewClient(gmailOpts...)),
		Features: entitlements.NewService(repos.Feature),
		Billing: billing.NewServiceFromDB(db, secret,
			billing.WithSignatureTolerance(durationEnv("STRIPE_WEBHOOK_TOLERANCE", billing.DefaultSignatureTolerance)),
			billing.WithRecorder(webhookCounter),
		),
		Counters: map[string]controllers.CountSource{
			"webhook_outcomes": webhookCounter,
			"token_refreshes":  refreshCounter,
		},
		RateLimit: intEnv("API_RATE_LIMIT", 0),
	}
}

// newLocker picks the refresh lock. Deployments with more than one instance
// must use redis.
func newLocker(backend string) tokens.Locker {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "redis":
		log.Printf("Using redis for token refresh locks")
		return tokens.NewRedisLocker(cache.GetClient())
	case "", "memory":
		return tokens.NewMemoryLocker()
	default:
		log.Printf("Warning: unknown TOKEN_LOCK_BACKEND %q, using memory", backend)
		return tokens.NewMemoryLocker()
	}
}

// durationEnv accepts Go durations ("90s") or plain seconds.
func durationEnv(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("Warning: invalid %s %q, using %s", key, raw, def)
	return def
}

func intEnv(key string, def int) int {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Warning: invalid %s %q, using %d", key, raw, def)
		return def
	}
	return n
}
