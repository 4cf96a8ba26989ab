package oauth

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/middleware/session"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/markbates/goth"
	"github.com/markbates/goth/gothic"
	"github.com/markbates/goth/providers/google"
	gothfiber "github.com/shareed2k/goth_fiber"

	"github.com/inboxpilot/inboxpilot/app/models"
	"github.com/inboxpilot/inboxpilot/internal/pkg/cache"
	"github.com/inboxpilot/inboxpilot/internal/pkg/env"
)

// ProviderGmail is the goth provider name used for Google sign-in with
// Gmail access. Routes are /auth/gmail and /auth/gmail/callback.
const ProviderGmail = "gmail"

// Setup registers the Google provider and the Redis-backed OAuth state store.
// It is safe to call multiple times; providers will just be re-registered.
func Setup() {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	if base == "" {
		base = "http://localhost:" + env.GetEnv("APP_PORT", "4000")
	}

	provider := NewGmailProvider(
		env.GetEnv("GOOGLE_KEY", ""),
		env.GetEnv("GOOGLE_SECRET", ""),
		base+"/auth/"+ProviderGmail+"/callback",
	)
	goth.UseProviders(provider)

	// OAuth state via Redis, using same connection as app sessions (separate DB)
	cacheClient := cache.GetClient()
	cacheOpts := cacheClient.Options()
	host, port := "127.0.0.1", 6379
	if cacheOpts != nil && cacheOpts.Addr != "" {
		if h, p, err := net.SplitHostPort(cacheOpts.Addr); err == nil {
			host = h
			if parsed, e := strconv.Atoi(p); e == nil {
				port = parsed
			}
		} else {
			host = cacheOpts.Addr
		}
	}

	gothfiber.SessionStore = session.New(session.Config{
		Storage: redisstorage.New(redisstorage.Config{
			Host:     host,
			Port:     port,
			Username: cacheOpts.Username,
			Password: cacheOpts.Password,
			Database: 2,
			Reset:    false,
		}),
		KeyLookup:      "cookie:" + gothic.SessionName,
		CookieHTTPOnly: true,
		CookieSameSite: "Lax",
		CookieSecure:   !env.IsDev(),
		Expiration:     time.Hour,
	})
}

// NewGmailProvider returns a Google provider asking for Gmail access. goth
// already requests access_type=offline; prompt=consent makes Google issue a
// refresh token on every consent.
func NewGmailProvider(clientKey, secret, callbackURL string) *google.Provider {
	provider := google.New(clientKey, secret, callbackURL, models.GmailScopes...)
	provider.SetName(ProviderGmail)
	provider.SetPrompt("consent")
	return provider
}
