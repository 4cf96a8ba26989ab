package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	defaultRefreshTimeout = 15 * time.Second
	// Used when the authority omits expires_in.
	fallbackTokenLifetime = 15 * time.Minute
)

// RefreshedToken is what the authority handed back for a refresh grant.
// RefreshToken is empty unless the authority rotated it.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher exchanges a refresh token for a new access token. Errors wrap
// ErrRefreshFailed or ErrAuthorityUnreachable.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshedToken, error)
}

// OAuth2Refresher performs the refresh_token grant against an OAuth2 token
// endpoint, Google's by default.
type OAuth2Refresher struct {
	config     *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

// NewGoogleRefresher returns a refresher for Google's token endpoint.
func NewGoogleRefresher(clientID, clientSecret string) *OAuth2Refresher {
	return NewOAuth2Refresher(clientID, clientSecret, google.Endpoint)
}

func NewOAuth2Refresher(clientID, clientSecret string, endpoint oauth2.Endpoint) *OAuth2Refresher {
	return &OAuth2Refresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
		},
		httpClient: &http.Client{Timeout: defaultRefreshTimeout},
		now:        time.Now,
	}
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (*RefreshedToken, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("%w: empty refresh token", ErrRefreshFailed)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		return nil, fmt.Errorf("%w: authority returned empty access_token", ErrRefreshFailed)
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = r.now().Add(fallbackTokenLifetime)
	}

	out := &RefreshedToken{
		AccessToken: tok.AccessToken,
		ExpiresAt:   expiresAt,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

// classifyRefreshError splits authority rejections (4xx, e.g. invalid_grant)
// from transient failures (transport errors, timeouts, 5xx, 429).
func classifyRefreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			return fmt.Errorf("%w: token endpoint status %d", ErrAuthorityUnreachable, status)
		}
		code := retrieveErr.ErrorCode
		if code == "" {
			code = fmt.Sprintf("status %d", status)
		}
		return fmt.Errorf("%w: %s", ErrRefreshFailed, code)
	}
	return fmt.Errorf("%w: %v", ErrAuthorityUnreachable, err)
}
