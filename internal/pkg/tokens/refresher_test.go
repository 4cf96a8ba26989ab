package tokens

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestRefresher(t *testing.T, handler http.HandlerFunc) *OAuth2Refresher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOAuth2Refresher("client-id", "client-secret", oauth2.Endpoint{
		TokenURL:  srv.URL,
		AuthStyle: oauth2.AuthStyleInParams,
	})
}

func TestOAuth2Refresher_Success(t *testing.T) {
	r := newTestRefresher(t, func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "refresh_token", req.PostForm.Get("grant_type"))
		assert.Equal(t, "R1", req.PostForm.Get("refresh_token"))
		assert.Equal(t, "client-id", req.PostForm.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"A2","token_type":"Bearer","expires_in":3600}`))
	})

	tok, err := r.Refresh(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, "A2", tok.AccessToken)
	assert.Empty(t, tok.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, time.Minute)
}

func TestOAuth2Refresher_RotatedRefreshToken(t *testing.T) {
	r := newTestRefresher(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"A2","refresh_token":"R2","token_type":"Bearer","expires_in":3600}`))
	})

	tok, err := r.Refresh(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, "R2", tok.RefreshToken)
}

func TestOAuth2Refresher_MissingExpiryUsesFallback(t *testing.T) {
	r := newTestRefresher(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"A2","token_type":"Bearer"}`))
	})
	r.now = fixedClock()

	tok, err := r.Refresh(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(fallbackTokenLifetime), tok.ExpiresAt)
}

func TestOAuth2Refresher_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "invalid grant", status: http.StatusBadRequest, body: `{"error":"invalid_grant"}`, want: ErrRefreshFailed},
		{name: "unauthorized client", status: http.StatusUnauthorized, body: `{"error":"unauthorized_client"}`, want: ErrRefreshFailed},
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":"internal"}`, want: ErrAuthorityUnreachable},
		{name: "unavailable", status: http.StatusServiceUnavailable, body: ``, want: ErrAuthorityUnreachable},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"error":"rate_limit"}`, want: ErrAuthorityUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRefresher(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := r.Refresh(context.Background(), "R1")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOAuth2Refresher_TransportFailureIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	r := NewOAuth2Refresher("id", "secret", oauth2.Endpoint{TokenURL: url, AuthStyle: oauth2.AuthStyleInParams})
	_, err := r.Refresh(context.Background(), "R1")
	assert.ErrorIs(t, err, ErrAuthorityUnreachable)
}

func TestOAuth2Refresher_EmptyRefreshToken(t *testing.T) {
	r := NewGoogleRefresher("id", "secret")
	_, err := r.Refresh(context.Background(), " ")
	assert.ErrorIs(t, err, ErrRefreshFailed)
}
