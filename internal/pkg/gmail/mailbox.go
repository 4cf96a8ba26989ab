package gmail

import (
	"context"
	"errors"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/inboxpilot/inboxpilot/internal/pkg/tokens"
)

// TokenProvider is implemented by tokens.Manager.
type TokenProvider interface {
	GetValidToken(ctx context.Context, ownerID uint) (*tokens.Token, error)
	ForceRefresh(ctx context.Context, ownerID uint, rejectedAccessToken string) (*tokens.Token, error)
}

// Mailbox runs Gmail operations on behalf of an owner. When Gmail rejects
// the access token it forces one refresh and retries once.
type Mailbox struct {
	tokens   TokenProvider
	resource Resource
}

func NewMailbox(provider TokenProvider, resource Resource) *Mailbox {
	return &Mailbox{tokens: provider, resource: resource}
}

func (m *Mailbox) List(ctx context.Context, ownerID uint, q ListQuery) (*ListResult, error) {
	return withRetry(ctx, m, ownerID, func(token string) (*ListResult, error) {
		return m.resource.List(ctx, token, q)
	})
}

func (m *Mailbox) Get(ctx context.Context, ownerID uint, id string) (*Message, error) {
	return withRetry(ctx, m, ownerID, func(token string) (*Message, error) {
		return m.resource.Get(ctx, token, id)
	})
}

func (m *Mailbox) Send(ctx context.Context, ownerID uint, out Outgoing) (*SentMessage, error) {
	return withRetry(ctx, m, ownerID, func(token string) (*SentMessage, error) {
		return m.resource.Send(ctx, token, out)
	})
}

func withRetry[T any](ctx context.Context, m *Mailbox, ownerID uint, call func(token string) (T, error)) (T, error) {
	var zero T

	tok, err := m.tokens.GetValidToken(ctx, ownerID)
	if err != nil {
		return zero, err
	}
	result, err := call(tok.AccessToken)
	if err == nil || !errors.Is(err, ErrTokenRejected) {
		return result, err
	}

	fiberlog.Infof("gmail: access token rejected for user %d, forcing refresh", ownerID)
	tok, err = m.tokens.ForceRefresh(ctx, ownerID, tok.AccessToken)
	if err != nil {
		return zero, err
	}
	return call(tok.AccessToken)
}
