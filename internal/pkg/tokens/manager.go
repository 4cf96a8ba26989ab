package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/inboxpilot/inboxpilot/app/models"
	"gorm.io/gorm"
)

// Token is a usable access token for one owner.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Grant is the result of an OAuth consent flow.
type Grant struct {
	AccountEmail string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// Connection describes the stored grant without exposing token values.
type Connection struct {
	Connected    bool
	AccountEmail string
	Scopes       []string
	ExpiresAt    *time.Time
	UpdatedAt    time.Time
}

// Store is the credential persistence the manager relies on.
// GetByUserID returns gorm.ErrRecordNotFound for unknown owners.
type Store interface {
	GetByUserID(ctx context.Context, userID uint) (*models.GoogleCredential, error)
	Upsert(ctx context.Context, cred *models.GoogleCredential) error
	UpdateTokens(ctx context.Context, userID uint, accessToken string, expiresAt time.Time, rotatedRefreshToken string) error
	DeleteByUserID(ctx context.Context, userID uint) error
}

// Manager hands out valid Google access tokens and refreshes them on demand.
// Refreshes for the same owner are serialized through the Locker.
type Manager struct {
	store     Store
	refresher Refresher
	locker    Locker
	now       func() time.Time
	leeway    time.Duration
	recorder  Recorder
}

// Recorder counts refresh results; counter.Counter implements it.
type Recorder interface {
	Incr(ctx context.Context, field string) error
}

type Option func(*Manager)

// WithRecorder counts refreshes as "refreshed", "rejected" and "unreachable".
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithExpiryLeeway treats tokens as expired d before their expiry.
func WithExpiryLeeway(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.leeway = d
		}
	}
}

func NewManager(store Store, refresher Refresher, locker Locker, opts ...Option) *Manager {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	m := &Manager{
		store:     store,
		refresher: refresher,
		locker:    locker,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetValidToken returns a token that is valid right now, refreshing it when
// the stored one is missing or expired.
func (m *Manager) GetValidToken(ctx context.Context, ownerID uint) (*Token, error) {
	cred, err := m.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if m.usable(cred) {
		return tokenFrom(cred), nil
	}
	return m.refreshLocked(ctx, ownerID, "")
}

// ForceRefresh is called after the resource server rejected rejectedAccessToken.
// A token refreshed concurrently by another caller is reused.
func (m *Manager) ForceRefresh(ctx context.Context, ownerID uint, rejectedAccessToken string) (*Token, error) {
	return m.refreshLocked(ctx, ownerID, rejectedAccessToken)
}

// Connect stores a freshly consented grant. Google omits the refresh token on
// some re-consents; the stored one is kept in that case.
func (m *Manager) Connect(ctx context.Context, ownerID uint, grant Grant) error {
	if ownerID == 0 {
		return errors.New("tokens: owner id is required")
	}

	handle, err := m.locker.Acquire(ctx, lockKey(ownerID))
	if err != nil {
		return fmt.Errorf("tokens: acquire lock: %w", err)
	}
	defer m.unlock(ctx, handle, ownerID)

	refreshToken := strings.TrimSpace(grant.RefreshToken)
	if refreshToken == "" {
		existing, err := m.store.GetByUserID(ctx, ownerID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: consent returned no refresh token", ErrCredentialMissing)
			}
			return fmt.Errorf("tokens: load credential: %w", err)
		}
		refreshToken = existing.RefreshToken
	}

	cred := &models.GoogleCredential{
		UserID:       ownerID,
		AccountEmail: grant.AccountEmail,
		RefreshToken: refreshToken,
		Scopes:       models.JoinScopes(grant.Scopes),
	}
	if grant.AccessToken != "" {
		access := grant.AccessToken
		cred.AccessToken = &access
		if !grant.ExpiresAt.IsZero() {
			expiresAt := grant.ExpiresAt
			cred.ExpiresAt = &expiresAt
		}
	}
	if err := m.store.Upsert(ctx, cred); err != nil {
		return fmt.Errorf("tokens: store credential: %w", err)
	}
	fiberlog.Infof("tokens: stored Google grant for user %d", ownerID)
	return nil
}

// Disconnect removes the stored grant.
func (m *Manager) Disconnect(ctx context.Context, ownerID uint) error {
	handle, err := m.locker.Acquire(ctx, lockKey(ownerID))
	if err != nil {
		return fmt.Errorf("tokens: acquire lock: %w", err)
	}
	defer m.unlock(ctx, handle, ownerID)

	if err := m.store.DeleteByUserID(ctx, ownerID); err != nil {
		return fmt.Errorf("tokens: delete credential: %w", err)
	}
	fiberlog.Infof("tokens: removed Google grant for user %d", ownerID)
	return nil
}

// Connection reports whether ownerID has a grant on file.
func (m *Manager) Connection(ctx context.Context, ownerID uint) (*Connection, error) {
	cred, err := m.store.GetByUserID(ctx, ownerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Connection{Connected: false}, nil
		}
		return nil, fmt.Errorf("tokens: load credential: %w", err)
	}
	return &Connection{
		Connected:    true,
		AccountEmail: cred.AccountEmail,
		Scopes:       cred.ScopeList(),
		ExpiresAt:    cred.ExpiresAt,
		UpdatedAt:    cred.UpdatedAt,
	}, nil
}

func (m *Manager) refreshLocked(ctx context.Context, ownerID uint, rejected string) (*Token, error) {
	handle, err := m.locker.Acquire(ctx, lockKey(ownerID))
	if err != nil {
		return nil, fmt.Errorf("tokens: acquire lock: %w", err)
	}
	defer m.unlock(ctx, handle, ownerID)

	cred, err := m.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if m.usable(cred) && (rejected == "" || *cred.AccessToken != rejected) {
		return tokenFrom(cred), nil
	}

	refreshed, err := m.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshFailed) {
			fiberlog.Warnf("tokens: refresh rejected for user %d: %v", ownerID, err)
			m.record(ctx, "rejected")
		} else {
			fiberlog.Errorf("tokens: refresh failed for user %d: %v", ownerID, err)
			m.record(ctx, "unreachable")
		}
		return nil, err
	}
	m.record(ctx, "refreshed")

	rotated := ""
	if refreshed.RefreshToken != "" && refreshed.RefreshToken != cred.RefreshToken {
		rotated = refreshed.RefreshToken
	}
	if err := m.store.UpdateTokens(ctx, ownerID, refreshed.AccessToken, refreshed.ExpiresAt, rotated); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialMissing
		}
		return nil, fmt.Errorf("tokens: persist refreshed token: %w", err)
	}

	refreshToken := cred.RefreshToken
	if rotated != "" {
		refreshToken = rotated
	}
	return &Token{
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    refreshed.ExpiresAt,
	}, nil
}

func (m *Manager) load(ctx context.Context, ownerID uint) (*models.GoogleCredential, error) {
	cred, err := m.store.GetByUserID(ctx, ownerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialMissing
		}
		return nil, fmt.Errorf("tokens: load credential: %w", err)
	}
	if strings.TrimSpace(cred.RefreshToken) == "" {
		return nil, ErrCredentialMissing
	}
	return cred, nil
}

// usable is false at or past expires_at and when either value is missing.
func (m *Manager) usable(cred *models.GoogleCredential) bool {
	if cred.AccessToken == nil || *cred.AccessToken == "" || cred.ExpiresAt == nil {
		return false
	}
	return m.now().Add(m.leeway).Before(*cred.ExpiresAt)
}

func (m *Manager) unlock(ctx context.Context, handle LockHandle, ownerID uint) {
	if err := handle.Unlock(context.WithoutCancel(ctx)); err != nil {
		fiberlog.Warnf("tokens: release lock for user %d: %v", ownerID, err)
	}
}

func (m *Manager) record(ctx context.Context, field string) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.Incr(context.WithoutCancel(ctx), field); err != nil {
		fiberlog.Warnf("tokens: record %s: %v", field, err)
	}
}

func lockKey(ownerID uint) string {
	return fmt.Sprintf("google:%d", ownerID)
}

func tokenFrom(cred *models.GoogleCredential) *Token {
	return &Token{
		AccessToken:  *cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    *cred.ExpiresAt,
	}
}
