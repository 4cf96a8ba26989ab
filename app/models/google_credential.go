package models

import (
	"strings"
	"time"
)

// Gmail scopes requested on consent. The set is fixed per deployment.
const (
	ScopeGmailReadonly = "https://www.googleapis.com/auth/gmail.readonly"
	ScopeGmailSend     = "https://www.googleapis.com/auth/gmail.send"
	ScopeEmail         = "email"
	ScopeProfile       = "profile"
)

// GmailScopes lists the scopes requested when a user connects Gmail.
var GmailScopes = []string{ScopeEmail, ScopeProfile, ScopeGmailReadonly, ScopeGmailSend}

// GoogleCredential stores the OAuth grant a user gave for Gmail access.
// RefreshToken is never empty once the row exists; AccessToken and
// ExpiresAt may be stale and are re-validated on every use.
type GoogleCredential struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	UserID       uint       `gorm:"not null;uniqueIndex:ux_google_credentials_user" json:"user_id"`
	AccountEmail string     `gorm:"type:varchar(200);default:''" json:"account_email"`
	AccessToken  *string    `gorm:"type:text" json:"-"`
	RefreshToken string     `gorm:"type:text;not null" json:"-"`
	ExpiresAt    *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	Scopes       string     `gorm:"type:text" json:"scopes"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ScopeList returns the granted scopes as a slice.
func (c *GoogleCredential) ScopeList() []string {
	return strings.Fields(c.Scopes)
}

// HasScope reports whether the grant includes scope.
func (c *GoogleCredential) HasScope(scope string) bool {
	for _, s := range c.ScopeList() {
		if s == scope {
			return true
		}
	}
	return false
}

// JoinScopes normalizes a scope set into its stored form.
func JoinScopes(scopes []string) string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return strings.Join(out, " ")
}
