package tokens

import "errors"

var (
	// ErrCredentialMissing means no grant is on file; the user must consent.
	ErrCredentialMissing = errors.New("tokens: no credential on file")
	// ErrRefreshFailed means the authority rejected the refresh token. The
	// stored credential is kept; the user must re-consent.
	ErrRefreshFailed = errors.New("tokens: refresh rejected by authority")
	// ErrAuthorityUnreachable is transient and safe to retry with backoff.
	ErrAuthorityUnreachable = errors.New("tokens: authority unreachable")
)

// NeedsReconsent reports whether err can only be resolved by the user
// granting access again.
func NeedsReconsent(err error) bool {
	return errors.Is(err, ErrCredentialMissing) || errors.Is(err, ErrRefreshFailed)
}
