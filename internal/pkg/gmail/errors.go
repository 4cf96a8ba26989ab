package gmail

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

var (
	// ErrTokenRejected means Gmail answered 401 for the supplied access token.
	ErrTokenRejected = errors.New("gmail: access token rejected")
	// ErrResourceRejected covers all other 4xx answers; retrying will not help.
	ErrResourceRejected = errors.New("gmail: request rejected")
	// ErrResourceUnavailable covers 5xx, 429, timeouts and transport errors.
	ErrResourceUnavailable = errors.New("gmail: service unavailable")
)

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("gmail: %s: %w: %w", op, ErrTokenRejected, err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError:
			return fmt.Errorf("gmail: %s: %w: %w", op, ErrResourceUnavailable, err)
		case apiErr.Code >= http.StatusBadRequest:
			return fmt.Errorf("gmail: %s: %w: %w", op, ErrResourceRejected, err)
		}
	}
	return fmt.Errorf("gmail: %s: %w: %w", op, ErrResourceUnavailable, err)
}
