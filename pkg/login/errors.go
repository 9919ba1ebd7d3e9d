package login

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials is returned for a wrong username/email or
	// password. The two cases are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrNoPasswordSet is returned for accounts created through an external
	// identity provider that never set a local password.
	ErrNoPasswordSet = errors.New("account has no password set")
)

// AccountLockedError reports a locked account and how long the caller has
// to wait before trying again.
type AccountLockedError struct {
	RetryAfter time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account is locked, retry after %s", e.RetryAfter.Round(time.Second))
}

// IsAccountLocked reports whether err is an AccountLockedError and returns it.
func IsAccountLocked(err error) (*AccountLockedError, bool) {
	var locked *AccountLockedError
	if errors.As(err, &locked) {
		return locked, true
	}
	return nil, false
}
