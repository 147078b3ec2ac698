package authclient

import "github.com/pkg/errors"

var (
	// ErrUnauthorized marks an authorization rejection (HTTP 401). Refresh
	// and verify treat it as unrecoverable; transient failures never carry it.
	ErrUnauthorized = errors.New("authorization rejected")

	// ErrNoRefreshToken means a refresh was requested with no stored
	// refresh token.
	ErrNoRefreshToken = errors.New("no refresh token stored")
)

// defaultLoginFailureMessage is shown when the server does not provide one.
const defaultLoginFailureMessage = "Invalid username or password."

// IsUnauthorized reports whether err is an authorization rejection rather
// than a transient failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
