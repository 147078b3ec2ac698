package credstore

import "time"

// Store is the durable credential store consumed by the session manager and
// the auth transport. Implementations must treat a partially present token
// set (missing access token, refresh token, or metadata) as absent rather
// than reconstructing it.
type Store interface {
	// StoreTokens stamps the current time as IssuedAt and persists the pair,
	// fully replacing any previous pair.
	StoreTokens(pair TokenPair) error

	// UpdateTokens is semantically identical to StoreTokens; refresh is not
	// distinguished from initial issuance at the storage layer.
	UpdateTokens(pair TokenPair) error

	// GetTokens returns the stored pair, or nil when any component of it is
	// missing.
	GetTokens() (*TokenPair, error)

	// IsTokenValid reports whether a complete, unexpired pair is stored.
	IsTokenValid() bool

	// TokenTimeRemaining returns the time until the stored pair expires, or
	// zero when no valid pair is stored.
	TokenTimeRemaining() time.Duration

	// StoreUserData persists the identity snapshot.
	StoreUserData(identity UserIdentity) error

	// GetUserData returns the stored identity, or nil when absent.
	GetUserData() (*UserIdentity, error)

	// SetTermsAccepted records the one-time terms acknowledgement flag.
	SetTermsAccepted(accepted bool) error

	// TermsAccepted reports the terms acknowledgement flag.
	TermsAccepted() bool

	// DeviceID returns the stable installation identifier, generating and
	// persisting one on first use. It survives ClearAll.
	DeviceID() (string, error)

	// ClearAll deletes tokens, token metadata, user data, and one-time UI
	// flags. It succeeds even if some keys were already absent.
	ClearAll() error

	// Close releases the underlying storage.
	Close() error
}
