package credstore

import (
	"time"
)

// RoleType identifies the kind of account behind a session.
type RoleType string

const (
	RoleUser   RoleType = "USER"
	RoleSystem RoleType = "SYSTEM"
)

// LocationType describes how an employee's work location is resolved
// when attendance is captured.
type LocationType string

const (
	LocationAbsolute  LocationType = "ABSOLUTE"
	LocationApprox    LocationType = "APPROX"
	LocationFieldTrip LocationType = "FIELDTRIP"
)

// TokenPair holds one access/refresh token pair together with its expiry
// metadata. IssuedAt is stamped by the store at write time; the pair is
// expired once now >= IssuedAt + ExpiresIn seconds.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresIn    int64     `json:"expiresIn"` // seconds
	IssuedAt     time.Time `json:"issuedAt"`
}

// ExpiresAt returns the absolute instant after which the access token is
// no longer valid.
func (p *TokenPair) ExpiresAt() time.Time {
	return p.IssuedAt.Add(time.Duration(p.ExpiresIn) * time.Second)
}

// Expired reports whether the pair is expired at the given instant.
func (p *TokenPair) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt())
}

// TimeRemaining returns the duration until expiry, or zero if the pair
// has already expired.
func (p *TokenPair) TimeRemaining(now time.Time) time.Duration {
	remaining := p.ExpiresAt().Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// UserIdentity is the immutable profile snapshot captured at login or
// refresh-verify time. It is persisted alongside the token pair but on an
// independent serialization channel: tokens without an identity are treated
// as "not authenticated".
type UserIdentity struct {
	UserKey      string       `json:"userKey"`
	EmployeeCode string       `json:"employeeCode"`
	Username     string       `json:"username"`
	Email        string       `json:"email"`
	Role         RoleType     `json:"role"`
	Location     string       `json:"location"`
	LocationType LocationType `json:"locationType,omitempty"`
}
