package session

import "github.com/attendly/go-auth-client/credstore"

// SessionView is the UI-facing projection of the current identity.
type SessionView struct {
	UserName     string
	UserKey      string
	EmployeeCode string
	Role         credstore.RoleType
}

// deriveSessionView is the single place the identity snapshot is projected
// for display. Every identity change flows through it; there is no second
// derivation on storage rehydration.
func deriveSessionView(identity *credstore.UserIdentity) SessionView {
	if identity == nil {
		return SessionView{}
	}
	return SessionView{
		UserName:     identity.Username,
		UserKey:      identity.UserKey,
		EmployeeCode: identity.EmployeeCode,
		Role:         identity.Role,
	}
}
