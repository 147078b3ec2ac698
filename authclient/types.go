package authclient

import (
	"encoding/json"

	"github.com/attendly/go-auth-client/credstore"
)

// apiResponse is the uniform envelope every identity-service endpoint
// returns. Data is endpoint-specific.
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// wireUser is the user payload as the server sends it; field names follow
// the wire contract, not the local identity type.
type wireUser struct {
	UserKey      string `json:"userKey"`
	EmpCode      string `json:"empCode"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	Location     string `json:"location"`
	UserLocation string `json:"userLocation,omitempty"`
}

func (u wireUser) identity() credstore.UserIdentity {
	return credstore.UserIdentity{
		UserKey:      u.UserKey,
		EmployeeCode: u.EmpCode,
		Username:     u.Username,
		Email:        u.Email,
		Role:         credstore.RoleType(u.Role),
		Location:     u.Location,
		LocationType: credstore.LocationType(u.UserLocation),
	}
}

type loginData struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	ExpiresIn    int64    `json:"expiresIn"`
	User         wireUser `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// LoginResult is what Login hands back to the session manager. Failures are
// results, not errors: Message is always safe to show to the user.
type LoginResult struct {
	Success bool
	Message string
	Tokens  *credstore.TokenPair
	User    *credstore.UserIdentity
}

// DeviceInfo describes this installation for push-notification enrollment.
type DeviceInfo struct {
	PushToken string            `json:"expoPushToken"`
	Platform  string            `json:"platform"`
	Details   map[string]string `json:"deviceInfo"`
}

// DeviceInfoProvider supplies the registration payload for the
// fire-and-forget device enrollment performed after login.
type DeviceInfoProvider interface {
	DeviceInfo() (DeviceInfo, error)
}
