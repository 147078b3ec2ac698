package authclient_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/attendly/go-auth-client/authclient"
	"github.com/attendly/go-auth-client/credstore"
)

const (
	testUsername = "alice"
	testPassword = "password123"
)

// identityFixture is a fake identity service plus a real credential store
// and client wired against it.
type identityFixture struct {
	t      *testing.T
	server *httptest.Server
	store  *credstore.BoltStore
	client *authclient.AuthClient

	signingKey []byte

	lock         sync.Mutex
	validRefresh string
	tokenSerial  int

	refreshCalls  int32
	logoutCalls   int32
	registerCalls int32

	refreshStatus  int
	refreshDelay   time.Duration
	logoutStatus   int
	registerStatus int
	loginError     string
	accessTokenTTL time.Duration
}

func setupIdentity(t *testing.T) *identityFixture {
	t.Helper()

	f := &identityFixture{
		t:              t,
		signingKey:     []byte("test-signing-key"),
		refreshStatus:  http.StatusOK,
		logoutStatus:   http.StatusOK,
		registerStatus: http.StatusOK,
		accessTokenTTL: time.Hour,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", f.handleLogin)
	mux.HandleFunc("/auth/refresh", f.handleRefresh)
	mux.HandleFunc("/auth/logout", f.handleLogout)
	mux.HandleFunc("/auth/verify", f.handleVerify)
	mux.HandleFunc("/notifications/register", f.handleRegister)
	mux.HandleFunc("/api/records", f.handleProtected)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	store, err := credstore.Open(filepath.Join(t.TempDir(), "session.db"), credstore.WithSecret("device-secret"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	f.store = store

	client, err := authclient.New(f.server.URL, store, authclient.WithTimeout(2*time.Second))
	require.NoError(t, err)
	f.client = client

	return f
}

func (f *identityFixture) mintAccessToken(ttl time.Duration) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "uk-1",
		"exp": time.Now().Add(ttl).Unix(),
	})
	signed, err := token.SignedString(f.signingKey)
	require.NoError(f.t, err)
	return signed
}

func (f *identityFixture) issuePair() (access, refresh string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.tokenSerial++
	access = f.mintAccessToken(f.accessTokenTTL)
	refresh = fmt.Sprintf("R%d", f.tokenSerial)
	f.validRefresh = refresh
	return access, refresh
}

func (f *identityFixture) bearerValid(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	_, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(*jwt.Token) (interface{}, error) {
		return f.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil
}

func (f *identityFixture) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.Username != testUsername || req.Password != testPassword {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"success": false,
			"error":   f.loginError,
		})
		return
	}

	access, refresh := f.issuePair()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"accessToken":  access,
			"refreshToken": refresh,
			"expiresIn":    3600,
			"user": map[string]interface{}{
				"userKey":      "uk-1",
				"empCode":      "E042",
				"username":     testUsername,
				"email":        "alice@example.com",
				"role":         "USER",
				"location":     "HQ",
				"userLocation": "ABSOLUTE",
			},
		},
	})
}

func (f *identityFixture) handleRefresh(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.refreshCalls, 1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}

	if f.refreshStatus != http.StatusOK {
		writeJSON(w, f.refreshStatus, map[string]interface{}{"success": false, "error": "refresh rejected"})
		return
	}

	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.lock.Lock()
	valid := req.RefreshToken == f.validRefresh
	f.lock.Unlock()
	if !valid {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"success": false, "error": "unknown refresh token"})
		return
	}

	access, refresh := f.issuePair()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"accessToken":  access,
			"refreshToken": refresh,
			"expiresIn":    3600,
		},
	})
}

func (f *identityFixture) handleLogout(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.logoutCalls, 1)
	writeJSON(w, f.logoutStatus, map[string]interface{}{"success": f.logoutStatus == http.StatusOK})
}

func (f *identityFixture) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !f.bearerValid(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"success": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (f *identityFixture) handleRegister(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.registerCalls, 1)
	writeJSON(w, f.registerStatus, map[string]interface{}{"success": f.registerStatus == http.StatusOK})
}

func (f *identityFixture) handleProtected(w http.ResponseWriter, r *http.Request) {
	if !f.bearerValid(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"success": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestLogin_Success(t *testing.T) {
	f := setupIdentity(t)

	result, err := f.client.Login(context.Background(), testUsername, testPassword)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotNil(t, result.Tokens)
	require.NotNil(t, result.User)
	require.Equal(t, testUsername, result.User.Username)
	require.Equal(t, "E042", result.User.EmployeeCode)
	require.Equal(t, credstore.RoleUser, result.User.Role)
	require.Equal(t, credstore.LocationAbsolute, result.User.LocationType)

	require.True(t, f.store.IsTokenValid())
	remaining := f.store.TokenTimeRemaining()
	require.InDelta(t, 3600, remaining.Seconds(), 1)

	identity, err := f.store.GetUserData()
	require.NoError(t, err)
	require.NotNil(t, identity)
	require.Equal(t, testUsername, identity.Username)

	require.EqualValues(t, 1, atomic.LoadInt32(&f.registerCalls))
}

func TestLogin_InvalidCredentials(t *testing.T) {
	f := setupIdentity(t)

	t.Run("server message", func(t *testing.T) {
		f.loginError = "Account locked"
		result, err := f.client.Login(context.Background(), testUsername, "wrong")
		require.NoError(t, err)
		require.False(t, result.Success)
		require.Equal(t, "Account locked", result.Message)
	})

	t.Run("default message", func(t *testing.T) {
		f.loginError = ""
		result, err := f.client.Login(context.Background(), testUsername, "wrong")
		require.NoError(t, err)
		require.False(t, result.Success)
		require.Equal(t, "Invalid username or password.", result.Message)
	})

	pair, err := f.store.GetTokens()
	require.NoError(t, err)
	require.Nil(t, pair)
}

func TestLogin_RegistrationFailureNeverFailsLogin(t *testing.T) {
	f := setupIdentity(t)
	f.registerStatus = http.StatusInternalServerError

	result, err := f.client.Login(context.Background(), testUsername, testPassword)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.True(t, f.store.IsTokenValid())
}

func TestLogin_ServerUnreachable(t *testing.T) {
	f := setupIdentity(t)
	f.server.Close()

	result, err := f.client.Login(context.Background(), testUsername, testPassword)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.NotEmpty(t, result.Message)
}

func TestRefresh_RotatesPair(t *testing.T) {
	f := setupIdentity(t)
	_, err := f.client.Login(context.Background(), testUsername, testPassword)
	require.NoError(t, err)
	before, err := f.store.GetTokens()
	require.NoError(t, err)

	ok, err := f.client.RefreshAccessToken(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	after, err := f.store.GetTokens()
	require.NoError(t, err)
	require.NotNil(t, after)
	require.NotEqual(t, before.RefreshToken, after.RefreshToken)
	require.True(t, f.store.IsTokenValid())
}

func TestRefresh_UnauthorizedClearsCredentials(t *testing.T) {
	f := setupIdentity(t)
	_, err := f.client.Login(context.Background(), testUsername, testPassword)
	require.NoError(t, err)

	f.refreshStatus = http.StatusUnauthorized
	ok, err := f.client.RefreshAccessToken(context.Background())
	require.False(t, ok)
	require.True(t, authclient.IsUnauthorized(err))

	pair, err := f.store.GetTokens()
	require.NoError(t, err)
	require.Nil(t, pair)
}

func TestRefresh_TransientKeepsCredentials(t *testing.T) {
	f := setupIdentity(t)
	_, err := f.client.Login(context.Background(), testUsername, testPassword)
	require.NoError(t, err)

	f.refreshStatus = http.StatusInternalServerError
	ok, err := f.client.RefreshAccessToken(context.Background())
	require.False(t, ok)
	require.Error(t, err)
	require.False(t, authclient.IsUnauthorized(err))

	pair, err := f.store.GetTokens()
	require.NoError(t, err)
	require.NotNil(t, pair)
	require.True(t, f.store.IsTokenValid())
}

func TestRefresh_NoStoredToken(t *testing.T) {
	f := setupIdentity(t)

	ok, err := f.client.RefreshAccessToken(context.Background())
	require.False(t, ok)
	require.ErrorIs(t, err, authclient.ErrNoRefreshToken)
	require.EqualValues(t, 0, atomic.LoadInt32(&f.refreshCalls))
}

func TestRefresh_ConcurrentCallersShareOneRequest(t *testing.T) {
	f := setupIdentity(t)
	_, err := f.client.Login(context.Background(), testUsername, testPassword)
	require.NoError(t, err)
	f.refreshDelay = 150 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]bool, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.client.RefreshAccessToken(context.Background())
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.True(t, results[0])
	require.True(t, results[1])
	require.EqualValues(t, 1, atomic.LoadInt32(&f.refreshCalls))
}

func TestVerifyToken(t *testing.T) {
	f := setupIdentity(t)

	t.Run("no token stored", func(t *testing.T) {
		require.False(t, f.client.VerifyToken(context.Background()))
	})

	t.Run("valid token", func(t *testing.T) {
		_, err := f.client.Login(context.Background(), testUsername, testPassword)
		require.NoError(t, err)
		require.True(t, f.client.VerifyToken(context.Background()))
	})

	t.Run("garbage token fails closed", func(t *testing.T) {
		require.NoError(t, f.store.StoreTokens(credstore.TokenPair{AccessToken: "garbage", RefreshToken: "R", ExpiresIn: 3600}))
		require.False(t, f.client.VerifyToken(context.Background()))
	})
}

func TestIsAuthenticated(t *testing.T) {
	f := setupIdentity(t)

	t.Run("valid local token, no refresh", func(t *testing.T) {
		_, err := f.client.Login(context.Background(), testUsername, testPassword)
		require.NoError(t, err)
		before := atomic.LoadInt32(&f.refreshCalls)
		require.True(t, f.client.IsAuthenticated(context.Background()))
		require.Equal(t, before, atomic.LoadInt32(&f.refreshCalls))
	})

	t.Run("expired local token, one refresh", func(t *testing.T) {
		pair, err := f.store.GetTokens()
		require.NoError(t, err)
		// Re-stamp the stored pair as already expired, keeping the valid
		// refresh token.
		require.NoError(t, f.store.StoreTokens(credstore.TokenPair{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			ExpiresIn:    0,
		}))

		before := atomic.LoadInt32(&f.refreshCalls)
		require.True(t, f.client.IsAuthenticated(context.Background()))
		require.Equal(t, before+1, atomic.LoadInt32(&f.refreshCalls))
		require.True(t, f.store.IsTokenValid())
	})
}

func TestLogout_BestEffort(t *testing.T) {
	f := setupIdentity(t)
	_, err := f.client.Login(context.Background(), testUsername, testPassword)
	require.NoError(t, err)

	f.logoutStatus = http.StatusInternalServerError
	f.client.Logout(context.Background())

	require.EqualValues(t, 1, atomic.LoadInt32(&f.logoutCalls))
	pair, err := f.store.GetTokens()
	require.NoError(t, err)
	require.Nil(t, pair)
}

func TestHTTPClient_RefreshAndReplayOn401(t *testing.T) {
	f := setupIdentity(t)
	_, err := f.client.Login(context.Background(), testUsername, testPassword)
	require.NoError(t, err)

	// Corrupt only the access token; the refresh token stays valid, so the
	// decorated client should refresh and replay exactly once.
	pair, err := f.store.GetTokens()
	require.NoError(t, err)
	require.NoError(t, f.store.StoreTokens(credstore.TokenPair{
		AccessToken:  "stale",
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    3600,
	}))

	// A registered listener must observe the replay's refresh so callers can
	// react to the new pair's expiry.
	var notified int32
	f.client.OnTokensRefreshed(func() { atomic.AddInt32(&notified, 1) })

	before := atomic.LoadInt32(&f.refreshCalls)
	resp, err := f.client.HTTPClient().Get(f.server.URL + "/api/records")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, before+1, atomic.LoadInt32(&f.refreshCalls))
	require.EqualValues(t, 1, atomic.LoadInt32(&notified))
}

func TestHTTPClient_SecondUnauthorizedPropagates(t *testing.T) {
	f := setupIdentity(t)
	_, err := f.client.Login(context.Background(), testUsername, testPassword)
	require.NoError(t, err)

	// Refresh token invalid: the refresh inside the retry fails with 401,
	// clears credentials, and the original 401 propagates.
	require.NoError(t, f.store.StoreTokens(credstore.TokenPair{
		AccessToken:  "stale",
		RefreshToken: "bogus",
		ExpiresIn:    3600,
	}))

	var notified int32
	f.client.OnTokensRefreshed(func() { atomic.AddInt32(&notified, 1) })

	resp, err := f.client.HTTPClient().Get(f.server.URL + "/api/records")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, atomic.LoadInt32(&notified))
	pair, err := f.store.GetTokens()
	require.NoError(t, err)
	require.Nil(t, pair)
}
