// Package authclient is the network side of the session lifecycle: it talks
// to the identity service (login, refresh, logout, verify), persists issued
// credentials through the credential store, and decorates outgoing API
// requests with the current access token.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/attendly/go-auth-client/credstore"
)

const defaultRequestTimeout = 10 * time.Second

// AuthClient performs the identity-service operations. All failures that are
// not authorization rejections are transient: they never destroy stored
// credentials.
type AuthClient struct {
	baseURL    string
	store      credstore.Store
	httpClient *http.Client
	devices    DeviceInfoProvider
	log        zerolog.Logger

	// refresh single-flight guard: concurrent refresh attempts share one
	// network call and observe its single outcome.
	refreshLock sync.Mutex
	inflight    *refreshResult

	// refreshed fires after every successfully persisted refresh, whichever
	// code path triggered it (explicit call, validity check, or the HTTP
	// transport's 401 replay).
	callbackLock sync.Mutex
	refreshed    func()
}

type refreshResult struct {
	done chan struct{}
	ok   bool
	err  error
}

// Option configures an AuthClient.
type Option func(*AuthClient)

// WithHTTPClient overrides the HTTP client used for identity-service calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *AuthClient) {
		c.httpClient = client
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *AuthClient) {
		c.httpClient.Timeout = timeout
	}
}

// WithDeviceInfoProvider overrides the push-registration payload source.
func WithDeviceInfoProvider(provider DeviceInfoProvider) Option {
	return func(c *AuthClient) {
		c.devices = provider
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *AuthClient) {
		c.log = logger
	}
}

// New creates an AuthClient against baseURL, persisting credentials to store.
func New(baseURL string, store credstore.Store, options ...Option) (*AuthClient, error) {
	if baseURL == "" {
		return nil, errors.New("[authclient.New] baseURL is required")
	}
	if store == nil {
		return nil, errors.New("[authclient.New] store is required")
	}

	client := &AuthClient{
		baseURL: baseURL,
		store:   store,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			Timeout: defaultRequestTimeout,
		},
		log: log.Logger,
	}
	for _, opt := range options {
		opt(client)
	}
	if client.devices == nil {
		client.devices = &storedDeviceInfo{store: store}
	}
	return client, nil
}

// Login posts credentials and, on success, commits the token pair and user
// identity as one logical unit before returning. Device registration for
// push notifications is best-effort and never fails the login.
func (c *AuthClient) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	resp, status, err := c.post(ctx, "/auth/login", loginRequest{Username: username, Password: password}, "")
	if err != nil {
		return &LoginResult{Success: false, Message: "Unable to reach the server. Please try again."}, nil
	}

	if status == http.StatusUnauthorized || !resp.Success {
		message := resp.Error
		if message == "" {
			message = defaultLoginFailureMessage
		}
		return &LoginResult{Success: false, Message: message}, nil
	}

	var data loginData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, errors.Wrap(err, "[Login] unmarshal login data")
	}

	pair := credstore.TokenPair{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresIn:    data.ExpiresIn,
	}
	identity := data.User.identity()

	// Both writes must land before the login is reported as successful.
	// A half-committed pair is rolled back so the store never holds tokens
	// without an identity surviving an explicit clear.
	if err := c.store.StoreTokens(pair); err != nil {
		return nil, errors.Wrap(err, "[Login] store tokens")
	}
	if err := c.store.StoreUserData(identity); err != nil {
		if clearErr := c.store.ClearAll(); clearErr != nil {
			c.log.Warn().Err(clearErr).Msg("authclient: rollback clear failed")
		}
		return nil, errors.Wrap(err, "[Login] store user data")
	}

	if err := c.RegisterDevice(ctx); err != nil {
		c.log.Warn().Err(err).Msg("authclient: device registration failed")
	}

	stored, err := c.store.GetTokens()
	if err != nil {
		return nil, errors.Wrap(err, "[Login] read back tokens")
	}
	return &LoginResult{Success: true, Tokens: stored, User: &identity}, nil
}

// OnTokensRefreshed registers fn to run after each refresh that persists a
// new token pair. The session manager uses it to keep its expiry timers
// aligned with the stored pair no matter which path refreshed it.
func (c *AuthClient) OnTokensRefreshed(fn func()) {
	c.callbackLock.Lock()
	c.refreshed = fn
	c.callbackLock.Unlock()
}

func (c *AuthClient) notifyRefreshed() {
	c.callbackLock.Lock()
	fn := c.refreshed
	c.callbackLock.Unlock()
	if fn != nil {
		fn()
	}
}

// RefreshAccessToken exchanges the stored refresh token for a new pair.
// A 401 forces a full credential clear and returns false; any other failure
// returns false without touching stored credentials. Concurrent callers are
// collapsed onto a single network call.
func (c *AuthClient) RefreshAccessToken(ctx context.Context) (bool, error) {
	c.refreshLock.Lock()
	if c.inflight != nil {
		waiting := c.inflight
		c.refreshLock.Unlock()
		select {
		case <-waiting.done:
			return waiting.ok, waiting.err
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	result := &refreshResult{done: make(chan struct{})}
	c.inflight = result
	c.refreshLock.Unlock()

	result.ok, result.err = c.doRefresh(ctx)

	c.refreshLock.Lock()
	c.inflight = nil
	c.refreshLock.Unlock()
	close(result.done)

	return result.ok, result.err
}

func (c *AuthClient) doRefresh(ctx context.Context) (bool, error) {
	pair, err := c.store.GetTokens()
	if err != nil {
		return false, errors.Wrap(err, "[RefreshAccessToken] read tokens")
	}
	if pair == nil || pair.RefreshToken == "" {
		return false, ErrNoRefreshToken
	}

	resp, status, err := c.post(ctx, "/auth/refresh", refreshRequest{RefreshToken: pair.RefreshToken}, "")
	if err != nil {
		// Transient: the prior pair may still be valid, keep it for retry.
		return false, errors.Wrap(err, "[RefreshAccessToken] request")
	}

	if status == http.StatusUnauthorized {
		c.log.Info().Msg("authclient: refresh token rejected, clearing credentials")
		if clearErr := c.store.ClearAll(); clearErr != nil {
			c.log.Warn().Err(clearErr).Msg("authclient: credential clear failed")
		}
		return false, ErrUnauthorized
	}
	if !resp.Success {
		return false, errors.Errorf("[RefreshAccessToken] server error: %s", resp.Error)
	}

	var data refreshData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return false, errors.Wrap(err, "[RefreshAccessToken] unmarshal")
	}
	if err := c.store.UpdateTokens(credstore.TokenPair{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresIn:    data.ExpiresIn,
	}); err != nil {
		return false, errors.Wrap(err, "[RefreshAccessToken] update tokens")
	}
	c.notifyRefreshed()
	return true, nil
}

// Logout makes a best-effort server-side logout call, then unconditionally
// clears local credentials. A failed network logout never leaves stale local
// state, and storage failures are logged rather than surfaced.
func (c *AuthClient) Logout(ctx context.Context) {
	pair, err := c.store.GetTokens()
	if err != nil {
		c.log.Warn().Err(err).Msg("authclient: token read failed during logout")
	}
	bearer := ""
	if pair != nil {
		bearer = pair.AccessToken
	}
	if _, _, err := c.post(ctx, "/auth/logout", struct{}{}, bearer); err != nil {
		c.log.Warn().Err(err).Msg("authclient: server logout failed, clearing local state anyway")
	}
	if err := c.store.ClearAll(); err != nil {
		c.log.Warn().Err(err).Msg("authclient: credential clear failed")
	}
}

// VerifyToken asks the server whether the stored access token is good.
// Missing token, network failure, and server errors all verify as false.
func (c *AuthClient) VerifyToken(ctx context.Context) bool {
	pair, err := c.store.GetTokens()
	if err != nil || pair == nil || pair.AccessToken == "" {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/verify", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Msg("authclient: verify request failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return false
	}
	return envelope.Success
}

// IsAuthenticated reports whether the locally stored token is currently
// valid, attempting at most one refresh when it is not.
func (c *AuthClient) IsAuthenticated(ctx context.Context) bool {
	if c.store.IsTokenValid() {
		return true
	}
	ok, err := c.RefreshAccessToken(ctx)
	if err != nil && !errors.Is(err, ErrNoRefreshToken) && !IsUnauthorized(err) {
		c.log.Debug().Err(err).Msg("authclient: refresh during authentication check failed")
	}
	return ok
}

// RegisterDevice enrolls this installation for push notifications.
// Fire-and-forget: callers log the error and move on.
func (c *AuthClient) RegisterDevice(ctx context.Context) error {
	info, err := c.devices.DeviceInfo()
	if err != nil {
		return errors.Wrap(err, "[RegisterDevice] device info")
	}
	resp, status, err := c.post(ctx, "/notifications/register", info, "")
	if err != nil {
		return errors.Wrap(err, "[RegisterDevice] request")
	}
	if status != http.StatusOK || !resp.Success {
		return errors.Errorf("[RegisterDevice] registration rejected: status %d", status)
	}
	return nil
}

// post sends a JSON body and decodes the uniform response envelope.
// A non-nil error means the request never produced a usable response
// (network failure, timeout, 5xx with unreadable body) and is transient.
func (c *AuthClient) post(ctx context.Context, path string, body interface{}, bearer string) (*apiResponse, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, errors.Wrap(err, "[post] marshal")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, errors.Wrap(err, "[post] new request")
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "[post] %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, resp.StatusCode, errors.Errorf("[post] %s: server error %d", path, resp.StatusCode)
	}

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		if resp.StatusCode == http.StatusUnauthorized {
			// 401 with a non-JSON body still carries its meaning.
			return &apiResponse{Success: false}, resp.StatusCode, nil
		}
		return nil, resp.StatusCode, errors.Wrapf(err, "[post] %s: decode", path)
	}
	return &envelope, resp.StatusCode, nil
}

// storedDeviceInfo derives the registration payload from the persisted
// installation ID and the running platform.
type storedDeviceInfo struct {
	store credstore.Store
}

func (p *storedDeviceInfo) DeviceInfo() (DeviceInfo, error) {
	id, err := p.store.DeviceID()
	if err != nil {
		return DeviceInfo{}, errors.Wrap(err, "[DeviceInfo] device ID")
	}
	return DeviceInfo{
		PushToken: id,
		Platform:  runtime.GOOS,
		Details: map[string]string{
			"deviceId": id,
			"arch":     runtime.GOARCH,
		},
	}, nil
}

// drainBody discards and closes a response body so the connection can be
// reused before a replay.
func drainBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
