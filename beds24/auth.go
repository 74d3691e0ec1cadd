package beds24

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmdatafocus/booking_sync/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCredentialTTL = 25 * 24 * time.Hour

	setupLockKey = "lock:beds24:setup"
	setupLockTTL = 30 * time.Second
)

// CredentialCache stores the refresh credential with a TTL. Load returns
// (nil, nil) when nothing is stored or the entry expired.
type CredentialCache interface {
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, cred Credential, ttl time.Duration) error
	Delete(ctx context.Context) error
}

// Locker serialises credential setup across processes.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

type TokenManagerOptions struct {
	BaseURL       string
	InviteCode    string
	DeviceName    string
	SetupEnabled  bool
	CredentialTTL time.Duration
	HTTPClient    *http.Client
	Cache         CredentialCache
	Locker        Locker
	Logger        *logrus.Logger
	Now           func() time.Time
}

// TokenManager owns the Beds24 credential lifecycle: the one-time invite code
// exchange, short-lived access tokens, and revocation. It is the only writer
// of the credential cache.
type TokenManager struct {
	baseURL      string
	inviteCode   string
	deviceName   string
	setupEnabled bool
	ttl          time.Duration
	http         *http.Client
	cache        CredentialCache
	locker       Locker
	logger       *logrus.Logger
	now          func() time.Time

	group singleflight.Group
}

func NewTokenManager(opts TokenManagerOptions) *TokenManager {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	ttl := opts.CredentialTTL
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	deviceName := strings.TrimSpace(opts.DeviceName)
	if deviceName == "" {
		deviceName = "booking-sync"
	}
	return &TokenManager{
		baseURL:      strings.TrimRight(baseURL, "/"),
		inviteCode:   strings.TrimSpace(opts.InviteCode),
		deviceName:   deviceName,
		setupEnabled: opts.SetupEnabled,
		ttl:          ttl,
		http:         httpClient,
		cache:        opts.Cache,
		locker:       opts.Locker,
		logger:       logger,
		now:          now,
	}
}

// NewTokenManagerFromSettings wires a TokenManager from the service settings.
func NewTokenManagerFromSettings(s config.Settings, cache CredentialCache, locker Locker) *TokenManager {
	return NewTokenManager(TokenManagerOptions{
		BaseURL:       s.Beds24APIURL,
		InviteCode:    s.Beds24InviteCode,
		DeviceName:    s.Beds24DeviceName,
		SetupEnabled:  s.Beds24SetupEnabled,
		CredentialTTL: s.Beds24CredentialTTL,
		HTTPClient:    &http.Client{Timeout: s.Beds24Timeout},
		Cache:         cache,
		Locker:        locker,
	})
}

// Initialize makes sure a refresh credential is cached, exchanging the invite
// code when none is stored. Concurrent callers share one exchange.
func (m *TokenManager) Initialize(ctx context.Context) error {
	if m.cache == nil {
		return &ConfigurationError{Reason: "credential cache is not configured"}
	}
	cred, err := m.cache.Load(ctx)
	if err != nil {
		return fmt.Errorf("load beds24 credential: %w", err)
	}
	if cred != nil {
		return nil
	}
	// The shared exchange must outlive any single caller's cancellation.
	ch := m.group.DoChan("initialize", func() (interface{}, error) {
		return nil, m.setup(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (m *TokenManager) setup(ctx context.Context) error {
	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, setupLockKey, setupLockTTL)
		if err != nil {
			return fmt.Errorf("acquire beds24 setup lock: %w", err)
		}
		defer unlock()
	}

	// Another process may have finished setup while we waited.
	cred, err := m.cache.Load(ctx)
	if err != nil {
		return fmt.Errorf("load beds24 credential: %w", err)
	}
	if cred != nil {
		return nil
	}

	if !m.setupEnabled {
		return &ConfigurationError{Reason: "no stored credential and BEDS24_SETUP_ENABLED is false"}
	}
	if m.inviteCode == "" {
		return &ConfigurationError{Reason: "no stored credential and BEDS24_INVITE_CODE is not set"}
	}

	var resp setupResponse
	err = m.call(ctx, http.MethodGet, "/authentication/setup", map[string]string{
		"code":       m.inviteCode,
		"deviceName": m.deviceName,
	}, &resp)
	if err != nil {
		return err
	}
	if resp.RefreshToken == "" {
		return &AuthenticationError{Reason: "setup response carried no refresh token"}
	}

	newCred := Credential{
		RefreshToken: resp.RefreshToken,
		Scopes:       m.scopesOf(ctx, resp.Token),
		DeviceName:   m.deviceName,
		CreatedAt:    m.now().UTC().Format(time.RFC3339),
	}
	if err := m.cache.Save(ctx, newCred, m.ttl); err != nil {
		return fmt.Errorf("store beds24 credential: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"module":     "beds24",
		"deviceName": m.deviceName,
		"ttl":        m.ttl.String(),
		"scopes":     newCred.Scopes,
	}).Info("beds24 credential initialized")
	return nil
}

// scopesOf asks Beds24 which scopes the setup token was granted. A failed
// lookup only costs the informational field.
func (m *TokenManager) scopesOf(ctx context.Context, accessToken string) []string {
	if accessToken == "" {
		return nil
	}
	var details TokenDetails
	if err := m.call(ctx, http.MethodGet, "/authentication/details", map[string]string{
		"token": accessToken,
	}, &details); err != nil {
		m.logger.WithFields(logrus.Fields{"module": "beds24"}).WithError(err).Warn("could not read beds24 token scopes")
		return nil
	}
	return details.Token.Scopes
}

// GetAccessToken exchanges the cached refresh credential for a fresh access
// token. Access tokens are not cached.
func (m *TokenManager) GetAccessToken(ctx context.Context) (string, error) {
	cred, err := m.credential(ctx)
	if err != nil {
		return "", err
	}
	var resp tokenResponse
	if err := m.call(ctx, http.MethodGet, "/authentication/token", map[string]string{
		"refreshToken": cred.RefreshToken,
	}, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", &AuthenticationError{Reason: "token response carried no access token"}
	}
	return resp.Token, nil
}

// Revoke invalidates the refresh credential remotely and removes it locally.
// The local entry is removed even when the remote call fails.
func (m *TokenManager) Revoke(ctx context.Context) error {
	if m.cache == nil {
		return &ConfigurationError{Reason: "credential cache is not configured"}
	}
	cred, err := m.cache.Load(ctx)
	if err != nil {
		return fmt.Errorf("load beds24 credential: %w", err)
	}
	if cred == nil {
		return nil
	}
	remoteErr := m.call(ctx, http.MethodDelete, "/authentication/token", map[string]string{
		"refreshToken": cred.RefreshToken,
	}, nil)
	if err := m.cache.Delete(ctx); err != nil {
		return errors.Join(remoteErr, fmt.Errorf("delete beds24 credential: %w", err))
	}
	return remoteErr
}

// Details reports scopes and expiry of a fresh access token.
func (m *TokenManager) Details(ctx context.Context) (TokenDetails, error) {
	token, err := m.GetAccessToken(ctx)
	if err != nil {
		return TokenDetails{}, err
	}
	var details TokenDetails
	if err := m.call(ctx, http.MethodGet, "/authentication/details", map[string]string{
		"token": token,
	}, &details); err != nil {
		return TokenDetails{}, err
	}
	return details, nil
}

func (m *TokenManager) credential(ctx context.Context) (*Credential, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	cred, err := m.cache.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load beds24 credential: %w", err)
	}
	if cred == nil {
		return nil, &ConfigurationError{Reason: "beds24 credential disappeared after setup"}
	}
	return cred, nil
}

// call performs one credential request. Failures here are never retried.
func (m *TokenManager) call(ctx context.Context, method, path string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return &TransportError{Method: method, Path: path, Attempts: 1, Err: err}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return &AuthenticationError{StatusCode: resp.StatusCode, Reason: snippet(data)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &TransportError{Method: method, Path: path, StatusCode: resp.StatusCode, Attempts: 1, Body: snippet(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
