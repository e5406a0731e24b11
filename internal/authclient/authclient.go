// Package authclient implements the token-refresh client described in
// spec §6.3: a short-lived access token cached in memory, refreshed
// against CONNECT_AUTH_URL using a rotating refresh token persisted in
// the secret store. Config+Validate and the sentinel-error style follow
// controlplane/funder/internal/funder/funder.go; the thundering-herd
// guard around refresh uses golang.org/x/sync/singleflight the way the
// teacher corpus reaches for x/sync primitives rather than hand-rolled
// locking.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/triantos/wealthfolio/internal/secretstore"
)

const (
	defaultRefreshTimeout = 10 * time.Second
	expiryBuffer          = 60 * time.Second
)

var (
	ErrLoggerRequired        = errors.New("authclient: logger is required")
	ErrSecretsRequired       = errors.New("authclient: secret store is required")
	ErrAuthURLRequired       = errors.New("authclient: auth url is required")
	ErrPublishableKeyRequired = errors.New("authclient: publishable key is required")
	ErrNoRefreshToken        = errors.New("authclient: no refresh token available; device must (re)claim a session")
)

// Config configures a Client.
type Config struct {
	Logger           *slog.Logger
	Secrets          secretstore.Store
	AuthBaseURL      string
	PublishableKey   string
	HTTPClient       *http.Client
	Clock            clockwork.Clock
	RefreshTimeout   time.Duration
}

func (c Config) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Secrets == nil {
		return ErrSecretsRequired
	}
	if c.AuthBaseURL == "" {
		return ErrAuthURLRequired
	}
	if c.PublishableKey == "" {
		return ErrPublishableKeyRequired
	}
	return nil
}

// Client caches a short-lived access token in memory and refreshes it
// on demand against CONNECT_AUTH_URL, rotating and re-persisting the
// refresh token on every use.
type Client struct {
	log *slog.Logger
	cfg Config

	http  *http.Client
	clock clockwork.Clock

	group singleflight.Group

	cachedToken  string
	cachedExpiry time.Time
}

// New builds a Client. An absent access token is fetched lazily on the
// first call to Token; Config.Secrets must already hold a refresh token
// (persisted by the pairing/bootstrap flow) or Token returns
// ErrNoRefreshToken.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultRefreshTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RefreshTimeout == 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}
	return &Client{log: cfg.Logger, cfg: cfg, http: cfg.HTTPClient, clock: cfg.Clock}, nil
}

// Token returns a valid access token, refreshing it first if absent or
// within expiryBuffer of expiry. It is safe for concurrent use; a
// refresh already in flight is shared rather than duplicated.
func (c *Client) Token(ctx context.Context) (string, error) {
	if c.cachedToken != "" && c.clock.Now().Before(c.cachedExpiry) {
		return c.cachedToken, nil
	}

	v, err, _ := c.group.Do("refresh", func() (any, error) {
		if c.cachedToken != "" && c.clock.Now().Before(c.cachedExpiry) {
			return c.cachedToken, nil
		}
		return c.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type refreshRequest struct {
	RefreshToken   string `json:"refreshToken"`
	PublishableKey string `json:"publishableKey"`
}

type refreshResponse struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

// refresh holds no explicit lock beyond the singleflight group's own
// in-flight de-duplication — Token never calls it outside that group.
func (c *Client) refresh(ctx context.Context) (string, error) {
	raw, err := c.cfg.Secrets.Get(secretstore.KeyRefreshToken)
	if err != nil {
		if errors.Is(err, secretstore.ErrNotFound) {
			return "", ErrNoRefreshToken
		}
		return "", fmt.Errorf("authclient: loading refresh token: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	defer cancel()

	body, err := json.Marshal(refreshRequest{RefreshToken: string(raw), PublishableKey: c.cfg.PublishableKey})
	if err != nil {
		return "", fmt.Errorf("authclient: encoding refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.AuthBaseURL+"/token/refresh", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("authclient: building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("authclient: refresh request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("authclient: reading refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("authclient: refresh failed: http %d: %s", resp.StatusCode, string(respBody))
	}

	var out refreshResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("authclient: decoding refresh response: %w", err)
	}

	if err := c.cfg.Secrets.Set(secretstore.KeyRefreshToken, []byte(out.RefreshToken)); err != nil {
		return "", fmt.Errorf("authclient: persisting rotated refresh token: %w", err)
	}
	if err := c.cfg.Secrets.Set(secretstore.KeyAccessToken, []byte(out.AccessToken)); err != nil {
		c.log.Warn("authclient: failed to cache access token in secret store", "error", err)
	}

	c.cachedToken = out.AccessToken
	c.cachedExpiry = c.clock.Now().Add(time.Duration(out.ExpiresInSeconds) * time.Second).Add(-expiryBuffer)

	return c.cachedToken, nil
}
