package beds24

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmdatafocus/booking_sync/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.beds24.com/v2"

	maxResponseBytes = 32 << 20
)

// AccessTokenSource hands out a short-lived access token for write calls.
type AccessTokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

type ClientOptions struct {
	BaseURL       string
	ReadToken     string
	HTTPClient    *http.Client
	Tokens        AccessTokenSource
	Policy        RetryPolicy
	RatePerMinute int // <= 0 disables client-side pacing
	Logger        *logrus.Logger
}

// Client is the rate-limited Beds24 REST client. Reads use the long-life read
// token, writes ask Tokens for a fresh access token on every call.
type Client struct {
	baseURL   string
	readToken string
	http      *http.Client
	tokens    AccessTokenSource
	policy    RetryPolicy
	limiter   *rate.Limiter
	logger    *logrus.Logger
}

func NewClient(opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(opts.ReadToken) == "" {
		return nil, &ConfigurationError{Reason: "BEDS24_TOKEN is not set"}
	}
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), 1)
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		readToken: opts.ReadToken,
		http:      httpClient,
		tokens:    opts.Tokens,
		policy:    opts.Policy,
		limiter:   limiter,
		logger:    logger,
	}, nil
}

// NewClientFromSettings wires a Client from the service settings.
func NewClientFromSettings(s config.Settings, tokens AccessTokenSource) (*Client, error) {
	return NewClient(ClientOptions{
		BaseURL:       s.Beds24APIURL,
		ReadToken:     s.Beds24ReadToken,
		HTTPClient:    &http.Client{Timeout: s.Beds24Timeout},
		Tokens:        tokens,
		RatePerMinute: s.Beds24RateLimitPerMin,
		Policy: RetryPolicy{
			RateLimitCooldown:    s.Beds24RateLimitCooldown,
			MaxRateLimitAttempts: s.Beds24RateLimitMaxAttempts,
			BaseBackoff:          s.Beds24BackoffBase,
			MaxBackoff:           s.Beds24BackoffMax,
			MaxTransientAttempts: s.Beds24TransientMaxAttempts,
		},
	})
}

func (c *Client) Get(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, params, nil, false, out)
}

func (c *Client) Post(ctx context.Context, path string, params url.Values, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, params, body, true, out)
}

func (c *Client) Patch(ctx context.Context, path string, params url.Values, body any, out any) error {
	return c.do(ctx, http.MethodPatch, path, params, body, true, out)
}

func (c *Client) Delete(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodDelete, path, params, nil, true, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, write bool, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	maxRateLimit := max(c.policy.MaxRateLimitAttempts, 1)
	maxTransient := max(c.policy.MaxTransientAttempts, 1)

	var (
		rateLimited int
		transient   int
		waited      time.Duration
	)
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		token, err := c.token(ctx, write)
		if err != nil {
			return err
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("token", token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			transient++
			config.Beds24Requests.WithLabelValues(method, "network_error").Inc()
			if transient >= maxTransient {
				return &TransportError{Method: method, Path: path, Attempts: transient, Err: err}
			}
			wait := c.policy.backoff(transient)
			c.logRetry(method, path, "network_error", transient, wait, err)
			if err := c.policy.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()

		switch classifyStatus(resp.StatusCode) {
		case retryRateLimit:
			rateLimited++
			config.Beds24Requests.WithLabelValues(method, "rate_limited").Inc()
			if rateLimited >= maxRateLimit {
				return &RateLimitExhaustedError{Method: method, Path: path, Attempts: rateLimited, Waited: waited}
			}
			wait := c.policy.rateLimitWait(resp.Header)
			config.Beds24RateLimitWaits.Inc()
			c.logRetry(method, path, "rate_limited", rateLimited, wait, nil)
			if err := c.policy.sleep(ctx, wait); err != nil {
				return err
			}
			waited += wait
			continue
		case retryTransient:
			transient++
			config.Beds24Requests.WithLabelValues(method, "server_error").Inc()
			if transient >= maxTransient {
				return &TransportError{Method: method, Path: path, StatusCode: resp.StatusCode, Attempts: transient, Body: snippet(data)}
			}
			wait := c.policy.backoff(transient)
			c.logRetry(method, path, "server_error", transient, wait, nil)
			if err := c.policy.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			config.Beds24Requests.WithLabelValues(method, "unauthorized").Inc()
			return &AuthenticationError{StatusCode: resp.StatusCode, Reason: snippet(data)}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			config.Beds24Requests.WithLabelValues(method, "client_error").Inc()
			return &TransportError{Method: method, Path: path, StatusCode: resp.StatusCode, Attempts: transient + 1, Body: snippet(data)}
		}
		if readErr != nil {
			return &TransportError{Method: method, Path: path, StatusCode: resp.StatusCode, Attempts: transient + 1, Err: readErr}
		}
		config.Beds24Requests.WithLabelValues(method, "ok").Inc()

		if err := checkEnvelope(data); err != nil {
			return &TransportError{Method: method, Path: path, StatusCode: resp.StatusCode, Attempts: transient + 1, Err: err}
		}
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
		return nil
	}
}

func (c *Client) token(ctx context.Context, write bool) (string, error) {
	if !write {
		return c.readToken, nil
	}
	if c.tokens == nil {
		return "", &ConfigurationError{Reason: "write call without an access token source"}
	}
	return c.tokens.GetAccessToken(ctx)
}

func (c *Client) logRetry(method, path, reason string, attempt int, wait time.Duration, err error) {
	entry := c.logger.WithFields(logrus.Fields{
		"module":  "beds24",
		"method":  method,
		"path":    path,
		"reason":  reason,
		"attempt": attempt,
		"wait":    wait.String(),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("retrying beds24 request")
}

// checkEnvelope turns {"success": false, ...} on a 2xx into an error.
func checkEnvelope(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var env struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
		Code    int    `json:"code"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil
	}
	if env.Success != nil && !*env.Success {
		if env.Error == "" {
			env.Error = "request was not successful"
		}
		return fmt.Errorf("beds24 error %d: %s", env.Code, env.Error)
	}
	return nil
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

// GetBookings fetches one page. Callers keep requesting with a growing
// Offset until BookingPage.Last reports true.
func (c *Client) GetBookings(ctx context.Context, q BookingQuery) (BookingPage, error) {
	var env listEnvelope
	if err := c.Get(ctx, "/bookings", q.Values(), &env); err != nil {
		return BookingPage{}, err
	}
	page := BookingPage{Data: env.Data, Count: env.Count}
	if env.Pages != nil {
		page.NextPageExists = env.Pages.NextPageExists
	}
	return page, nil
}

// GetBooking returns the raw payload of one booking; ok is false when Beds24
// does not know the id.
func (c *Client) GetBooking(ctx context.Context, bookingId string) (json.RawMessage, bool, error) {
	if strings.TrimSpace(bookingId) == "" {
		return nil, false, errors.New("booking id is required")
	}
	page, err := c.GetBookings(ctx, BookingQuery{BookingIds: []string{bookingId}})
	if err != nil {
		return nil, false, err
	}
	if len(page.Data) == 0 {
		return nil, false, nil
	}
	return page.Data[0], true, nil
}

// UpsertBookings posts booking changes (write scope).
func (c *Client) UpsertBookings(ctx context.Context, bookings []map[string]any) (json.RawMessage, error) {
	if len(bookings) == 0 {
		return nil, nil
	}
	var out json.RawMessage
	if err := c.Post(ctx, "/bookings", nil, bookings, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CancelBooking(ctx context.Context, bookingId string) error {
	id, err := parseBookingId(bookingId)
	if err != nil {
		return err
	}
	_, err = c.UpsertBookings(ctx, []map[string]any{{"id": id, "status": "cancelled"}})
	return err
}

func parseBookingId(bookingId string) (json.Number, error) {
	bookingId = strings.TrimSpace(bookingId)
	if bookingId == "" {
		return "", errors.New("booking id is required")
	}
	for _, r := range bookingId {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("booking id %q is not numeric", bookingId)
		}
	}
	return json.Number(bookingId), nil
}
