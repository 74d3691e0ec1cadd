package beds24

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
	total time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	s.total += d
	return ctx.Err()
}

type staticTokens struct {
	token string
	err   error
	calls atomic.Int32
}

func (s *staticTokens) GetAccessToken(ctx context.Context) (string, error) {
	s.calls.Add(1)
	return s.token, s.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestClient(t *testing.T, srv *httptest.Server, sleeper *recordingSleeper, tokens AccessTokenSource) *Client {
	t.Helper()
	c, err := NewClient(ClientOptions{
		BaseURL:   srv.URL,
		ReadToken: "read-token",
		Tokens:    tokens,
		Logger:    quietLogger(),
		Policy: RetryPolicy{
			RateLimitCooldown:    6 * time.Minute,
			MaxRateLimitAttempts: 5,
			BaseBackoff:          time.Second,
			MaxBackoff:           30 * time.Second,
			MaxTransientAttempts: 4,
			Sleep:                sleeper.sleep,
		},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClient_RateLimitBoundedRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	sleeper := &recordingSleeper{}
	c := newTestClient(t, srv, sleeper, nil)

	_, err := c.GetBookings(context.Background(), BookingQuery{})
	var rlErr *RateLimitExhaustedError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected RateLimitExhaustedError, got %v", err)
	}
	if rlErr.Attempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", rlErr.Attempts)
	}
	if got := hits.Load(); got != 5 {
		t.Fatalf("expected 5 requests, got %d", got)
	}
	if want := 4 * 6 * time.Minute; sleeper.total != want || rlErr.Waited != want {
		t.Fatalf("expected total wait %s, got slept=%s reported=%s", want, sleeper.total, rlErr.Waited)
	}
	if !IsFatal(err) {
		t.Fatalf("rate limit exhaustion must be fatal")
	}
}

func TestClient_RateLimitHonoursRetryAfter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "42")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"count":0,"data":[]}`))
	}))
	defer srv.Close()

	sleeper := &recordingSleeper{}
	c := newTestClient(t, srv, sleeper, nil)

	page, err := c.GetBookings(context.Background(), BookingQuery{})
	if err != nil {
		t.Fatalf("GetBookings: %v", err)
	}
	if !page.Last() {
		t.Fatalf("empty page must be the last one")
	}
	if len(sleeper.waits) != 1 || sleeper.waits[0] != 42*time.Second {
		t.Fatalf("expected one 42s wait, got %v", sleeper.waits)
	}
}

func TestClient_ServerErrorsBackOffThenFail(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sleeper := &recordingSleeper{}
	c := newTestClient(t, srv, sleeper, nil)

	err := c.Get(context.Background(), "/properties", nil, nil)
	var trErr *TransportError
	if !errors.As(err, &trErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if trErr.StatusCode != http.StatusBadGateway || trErr.Attempts != 4 {
		t.Fatalf("unexpected transport error: %+v", trErr)
	}
	if hits.Load() != 4 {
		t.Fatalf("expected 4 requests, got %d", hits.Load())
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(sleeper.waits) != len(want) {
		t.Fatalf("expected waits %v, got %v", want, sleeper.waits)
	}
	for i := range want {
		if sleeper.waits[i] != want[i] {
			t.Fatalf("expected waits %v, got %v", want, sleeper.waits)
		}
	}
	if IsFatal(err) {
		t.Fatalf("transport errors only abort the current phase")
	}
}

func TestClient_ServerErrorRecovers(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"count":2,"pages":{"nextPageExists":false},"data":[{"id":1},{"id":2}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &recordingSleeper{}, nil)
	page, err := c.GetBookings(context.Background(), BookingQuery{Limit: 2})
	if err != nil {
		t.Fatalf("GetBookings: %v", err)
	}
	if len(page.Data) != 2 || !page.Last() {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestClient_ReadRejectedIsAuthenticationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"success":false,"error":"Token not valid"}`))
	}))
	defer srv.Close()

	sleeper := &recordingSleeper{}
	c := newTestClient(t, srv, sleeper, nil)
	_, err := c.GetBookings(context.Background(), BookingQuery{})
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if len(sleeper.waits) != 0 {
		t.Fatalf("authentication failures must not be retried")
	}
}

func TestClient_UnsuccessfulEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"code":1012,"error":"bad filter"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &recordingSleeper{}, nil)
	_, err := c.GetBookings(context.Background(), BookingQuery{})
	var trErr *TransportError
	if !errors.As(err, &trErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestClient_TokensByCallKind(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.Method] = r.Header.Get("token")
		mu.Unlock()
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			if string(body) != `[{"id":123,"status":"cancelled"}]` {
				t.Errorf("unexpected body %s", body)
			}
			_, _ = w.Write([]byte(`[{"success":true}]`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":[]}`))
	}))
	defer srv.Close()

	tokens := &staticTokens{token: "access-1"}
	c := newTestClient(t, srv, &recordingSleeper{}, tokens)

	if _, err := c.GetBookings(context.Background(), BookingQuery{}); err != nil {
		t.Fatalf("GetBookings: %v", err)
	}
	if err := c.CancelBooking(context.Background(), "123"); err != nil {
		t.Fatalf("CancelBooking: %v", err)
	}
	if seen[http.MethodGet] != "read-token" {
		t.Fatalf("read call used %q", seen[http.MethodGet])
	}
	if seen[http.MethodPost] != "access-1" {
		t.Fatalf("write call used %q", seen[http.MethodPost])
	}
	if tokens.calls.Load() != 1 {
		t.Fatalf("expected one access token request, got %d", tokens.calls.Load())
	}
}

func TestClient_QueryParameters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("arrivalFrom") != "2026-01-01" || q.Get("offset") != "40" || q.Get("limit") != "20" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if got := q["status"]; len(got) != 2 || got[0] != "cancelled" || got[1] != "black" {
			t.Errorf("unexpected statuses %v", got)
		}
		_, _ = w.Write([]byte(`{"success":true,"data":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &recordingSleeper{}, nil)
	_, err := c.GetBookings(context.Background(), BookingQuery{
		ArrivalFrom: "2026-01-01",
		Statuses:    []string{"cancelled", "black"},
		Offset:      40,
		Limit:       20,
	})
	if err != nil {
		t.Fatalf("GetBookings: %v", err)
	}
}

func TestNewClient_RequiresReadToken(t *testing.T) {
	_, err := NewClient(ClientOptions{})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}
