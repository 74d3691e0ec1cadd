package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/booking_sync/utils"
)

func newAuthRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationMiddleware())
	r.GET("/admin", AdminAuthMiddleware(secret), func(c *gin.Context) {
		subject, _ := utils.GetAdminSubjectFromContext(c.Request.Context())
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"subject": subject, "cid": cid})
	})
	return r
}

func TestAdminAuthMiddleware(t *testing.T) {
	r := newAuthRouter("s3cret")
	token, err := utils.JwtGenerate([]byte("s3cret"), "ops", time.Hour)
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}

	cases := []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"Basic abc", http.StatusUnauthorized},
		{"Bearer not-a-token", http.StatusUnauthorized},
		{"Bearer " + token, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("%q: expected %d, got %d", tc.header, tc.want, w.Code)
		}
		if tc.want == http.StatusOK && w.Body.String() == "" {
			t.Fatalf("expected a body")
		}
	}
}

func TestAdminAuthMiddleware_Unconfigured(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	w := httptest.NewRecorder()
	newAuthRouter("").ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestCorrelationMiddleware_EchoesHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set(CorrelationHeader, "cid-1")
	w := httptest.NewRecorder()
	newAuthRouter("").ServeHTTP(w, req)
	if got := w.Header().Get(CorrelationHeader); got != "cid-1" {
		t.Fatalf("expected correlation id to be echoed, got %q", got)
	}

	w = httptest.NewRecorder()
	newAuthRouter("").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	if w.Header().Get(CorrelationHeader) == "" {
		t.Fatalf("expected a generated correlation id")
	}
}
