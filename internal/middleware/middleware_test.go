package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRateLimiterPerIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 1, 2)

	if !rl.allow("10.0.0.1") || !rl.allow("10.0.0.1") {
		t.Fatal("burst not honoured")
	}
	if rl.allow("10.0.0.1") {
		t.Error("third request within a second allowed")
	}
	if !rl.allow("10.0.0.2") {
		t.Error("other IP throttled")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.Use(NewRateLimiter(ctx, 1, 1).Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
}

func TestExtractToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name string
		req  *http.Request
		want string
	}{
		{"header", withHeader(httptest.NewRequest(http.MethodGet, "/", nil), "Bearer abc"), "abc"},
		{"query", httptest.NewRequest(http.MethodGet, "/?token=xyz", nil), "xyz"},
		{"malformed header", withHeader(httptest.NewRequest(http.MethodGet, "/", nil), "Basic abc"), ""},
		{"none", httptest.NewRequest(http.MethodGet, "/", nil), ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = tc.req
			if got := extractToken(c); got != tc.want {
				t.Errorf("extractToken = %q, want %q", got, tc.want)
			}
		})
	}
}

func withHeader(r *http.Request, auth string) *http.Request {
	r.Header.Set("Authorization", auth)
	return r
}
