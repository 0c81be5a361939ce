package httpx_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/globus/action-provider-tools/pkg/httpx"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = addr
	return req
}

func TestIPKeyExtractor(t *testing.T) {
	t.Parallel()

	t.Run("remote addr", func(t *testing.T) {
		require.Equal(t, "192.168.1.1", httpx.IPKeyExtractor(requestFrom("192.168.1.1:12345")))
	})

	t.Run("prefers X-Forwarded-For", func(t *testing.T) {
		req := requestFrom("192.168.1.1:12345")
		req.Header.Set("X-Forwarded-For", "203.0.113.1, 192.168.1.1")
		require.Equal(t, "203.0.113.1", httpx.IPKeyExtractor(req))
	})

	t.Run("falls back to X-Real-IP", func(t *testing.T) {
		req := requestFrom("192.168.1.1:12345")
		req.Header.Set("X-Real-IP", "203.0.113.2")
		require.Equal(t, "203.0.113.2", httpx.IPKeyExtractor(req))
	})
}

func TestKeyExtractorCombinators(t *testing.T) {
	t.Parallel()

	empty := func(*http.Request) string { return "" }
	fixed := func(v string) httpx.KeyExtractor {
		return func(*http.Request) string { return v }
	}
	req := requestFrom("192.168.1.1:12345")

	require.Equal(t, "b", httpx.FirstKeyExtractor(empty, fixed("b"), fixed("c"))(req))
	require.Empty(t, httpx.FirstKeyExtractor(empty)(req))

	// Anonymous requests have no credential key.
	require.Empty(t, httpx.CredentialKeyExtractor(req))
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("blocks requests over the burst", func(t *testing.T) {
		t.Parallel()

		cfg := httpx.RateLimitConfig{RequestsPerWindow: 3, Window: time.Minute, Burst: 3}
		h := httpx.RateLimitMiddleware(cfg, httpx.IPKeyExtractor)(okHandler())

		for i := range 3 {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, requestFrom("192.168.1.1:12345"))
			require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
		}

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, requestFrom("192.168.1.1:12345"))
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		require.NotEmpty(t, rec.Header().Get("Retry-After"))
		require.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		require.Equal(t, "1m0s", rec.Header().Get("X-RateLimit-Window"))
		require.Contains(t, rec.Body.String(), "rate_limit_exceeded")

		// Other clients have their own bucket.
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, requestFrom("192.168.1.2:12345"))
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("empty key is not limited", func(t *testing.T) {
		t.Parallel()

		cfg := httpx.RateLimitConfig{RequestsPerWindow: 1, Window: time.Minute, Burst: 1}
		h := httpx.RateLimitMiddleware(cfg, func(*http.Request) string { return "" })(okHandler())

		for range 3 {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, requestFrom("192.168.1.1:12345"))
			require.Equal(t, http.StatusOK, rec.Code)
		}
	})
}

func TestRateLimitProfiles(t *testing.T) {
	t.Parallel()

	for name, cfg := range map[string]httpx.RateLimitConfig{
		"action": httpx.ActionLimit,
		"read":   httpx.ReadLimit,
		"public": httpx.PublicLimit,
	} {
		t.Run(name, func(t *testing.T) {
			require.Positive(t, cfg.RequestsPerWindow)
			require.Positive(t, cfg.Window)
			require.Positive(t, cfg.Burst)
		})
	}
	require.Less(t, httpx.ActionLimit.RequestsPerWindow, httpx.ReadLimit.RequestsPerWindow)
	require.Less(t, httpx.ReadLimit.RequestsPerWindow, httpx.PublicLimit.RequestsPerWindow)
}

// Not parallel: uses t.Setenv.
func TestParseRateLimitFromEnv(t *testing.T) {
	def := httpx.RateLimitConfig{RequestsPerWindow: 10, Window: time.Minute, Burst: 10}

	t.Run("defaults", func(t *testing.T) {
		require.Equal(t, def, httpx.ParseRateLimitFromEnv("TEST_DEFAULTS", def))
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("AP_RATELIMIT_TEST_ALL_REQUESTS", "50")
		t.Setenv("AP_RATELIMIT_TEST_ALL_WINDOW_SEC", "30")
		t.Setenv("AP_RATELIMIT_TEST_ALL_BURST", "25")

		require.Equal(t, httpx.RateLimitConfig{
			RequestsPerWindow: 50,
			Window:            30 * time.Second,
			Burst:             25,
		}, httpx.ParseRateLimitFromEnv("TEST_ALL", def))
	})

	t.Run("invalid values are ignored", func(t *testing.T) {
		t.Setenv("AP_RATELIMIT_TEST_BAD_REQUESTS", "lots")
		t.Setenv("AP_RATELIMIT_TEST_BAD_WINDOW_SEC", "0")
		t.Setenv("AP_RATELIMIT_TEST_BAD_BURST", "-3")

		require.Equal(t, def, httpx.ParseRateLimitFromEnv("TEST_BAD", def))
	})
}

func BenchmarkRateLimitManyIPs(b *testing.B) {
	cfg := httpx.RateLimitConfig{RequestsPerWindow: 1_000_000, Window: time.Minute, Burst: 1000}
	h := httpx.RateLimitMiddleware(cfg, httpx.IPKeyExtractor)(okHandler())

	for i := 0; b.Loop(); i++ {
		h.ServeHTTP(httptest.NewRecorder(), requestFrom(fmt.Sprintf("192.168.%d.%d:12345", i%255, (i/255)%255)))
	}
}
