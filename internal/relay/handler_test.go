package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/flexstream/flexstream/internal/cache"
	"github.com/flexstream/flexstream/internal/fetch"
	"github.com/flexstream/flexstream/internal/policy"
	"github.com/flexstream/flexstream/internal/ratelimit"
)

type testEnv struct {
	app   *fiber.App
	store cache.Store
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEnv(t *testing.T, opts HandlerOptions) *testEnv {
	t.Helper()

	if opts.Store == nil {
		store, err := cache.NewStore(t.TempDir(), cache.Options{
			TTL:      time.Hour,
			MaxBytes: 1 << 20,
		})
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		opts.Store = store
	}
	if opts.Guard == nil {
		opts.Guard = policy.NewGuard(
			[]string{"blocked.example"},
			[]string{"video/", "audio/", "application/octet-stream", "text/"},
			1<<20,
		)
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewLimiter(time.Minute, 1000)
	}
	if opts.Fetcher == nil {
		client := &http.Client{
			Timeout: 5 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
		opts.Fetcher = fetch.NewFetcher(client, []string{"test-agent"}, 5, 1, opts.Guard.IsDomainBlocked)
	}
	if opts.Logger == nil {
		opts.Logger = newTestLogger()
	}
	if opts.MaxCacheableSize == 0 {
		opts.MaxCacheableSize = 1 << 20
	}
	if opts.MaxContentSize == 0 {
		opts.MaxContentSize = 1 << 20
	}
	if opts.ProxyTag == "" {
		opts.ProxyTag = "FlexStream/test"
	}

	h := NewHandler(opts)
	app := fiber.New()
	app.Use(h.RateLimitMiddleware())
	app.Get("/proxy", h.HandleProxy)
	app.Head("/proxy", h.HandleProxy)
	app.Get("/api/stats", h.HandleStats)
	app.Get("/api/clear-cache", h.HandleClearCache)

	return &testEnv{app: app, store: opts.Store}
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := e.app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestProxyMissThenHit(t *testing.T) {
	originHits := 0
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHits++
		w.Header().Set("Content-Type", "video/mp4")
		fmt.Fprint(w, "complete media payload")
	}))
	defer origin.Close()

	env := newTestEnv(t, HandlerOptions{})
	target := origin.URL + "/clip.mp4"

	first := env.get(t, "/proxy?url="+target)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request status %d", first.StatusCode)
	}
	if first.Header.Get("X-Cache") != "MISS" {
		t.Fatalf("first request should be a miss, got %q", first.Header.Get("X-Cache"))
	}
	firstBody, _ := io.ReadAll(first.Body)
	if string(firstBody) != "complete media payload" {
		t.Fatalf("miss body mismatch: %q", string(firstBody))
	}

	second := env.get(t, "/proxy?url="+target)
	if second.Header.Get("X-Cache") != "HIT" {
		t.Fatalf("second request should be a hit, got %q", second.Header.Get("X-Cache"))
	}
	secondBody, _ := io.ReadAll(second.Body)
	if string(secondBody) != string(firstBody) {
		t.Fatalf("hit body must be byte-identical: %q vs %q", secondBody, firstBody)
	}
	if second.Header.Get("Content-Type") != "video/mp4" {
		t.Fatalf("hit should replay stored content type, got %q", second.Header.Get("Content-Type"))
	}
	if originHits != 1 {
		t.Fatalf("origin should have been contacted once, got %d", originHits)
	}
}

func TestProxyRangeRequestsBypassCache(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == "" {
			t.Errorf("range header not forwarded")
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Range", "bytes 0-3/100")
		w.WriteHeader(http.StatusPartialContent)
		fmt.Fprint(w, "part")
	}))
	defer origin.Close()

	env := newTestEnv(t, HandlerOptions{})

	req := httptest.NewRequest(http.MethodGet, "/proxy?url="+origin.URL+"/clip.mp4", nil)
	req.Header.Set("Range", "bytes=0-3")
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("expected passed-through 206, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Cache") != "MISS" {
		t.Fatalf("range responses are never cache hits, got %q", resp.Header.Get("X-Cache"))
	}
	if resp.Header.Get("Content-Range") != "bytes 0-3/100" {
		t.Fatalf("content-range not forwarded: %q", resp.Header.Get("Content-Range"))
	}
	io.Copy(io.Discard, resp.Body)

	if stats := env.store.Stats(); stats.Count != 0 {
		t.Fatalf("range response must not be stored, found %d entries", stats.Count)
	}
}

func TestProxyRejectsMissingAndInvalidURL(t *testing.T) {
	env := newTestEnv(t, HandlerOptions{})

	resp := env.get(t, "/proxy")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing url should be 400, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "missing_url" {
		t.Fatalf("unexpected error code %q", code)
	}

	resp = env.get(t, "/proxy?url=ftp%3A%2F%2Fexample.com%2Fa.mp4")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-http scheme should be 400, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "invalid_url" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestProxyRejectsBlockedDomain(t *testing.T) {
	env := newTestEnv(t, HandlerOptions{})

	resp := env.get(t, "/proxy?url=http%3A%2F%2Fblocked.example%2Fclip.mp4")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("blocked domain should be 403, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "domain_blocked" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestProxyRejectsDisallowedContentType(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html></html>")
	}))
	defer origin.Close()

	env := newTestEnv(t, HandlerOptions{
		Guard: policy.NewGuard(nil, []string{"video/", "audio/"}, 1<<20),
	})

	resp := env.get(t, "/proxy?url="+origin.URL+"/page")
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("disallowed content type should be 415, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "content_type_blocked" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestProxyRejectsOversizedContent(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "100")
		w.Write(make([]byte, 100))
	}))
	defer origin.Close()

	env := newTestEnv(t, HandlerOptions{
		Guard: policy.NewGuard(nil, []string{"video/"}, 10),
	})

	resp := env.get(t, "/proxy?url="+origin.URL+"/big.mp4")
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized content should be 413, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "content_too_large" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestProxyRejectsRedirectToBlockedDomain(t *testing.T) {
	secretHits := 0
	secret := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secretHits++
		fmt.Fprint(w, "internal secret payload")
	}))
	defer secret.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, secret.URL+"/hidden", http.StatusFound)
	}))
	defer origin.Close()

	// 黑名单拦截 127.0.0.1；首跳通过 localhost 别名绕开首次校验，
	// 302 落点指回 127.0.0.1，必须在重定向跳上被拒绝。
	env := newTestEnv(t, HandlerOptions{
		Guard: policy.NewGuard([]string{"127.0.0.1"}, []string{"video/", "text/"}, 1<<20),
	})

	originURL, err := url.Parse(origin.URL)
	if err != nil {
		t.Fatalf("parse origin url: %v", err)
	}
	target := "http://localhost:" + originURL.Port() + "/clip.mp4"

	resp := env.get(t, "/proxy?url="+url.QueryEscape(target))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("redirect to blocked address should be 403, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "domain_blocked" {
		t.Fatalf("unexpected error code %q", code)
	}
	if secretHits != 0 {
		t.Fatalf("blocked redirect target must never be contacted, got %d hits", secretHits)
	}
}

func TestProxyMapsUpstreamFailureTo502(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	origin.Close() // 立即关闭以制造连接失败

	env := newTestEnv(t, HandlerOptions{})

	resp := env.get(t, "/proxy?url="+origin.URL+"/clip.mp4")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("transport failure should be 502, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "upstream_failed" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestRateLimitMiddlewareRejectsExcess(t *testing.T) {
	env := newTestEnv(t, HandlerOptions{
		Limiter: ratelimit.NewLimiter(time.Minute, 2),
	})

	for i := 0; i < 2; i++ {
		resp := env.get(t, "/proxy")
		if resp.StatusCode == http.StatusTooManyRequests {
			t.Fatalf("request %d should not be limited", i+1)
		}
	}

	resp := env.get(t, "/proxy")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third request should be 429, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "rate_limited" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestStatsReportsCacheAndRateWindows(t *testing.T) {
	env := newTestEnv(t, HandlerOptions{})

	if _, err := env.store.Put(context.Background(), "http://media.example/a.mp4", []byte("abcd"), "video/mp4"); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	resp := env.get(t, "/api/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d", resp.StatusCode)
	}

	var body struct {
		Cache struct {
			Count      int   `json:"count"`
			TotalBytes int64 `json:"total_bytes"`
		} `json:"cache"`
		RateLimits []struct {
			IP       string `json:"ip"`
			Requests int    `json:"requests_in_window"`
		} `json:"rate_limits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if body.Cache.Count != 1 || body.Cache.TotalBytes != 4 {
		t.Fatalf("unexpected cache stats: %+v", body.Cache)
	}
	if len(body.RateLimits) == 0 {
		t.Fatalf("stats request itself should occupy a rate window")
	}
}

func TestClearCacheRemovesAllEntries(t *testing.T) {
	env := newTestEnv(t, HandlerOptions{})

	for i := 0; i < 3; i++ {
		url := fmt.Sprintf("http://media.example/%d.mp4", i)
		if _, err := env.store.Put(context.Background(), url, []byte("abcd"), "video/mp4"); err != nil {
			t.Fatalf("seed cache: %v", err)
		}
	}

	resp := env.get(t, "/api/clear-cache")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear-cache status %d", resp.StatusCode)
	}

	var body struct {
		Message string `json:"message"`
		Removed int    `json:"removed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode clear response: %v", err)
	}
	if body.Message != "Cache cleared successfully" || body.Removed != 3 {
		t.Fatalf("unexpected clear response: %+v", body)
	}
	if stats := env.store.Stats(); stats.Count != 0 {
		t.Fatalf("cache should be empty after clear, found %d entries", stats.Count)
	}
}
