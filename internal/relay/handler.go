package relay

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/flexstream/flexstream/internal/cache"
	"github.com/flexstream/flexstream/internal/fetch"
	"github.com/flexstream/flexstream/internal/logging"
	"github.com/flexstream/flexstream/internal/metrics"
	"github.com/flexstream/flexstream/internal/policy"
	"github.com/flexstream/flexstream/internal/ratelimit"
	"github.com/flexstream/flexstream/internal/server"
)

// 未声明 Content-Type 时按媒体流兜底。
const fallbackContentType = "video/mp4"

// Handler 负责 orchestrate “限流 → 策略 → 缓存命中 → 回源 streaming → 旁路写缓存”
// 的全流程，对外暴露 Fiber handler，内部复用共享 Fetcher 与磁盘缓存。
type Handler struct {
	store   cache.Store
	guard   *policy.Guard
	limiter *ratelimit.Limiter
	fetcher *fetch.Fetcher
	logger  *logrus.Logger
	metrics *metrics.Metrics

	maxCacheableSize int64
	maxContentSize   int64
	proxyTag         string
}

// HandlerOptions 汇总 Handler 的全部依赖，便于在测试中注入。
type HandlerOptions struct {
	Store            cache.Store
	Guard            *policy.Guard
	Limiter          *ratelimit.Limiter
	Fetcher          *fetch.Fetcher
	Logger           *logrus.Logger
	Metrics          *metrics.Metrics
	MaxCacheableSize int64
	MaxContentSize   int64
	ProxyTag         string
}

// NewHandler 组装 relay，各依赖（fetcher/logger/store）均为进程级共享实例。
func NewHandler(opts HandlerOptions) *Handler {
	return &Handler{
		store:            opts.Store,
		guard:            opts.Guard,
		limiter:          opts.Limiter,
		fetcher:          opts.Fetcher,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		maxCacheableSize: opts.MaxCacheableSize,
		maxContentSize:   opts.MaxContentSize,
		proxyTag:         opts.ProxyTag,
	}
}

// HandleProxy 执行缓存查找、策略校验与最终 streaming 逻辑，
// 任何阶段出错都会输出结构化日志。
func (h *Handler) HandleProxy(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	clientIP := c.IP()

	target := strings.TrimSpace(c.Query("url"))
	if target == "" {
		h.observe("proxy", fiber.StatusBadRequest, started)
		return writeError(c, fiber.StatusBadRequest, codeMissingURL, "Missing url parameter")
	}

	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		h.observe("proxy", fiber.StatusBadRequest, started)
		return writeError(c, fiber.StatusBadRequest, codeInvalidURL, "Target url is not a valid http(s) address")
	}

	if h.guard.IsDomainBlocked(parsed.Hostname()) {
		h.logDenied(clientIP, target, requestID, codeDomainBlocked)
		h.observe("proxy", fiber.StatusForbidden, started)
		return writeError(c, fiber.StatusForbidden, codeDomainBlocked, "Access to this domain is blocked")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rangeHeader := c.Get("Range")
	method := c.Method()

	// Range 请求永远不读缓存，也永远不写缓存。
	if rangeHeader == "" {
		payload, entry, err := h.store.Get(ctx, target)
		switch {
		case err == nil:
			return h.serveFromCache(c, target, payload, entry, requestID, started)
		case errors.Is(err, cache.ErrNotFound):
			// miss, continue
		default:
			h.logger.WithError(err).
				WithFields(logging.RequestFields(clientIP, target, false)).
				Warn("cache_get_failed")
		}
		h.metrics.CacheEvent("miss")
	}

	resp, err := h.fetcher.Fetch(ctx, target, rangeHeader, method)
	if err != nil {
		return h.writeFetchError(c, clientIP, target, requestID, started, err)
	}

	contentType := resp.ContentType()
	if !h.guard.IsContentTypeAllowed(contentType) {
		resp.Close()
		h.logDenied(clientIP, target, requestID, codeContentType)
		h.observe("proxy", fiber.StatusUnsupportedMediaType, started)
		return writeError(c, fiber.StatusUnsupportedMediaType, codeContentType, "Content type not allowed: "+contentType)
	}
	if !h.guard.IsSizeAllowed(resp.ContentLength) {
		resp.Close()
		h.logDenied(clientIP, target, requestID, codeContentSize)
		h.observe("proxy", fiber.StatusRequestEntityTooLarge, started)
		return writeError(c, fiber.StatusRequestEntityTooLarge, codeContentSize, "Content too large")
	}

	return h.streamOrigin(c, target, rangeHeader, method, resp, clientIP, requestID, started)
}

// serveFromCache 直接以缓存正文应答，并标记 X-Cache: HIT。
func (h *Handler) serveFromCache(
	c fiber.Ctx,
	target string,
	payload []byte,
	entry cache.Entry,
	requestID string,
	started time.Time,
) error {
	contentType := entry.ContentType
	if contentType == "" {
		contentType = fallbackContentType
	}

	c.Set("Content-Type", contentType)
	c.Response().Header.SetContentLength(len(payload))
	c.Set("Accept-Ranges", "bytes")
	c.Set("Cache-Control", "public, max-age=86400")
	c.Set("X-Cache", "HIT")
	c.Set("X-Proxy", h.proxyTag)
	c.Status(fiber.StatusOK)

	h.metrics.CacheEvent("hit")
	h.observe("proxy", fiber.StatusOK, started)
	h.logResult(c.IP(), target, requestID, fiber.StatusOK, true, started, nil)

	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(payload)
}

// streamOrigin 透传 origin 状态与头部，正文经 cacheTap 旁路累积。
func (h *Handler) streamOrigin(
	c fiber.Ctx,
	target string,
	rangeHeader string,
	method string,
	resp *fetch.OriginResponse,
	clientIP string,
	requestID string,
	started time.Time,
) error {
	contentType := resp.ContentType()
	if contentType == "" {
		contentType = fallbackContentType
	}

	c.Set("Content-Type", contentType)
	if resp.ContentLength > 0 {
		c.Response().Header.SetContentLength(int(resp.ContentLength))
	}
	if contentRange := resp.Header.Get("Content-Range"); contentRange != "" {
		c.Set("Content-Range", contentRange)
	}
	c.Set("Accept-Ranges", "bytes")
	c.Set("Cache-Control", "no-cache")
	c.Set("X-Cache", "MISS")
	c.Set("X-Proxy", h.proxyTag)
	c.Status(resp.StatusCode)

	// 正文在 handler 返回后才由底层写出，直方图只覆盖到首字节前的处理耗时。
	h.observe("proxy", resp.StatusCode, started)
	h.logResult(clientIP, target, requestID, resp.StatusCode, false, started, nil)

	if method == http.MethodHead {
		resp.Close()
		return nil
	}

	cacheable := rangeHeader == "" &&
		resp.StatusCode == http.StatusOK &&
		method == http.MethodGet &&
		resp.ContentLength > 0 &&
		resp.ContentLength < h.maxCacheableSize

	size := -1
	if resp.ContentLength > 0 {
		size = int(resp.ContentLength)
	}

	if !cacheable {
		return c.SendStream(resp.Body, size)
	}

	tap := newCacheTap(resp.Body, h.maxContentSize, func(payload []byte) {
		h.commitCache(target, payload, contentType, clientIP, requestID)
	})
	return c.SendStream(tap, size)
}

// commitCache 在 origin EOF 后提交旁路缓冲。磁盘失败只记日志，不影响已完成的响应。
// 提交发生在响应流收尾阶段，请求级 context 此时可能已结束，故使用 Background。
func (h *Handler) commitCache(target string, payload []byte, contentType, clientIP, requestID string) {
	if _, err := h.store.Put(context.Background(), target, payload, contentType); err != nil {
		fields := logging.RequestFields(clientIP, target, false)
		fields["action"] = "cache_store"
		if requestID != "" {
			fields["request_id"] = requestID
		}
		h.logger.WithError(err).WithFields(fields).Warn("cache_store_failed")
		h.metrics.CacheEvent("store_failed")
		return
	}
	h.metrics.CacheEvent("store")
}

// writeFetchError 区分黑名单拦截、重定向失败与传输失败，未发头时以对应状态码应答。
func (h *Handler) writeFetchError(
	c fiber.Ctx,
	clientIP string,
	target string,
	requestID string,
	started time.Time,
	err error,
) error {
	// 重定向落点命中黑名单时按策略拒绝处理，与首跳拦截同样返回 403。
	var blockedErr *fetch.BlockedError
	if errors.As(err, &blockedErr) {
		h.logDenied(clientIP, target, requestID, codeDomainBlocked)
		h.observe("proxy", fiber.StatusForbidden, started)
		return writeError(c, fiber.StatusForbidden, codeDomainBlocked, "Access to this domain is blocked")
	}

	code := codeUpstreamFailed
	category := "transport"

	var redirectErr *fetch.RedirectError
	if errors.As(err, &redirectErr) {
		code = codeRedirectFailed
		category = "redirect"
	}

	h.metrics.UpstreamError(category)
	h.observe("proxy", fiber.StatusBadGateway, started)
	h.logResult(clientIP, target, requestID, fiber.StatusBadGateway, false, started, err)
	return writeError(c, fiber.StatusBadGateway, code, err.Error())
}

func (h *Handler) observe(endpoint string, status int, started time.Time) {
	h.metrics.ObserveRequest(endpoint, status, time.Since(started))
}

func (h *Handler) logDenied(clientIP, target, requestID, code string) {
	fields := logging.RequestFields(clientIP, target, false)
	fields["action"] = "proxy"
	fields["error"] = code
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Warn("proxy_denied")
}

func (h *Handler) logResult(
	clientIP string,
	target string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(clientIP, target, cacheHit)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
