package relay

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/flexstream/flexstream/internal/logging"
)

// RateLimitMiddleware 对所有非预检请求做滑动窗口限流，超限以 429 终止。
func (h *Handler) RateLimitMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		clientIP := c.IP()
		if h.limiter.Allow(clientIP) {
			return c.Next()
		}

		fields := logging.RequestFields(clientIP, "", false)
		fields["action"] = "rate_limit"
		h.logger.WithFields(fields).Warn("rate_limit_exceeded")
		h.observe("proxy", fiber.StatusTooManyRequests, time.Now())

		return writeError(c, fiber.StatusTooManyRequests, codeRateLimited,
			"Too many requests. Please try again later.")
	}
}

// rateWindow 是 /api/stats 中单个客户端的窗口占用。
type rateWindow struct {
	IP       string `json:"ip"`
	Requests int    `json:"requests_in_window"`
}

// HandleStats 输出缓存统计与各客户端限流窗口占用，仅用于观测。
func (h *Handler) HandleStats(c fiber.Ctx) error {
	started := time.Now()

	snapshot := h.limiter.Snapshot()
	windows := make([]rateWindow, 0, len(snapshot))
	for ip, count := range snapshot {
		windows = append(windows, rateWindow{IP: ip, Requests: count})
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].IP < windows[j].IP })

	h.observe("stats", fiber.StatusOK, started)
	return c.JSON(fiber.Map{
		"cache":       h.store.Stats(),
		"rate_limits": windows,
	})
}

// HandleClearCache 淘汰全部缓存条目并返回确认信息。
func (h *Handler) HandleClearCache(c fiber.Ctx) error {
	started := time.Now()

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	removed, err := h.store.Clear(ctx)
	if err != nil {
		h.logger.WithError(err).WithField("action", "clear_cache").Error("cache_clear_failed")
		h.observe("clear_cache", fiber.StatusInternalServerError, started)
		return writeError(c, fiber.StatusInternalServerError, codeCacheFailed, err.Error())
	}

	h.logger.WithFields(logrus.Fields{
		"action":  "clear_cache",
		"removed": removed,
	}).Info("cache_cleared")
	h.metrics.CacheEvent("evict")
	h.observe("clear_cache", fiber.StatusOK, started)

	return c.JSON(fiber.Map{
		"message": "Cache cleared successfully",
		"removed": removed,
	})
}
