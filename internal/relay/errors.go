package relay

import "github.com/gofiber/fiber/v3"

// 结构化错误码，客户端据此与状态码一起判断失败原因。
const (
	codeMissingURL     = "missing_url"
	codeInvalidURL     = "invalid_url"
	codeDomainBlocked  = "domain_blocked"
	codeContentType    = "content_type_blocked"
	codeContentSize    = "content_too_large"
	codeRateLimited    = "rate_limited"
	codeUpstreamFailed = "upstream_failed"
	codeRedirectFailed = "redirect_failed"
	codeCacheFailed    = "cache_clear_failed"
)

// writeError 输出统一的 JSON 错误体。
func writeError(c fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error":   code,
		"message": message,
	})
}
