package config

import (
	"errors"
	"net/netip"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return newFieldError("LogLevel", "未知日志级别: "+c.LogLevel)
	}
	if c.StoragePath == "" {
		return newFieldError("StoragePath", "不能为空")
	}
	if c.AssetPath == "" {
		return newFieldError("AssetPath", "不能为空")
	}
	if c.CacheTTL.DurationValue() <= 0 {
		return newFieldError("CacheTTL", "必须大于 0")
	}
	if c.MaxCacheSize <= 0 {
		return newFieldError("MaxCacheSize", "必须大于 0")
	}
	if c.MaxCacheableSize <= 0 {
		return newFieldError("MaxCacheableSize", "必须大于 0")
	}
	if c.MaxCacheableSize > c.MaxCacheSize {
		return newFieldError("MaxCacheableSize", "不能超过 MaxCacheSize")
	}
	if c.MaxContentSize <= 0 {
		return newFieldError("MaxContentSize", "必须大于 0")
	}
	if c.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}
	if c.MaxRedirects <= 0 {
		return newFieldError("MaxRedirects", "必须大于 0")
	}
	if c.RateLimitWindow.DurationValue() <= 0 {
		return newFieldError("RateLimitWindow", "必须大于 0")
	}
	if c.RateLimitMax <= 0 {
		return newFieldError("RateLimitMax", "必须大于 0")
	}

	for _, entry := range c.BlockedDomains {
		if err := validateBlocklistEntry(entry); err != nil {
			return newFieldError("BlockedDomains", err.Error())
		}
	}

	for _, agent := range c.UserAgents {
		if strings.TrimSpace(agent) == "" {
			return newFieldError("UserAgents", "存在空白条目")
		}
	}

	return nil
}

// validateBlocklistEntry 对含 `/` 的条目要求合法 CIDR，其余按主机名处理。
func validateBlocklistEntry(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return errors.New("存在空白条目")
	}
	if strings.Contains(entry, "/") {
		if _, err := netip.ParsePrefix(entry); err != nil {
			return errors.New("非法 CIDR: " + entry)
		}
		return nil
	}
	if strings.Contains(entry, " ") {
		return errors.New("主机名不允许包含空格: " + entry)
	}
	if strings.HasPrefix(entry, "http") {
		return errors.New("主机名不应包含协议头: " + entry)
	}
	return nil
}
