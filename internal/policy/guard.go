// Package policy holds the stateless access gates applied around an origin
// fetch: domain blocklist, content-type allowlist and declared-size ceiling.
// The domain gate runs before any network cost; type and size need the
// origin's response headers and run right after them.
package policy

import (
	"net/netip"
	"strings"
)

// Guard 在构造时解析好阻断配置，此后所有判定都是无状态纯函数。
type Guard struct {
	blockedHosts    map[string]struct{}
	blockedPrefixes []netip.Prefix
	allowedTypes    []string
	maxContentSize  int64
}

// NewGuard 解析 blocklist（含 `/` 的条目按 CIDR 前缀处理）并保存判定参数。
// 非法 CIDR 条目应在配置校验阶段被拒绝，这里直接忽略。
func NewGuard(blockedDomains, allowedContentTypes []string, maxContentSize int64) *Guard {
	g := &Guard{
		blockedHosts:   make(map[string]struct{}),
		allowedTypes:   append([]string(nil), allowedContentTypes...),
		maxContentSize: maxContentSize,
	}
	for _, entry := range blockedDomains {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if prefix, err := netip.ParsePrefix(entry); err == nil {
				g.blockedPrefixes = append(g.blockedPrefixes, prefix)
			}
			continue
		}
		g.blockedHosts[strings.ToLower(entry)] = struct{}{}
	}
	return g
}

// IsDomainBlocked 精确匹配主机名；当主机名本身是 IP 时再做前缀包含判定。
func (g *Guard) IsDomainBlocked(hostname string) bool {
	host := strings.ToLower(strings.TrimSpace(hostname))
	if host == "" {
		return false
	}
	if _, ok := g.blockedHosts[host]; ok {
		return true
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, prefix := range g.blockedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// IsContentTypeAllowed 对未知类型放行，其余按允许列表做子串匹配。
func (g *Guard) IsContentTypeAllowed(contentType string) bool {
	if contentType == "" {
		return true
	}
	for _, allowed := range g.allowedTypes {
		if strings.Contains(contentType, allowed) {
			return true
		}
	}
	return false
}

// IsSizeAllowed 拒绝声明长度超过上限的响应；长度未知（<=0）时放行。
func (g *Guard) IsSizeAllowed(contentLength int64) bool {
	if contentLength <= 0 {
		return true
	}
	return contentLength <= g.maxContentSize
}
