// Package fetch issues disguised requests against arbitrary media origins:
// it rotates browser user agents, forges Referer/Origin from the target's own
// scheme+host, disables compression so byte-range math stays simple, forwards
// the inbound Range header verbatim and follows redirects up to a fixed depth,
// re-checking the domain blocklist on every hop.
package fetch

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// OriginResponse 暴露 origin 的响应元数据与未缓冲的正文流，
// 调用方负责在读完或放弃后 Close。
type OriginResponse struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser

	// FinalURL 是跟随重定向后的最终地址，用于日志。
	FinalURL string
}

// ContentType 返回 origin 报告的 Content-Type，可能为空。
func (r *OriginResponse) ContentType() string {
	return r.Header.Get("Content-Type")
}

// Close 关闭正文流，未读尽的连接交由 Transport 处理。
func (r *OriginResponse) Close() error {
	if r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Fetcher 复用共享 http.Client 执行回源请求。重定向在此处手工跟随，
// 以便施加显式深度上限、对相对 Location 做解析，并在每一跳重新执行域名黑名单
// 判定（公开地址 302 到内网地址必须在此被拦下）。
type Fetcher struct {
	client       *http.Client
	userAgents   []string
	maxRedirects int
	blocked      func(hostname string) bool

	mu   sync.Mutex
	rand *rand.Rand
}

// NewFetcher 构造 Fetcher；client 不应自行跟随重定向。
// blocked 为域名黑名单判定，nil 表示不做拦截。
func NewFetcher(client *http.Client, userAgents []string, maxRedirects int, seed int64, blocked func(hostname string) bool) *Fetcher {
	return &Fetcher{
		client:       client,
		userAgents:   append([]string(nil), userAgents...),
		maxRedirects: maxRedirects,
		blocked:      blocked,
		rand:         rand.New(rand.NewSource(seed)),
	}
}

// Fetch 对 targetURL 发起 method 请求并返回响应流。
// 3xx + Location 会在深度上限内递归跟随；网络层失败返回 *TransportError。
func (f *Fetcher) Fetch(ctx context.Context, targetURL, rangeHeader, method string) (*OriginResponse, error) {
	return f.fetch(ctx, targetURL, rangeHeader, method, 0)
}

func (f *Fetcher) fetch(ctx context.Context, targetURL, rangeHeader, method string, depth int) (*OriginResponse, error) {
	if depth > f.maxRedirects {
		return nil, &RedirectError{URL: targetURL, Reason: "redirect depth exceeded"}
	}

	parsed, err := url.Parse(targetURL)
	if err != nil {
		return nil, &TransportError{URL: targetURL, Err: err}
	}

	// 每一跳都要过黑名单，重定向落点不得比首跳更宽松。
	if f.blocked != nil && f.blocked(parsed.Hostname()) {
		return nil, &BlockedError{URL: targetURL, Hostname: parsed.Hostname()}
	}

	req, err := http.NewRequestWithContext(ctx, method, targetURL, http.NoBody)
	if err != nil {
		return nil, &TransportError{URL: targetURL, Err: err}
	}
	f.disguise(req, parsed, rangeHeader)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: targetURL, Err: err}
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		location := resp.Header.Get("Location")
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))
		resp.Body.Close()

		if location == "" {
			return nil, &RedirectError{URL: targetURL, Reason: "missing Location header"}
		}
		next, err := resolveLocation(parsed, location)
		if err != nil {
			return nil, &RedirectError{URL: targetURL, Reason: "invalid Location header"}
		}
		return f.fetch(ctx, next, rangeHeader, method, depth+1)
	}

	return &OriginResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
		FinalURL:      targetURL,
	}, nil
}

// disguise 构造伪装头：轮换 UA，用目标自身的 scheme+host 伪造 Referer/Origin，
// 关闭压缩以保证 Range 字节数学正确，并透传客户端 Range。
func (f *Fetcher) disguise(req *http.Request, target *url.URL, rangeHeader string) {
	base := target.Scheme + "://" + target.Host

	req.Header.Set("User-Agent", f.pickUserAgent())
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Referer", base+"/")
	req.Header.Set("Origin", base)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
}

func (f *Fetcher) pickUserAgent() string {
	if len(f.userAgents) == 0 {
		return ""
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userAgents[f.rand.Intn(len(f.userAgents))]
}

// resolveLocation 以当前地址为基准解析 Location，兼容相对路径跳转。
func resolveLocation(current *url.URL, location string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return "", err
	}
	resolved := current.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", &RedirectError{URL: location, Reason: "unsupported scheme"}
	}
	return resolved.String(), nil
}
