package fetch

import "fmt"

// TransportError 表示连接失败、超时或中途断流等网络层错误，
// 与 origin 以状态码表达的业务错误相区分。
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error fetching %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BlockedError 表示请求目标（含重定向落点）命中了域名黑名单。
type BlockedError struct {
	URL      string
	Hostname string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked domain %s at %s", e.Hostname, e.URL)
}

// RedirectError 表示重定向无法继续：Location 缺失/非法，或超过深度上限。
type RedirectError struct {
	URL    string
	Reason string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirect failed at %s: %s", e.URL, e.Reason)
}
