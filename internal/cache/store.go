package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<sha256(url)>   # 实际正文
//	<StoragePath>/index.json      # 条目元数据列表，整体重写
//
// 条目存在于索引当且仅当正文文件存在于磁盘，任何不一致按未命中处理并淘汰。
type Store interface {
	// Get 返回缓存正文与元数据。过期或不一致的条目会被惰性淘汰并返回 ErrNotFound。
	Get(ctx context.Context, sourceURL string) ([]byte, Entry, error)

	// Put 将完整正文写入缓存并更新索引，随后触发容量清扫。
	// 实现需通过临时文件 + rename 保证写入原子性。
	Put(ctx context.Context, sourceURL string, payload []byte, contentType string) (Entry, error)

	// Remove 删除索引条目与正文文件，正文缺失时静默成功（幂等）。
	Remove(ctx context.Context, sourceURL string) error

	// Clear 淘汰全部条目，返回删除的条目数。
	Clear(ctx context.Context) (int, error)

	// Stats 汇总条目数、占用字节与条目年龄，仅用于观测。
	Stats() Stats

	// Flush 将索引整体重写到磁盘，进程退出前调用。
	Flush() error
}

// Entry 描述一个已缓存资源的元数据，持久化在 index.json 中。
type Entry struct {
	Key         string    `json:"key"`
	SourceURL   string    `json:"source_url"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	StoredAt    time.Time `json:"stored_at"`
}

// Stats 是 /api/stats 输出的缓存侧数据。
type Stats struct {
	Count      int         `json:"count"`
	TotalBytes int64       `json:"total_bytes"`
	Entries    []EntryStat `json:"entries"`
}

// EntryStat 给出单个条目的来源、大小与存活秒数。
type EntryStat struct {
	SourceURL  string `json:"url"`
	SizeBytes  int64  `json:"size_bytes"`
	AgeSeconds int64  `json:"age_seconds"`
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// Key 计算资源 URL 的内容寻址键。
func Key(sourceURL string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	return hex.EncodeToString(sum[:])
}
