package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const indexFileName = "index.json"

// sweepTarget 控制容量清扫的滞回水位：超限后淘汰到上限的 80%，避免反复触发。
const sweepTarget = 0.8

// Options 控制缓存的过期与容量策略。
type Options struct {
	TTL      time.Duration
	MaxBytes int64
}

// NewStore 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
// 索引文件缺失或损坏时从空索引启动。
func NewStore(basePath string, opts Options) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("cache TTL required")
	}
	if opts.MaxBytes <= 0 {
		return nil, errors.New("cache capacity required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	s := &fileStore{
		basePath: abs,
		ttl:      opts.TTL,
		maxBytes: opts.MaxBytes,
		index:    make(map[string]Entry),
		now:      time.Now,
	}
	s.loadIndex()
	return s, nil
}

// fileStore 用单把互斥锁串行化索引读改写，payload 竞争由 rename 原子性兜底。
type fileStore struct {
	basePath string
	ttl      time.Duration
	maxBytes int64

	mu    sync.Mutex
	index map[string]Entry

	now func() time.Time
}

func (s *fileStore) Get(ctx context.Context, sourceURL string) ([]byte, Entry, error) {
	select {
	case <-ctx.Done():
		return nil, Entry{}, ctx.Err()
	default:
	}

	key := Key(sourceURL)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index[key]
	if !ok {
		return nil, Entry{}, ErrNotFound
	}

	if s.now().Sub(entry.StoredAt) > s.ttl {
		s.removeLocked(key)
		s.saveIndexLocked()
		return nil, Entry{}, ErrNotFound
	}

	payload, err := os.ReadFile(s.payloadPath(key))
	if err != nil || int64(len(payload)) != entry.SizeBytes {
		// 索引与正文不一致时按未命中处理并淘汰该条目。
		s.removeLocked(key)
		s.saveIndexLocked()
		return nil, Entry{}, ErrNotFound
	}

	return payload, entry, nil
}

func (s *fileStore) Put(ctx context.Context, sourceURL string, payload []byte, contentType string) (Entry, error) {
	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	default:
	}

	key := Key(sourceURL)
	filePath := s.payloadPath(key)

	tempFile, err := os.CreateTemp(s.basePath, ".cache-*")
	if err != nil {
		return Entry{}, err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return Entry{}, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return Entry{}, err
	}

	entry := Entry{
		Key:         key,
		SourceURL:   sourceURL,
		ContentType: contentType,
		SizeBytes:   int64(len(payload)),
		StoredAt:    s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[key] = entry
	s.sweepLocked()
	s.saveIndexLocked()

	return entry, nil
}

func (s *fileStore) Remove(ctx context.Context, sourceURL string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(Key(sourceURL))
	s.saveIndexLocked()
	return nil
}

func (s *fileStore) Clear(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.index {
		s.removeLocked(key)
		removed++
	}
	s.saveIndexLocked()
	return removed, nil
}

func (s *fileStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stats := Stats{Entries: make([]EntryStat, 0, len(s.index))}
	for _, entry := range s.index {
		stats.Count++
		stats.TotalBytes += entry.SizeBytes
		stats.Entries = append(stats.Entries, EntryStat{
			SourceURL:  entry.SourceURL,
			SizeBytes:  entry.SizeBytes,
			AgeSeconds: int64(now.Sub(entry.StoredAt).Seconds()),
		})
	}
	sort.Slice(stats.Entries, func(i, j int) bool {
		return stats.Entries[i].SourceURL < stats.Entries[j].SourceURL
	})
	return stats
}

func (s *fileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveIndexLocked()
}

// removeLocked 同步删除索引条目与正文文件，正文已缺失时静默成功。
func (s *fileStore) removeLocked(key string) {
	delete(s.index, key)
	if err := os.Remove(s.payloadPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		// 删除失败只能留给下一次清扫重试，索引侧已经移除。
		return
	}
}

// sweepLocked 在总占用超过上限时按 StoredAt 从旧到新淘汰，直至降到滞回水位。
func (s *fileStore) sweepLocked() {
	var total int64
	for _, entry := range s.index {
		total += entry.SizeBytes
	}
	if total <= s.maxBytes {
		return
	}

	entries := make([]Entry, 0, len(s.index))
	for _, entry := range s.index {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StoredAt.Before(entries[j].StoredAt)
	})

	target := int64(float64(s.maxBytes) * sweepTarget)
	for _, entry := range entries {
		if total <= target {
			break
		}
		s.removeLocked(entry.Key)
		total -= entry.SizeBytes
	}
}

// loadIndex 启动时恢复索引；文件缺失、损坏或正文不在磁盘时丢弃相应条目。
func (s *fileStore) loadIndex() {
	data, err := os.ReadFile(filepath.Join(s.basePath, indexFileName))
	if err != nil {
		return
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}

	for _, entry := range entries {
		if entry.Key == "" {
			continue
		}
		info, err := os.Stat(s.payloadPath(entry.Key))
		if err != nil || info.IsDir() || info.Size() != entry.SizeBytes {
			continue
		}
		s.index[entry.Key] = entry
	}
}

// saveIndexLocked 将索引整体重写到 index.json，沿用临时文件 + rename 语义。
func (s *fileStore) saveIndexLocked() error {
	entries := make([]Entry, 0, len(s.index))
	for _, entry := range s.index {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})

	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(s.basePath, ".index-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filepath.Join(s.basePath, indexFileName)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) payloadPath(key string) string {
	return filepath.Join(s.basePath, key)
}
