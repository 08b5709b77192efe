package cache

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStorePutAndGet(t *testing.T) {
	store := newTestStore(t)
	url := "https://media.example/a.mp4"
	payload := []byte("payload")

	entry, err := store.Put(context.Background(), url, payload, "video/mp4")
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if entry.Key != Key(url) {
		t.Fatalf("key mismatch: %s", entry.Key)
	}
	if entry.SizeBytes != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", entry.SizeBytes)
	}

	got, gotEntry, err := store.Get(context.Background(), url)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("cached payload mismatch: %s", string(got))
	}
	if gotEntry.ContentType != "video/mp4" {
		t.Fatalf("content type mismatch: %s", gotEntry.ContentType)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	if _, _, err := store.Get(context.Background(), "https://media.example/missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreExpiresEntries(t *testing.T) {
	store := newTestStore(t)
	fs := store.(*fileStore)

	url := "https://media.example/old.mp4"
	if _, err := store.Put(context.Background(), url, []byte("data"), "video/mp4"); err != nil {
		t.Fatalf("put error: %v", err)
	}

	fs.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	if _, _, err := store.Get(context.Background(), url); err != ErrNotFound {
		t.Fatalf("expired entry should be absent, got %v", err)
	}
	// 过期淘汰必须幂等：再次查找不应复活条目。
	if _, _, err := store.Get(context.Background(), url); err != ErrNotFound {
		t.Fatalf("expired entry resurrected: %v", err)
	}
	if _, err := os.Stat(fs.payloadPath(Key(url))); !os.IsNotExist(err) {
		t.Fatalf("payload file should be removed after expiry")
	}
}

func TestStoreRemoveIdempotent(t *testing.T) {
	store := newTestStore(t)
	url := "https://media.example/remove.mp4"
	if _, err := store.Put(context.Background(), url, []byte("data"), "video/mp4"); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Remove(context.Background(), url); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if err := store.Remove(context.Background(), url); err != nil {
		t.Fatalf("second remove should succeed: %v", err)
	}
	if _, _, err := store.Get(context.Background(), url); err != ErrNotFound {
		t.Fatalf("expected not found after remove, got %v", err)
	}
}

func TestStoreCorruptPayloadTreatedAsMiss(t *testing.T) {
	store := newTestStore(t)
	fs := store.(*fileStore)

	url := "https://media.example/corrupt.mp4"
	if _, err := store.Put(context.Background(), url, []byte("full payload"), "video/mp4"); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := os.WriteFile(fs.payloadPath(Key(url)), []byte("short"), 0o644); err != nil {
		t.Fatalf("truncate payload: %v", err)
	}

	if _, _, err := store.Get(context.Background(), url); err != ErrNotFound {
		t.Fatalf("size mismatch should read as miss, got %v", err)
	}
	if store.Stats().Count != 0 {
		t.Fatalf("inconsistent entry should be evicted")
	}
}

func TestStoreCapacitySweep(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, Options{TTL: 24 * time.Hour, MaxBytes: 1000})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	fs := store.(*fileStore)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		i := i
		fs.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		url := fmt.Sprintf("https://media.example/%d.bin", i)
		if _, err := store.Put(context.Background(), url, bytes.Repeat([]byte{1}, 300), "video/mp4"); err != nil {
			t.Fatalf("put %d error: %v", i, err)
		}
	}

	stats := store.Stats()
	if stats.TotalBytes > 1000 {
		t.Fatalf("sweep left usage above ceiling: %d", stats.TotalBytes)
	}
	// 滞回到 80% 水位：1500 字节超限后应淘汰两个最旧条目，留下 900。
	if stats.TotalBytes != 900 {
		t.Fatalf("expected 900 bytes after sweep, got %d", stats.TotalBytes)
	}
	if _, _, err := store.Get(context.Background(), "https://media.example/0.bin"); err != ErrNotFound {
		t.Fatalf("oldest entry should be evicted first")
	}
	if _, _, err := store.Get(context.Background(), "https://media.example/4.bin"); err != nil {
		t.Fatalf("newest entry should survive sweep: %v", err)
	}
}

func TestStoreClear(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 3; i++ {
		url := fmt.Sprintf("https://media.example/%d.mp4", i)
		if _, err := store.Put(context.Background(), url, []byte("data"), "video/mp4"); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}
	removed, err := store.Clear(context.Background())
	if err != nil {
		t.Fatalf("clear error: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	if store.Stats().Count != 0 {
		t.Fatalf("expected empty cache after clear")
	}
}

func TestStoreIndexSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, Options{TTL: 24 * time.Hour, MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	url := "https://media.example/persist.mp4"
	payload := []byte("persisted payload")
	if _, err := store.Put(context.Background(), url, payload, "video/mp4"); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("flush error: %v", err)
	}

	reopened, err := NewStore(dir, Options{TTL: 24 * time.Hour, MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	got, entry, err := reopened.Get(context.Background(), url)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch after reopen")
	}
	if entry.SourceURL != url {
		t.Fatalf("source url mismatch: %s", entry.SourceURL)
	}
}

func TestStoreStartsEmptyOnCorruptIndex(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, indexFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt index: %v", err)
	}
	store, err := NewStore(dir, Options{TTL: 24 * time.Hour, MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("corrupt index should not fail startup: %v", err)
	}
	if store.Stats().Count != 0 {
		t.Fatalf("expected empty index")
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), Options{TTL: 24 * time.Hour, MaxBytes: 1 << 30})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
