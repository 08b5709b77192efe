// Package cache defines the disk-backed store that maps fetched resource URLs
// onto StoragePath/<sha256> payload files plus a single index.json holding the
// entry metadata (source URL, content type, size, stored-at). The store owns
// TTL expiry and the capacity sweep, keeps index and payload files in sync on
// every mutation, and writes both with safe semantics (temp file + rename).
// The relay depends on this package to serve cache hits and to persist whole
// cacheable responses without duplicating filesystem logic.
package cache
