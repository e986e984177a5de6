// Package cache provides bounded, concurrent caches for the admission path.
// This package implements:
// - Rejection memory keyed by payload fingerprint
// - Seen-set for relay deduplication
// - LRU eviction with TTL-based expiration
package cache
