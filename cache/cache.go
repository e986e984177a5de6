package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/blake2b"
)

// Fingerprint identifies a raw payload before it is decoded.
type Fingerprint [32]byte

// FingerprintOf hashes raw.
func FingerprintOf(raw []byte) Fingerprint {
	return blake2b.Sum256(raw)
}

// Rejections remembers payloads that failed for reasons that cannot change,
// so repeats are answered without another verification.
type Rejections struct {
	lru *expirable.LRU[Fingerprint, error]
}

// NewRejections creates a rejection cache holding up to size entries for ttl.
func NewRejections(size int, ttl time.Duration) *Rejections {
	if size <= 0 {
		size = 1
	}
	return &Rejections{lru: expirable.NewLRU[Fingerprint, error](size, nil, ttl)}
}

// Remember records that raw was rejected with err.
func (r *Rejections) Remember(raw []byte, err error) {
	r.lru.Add(FingerprintOf(raw), err)
}

// Lookup returns the remembered rejection of raw.
func (r *Rejections) Lookup(raw []byte) (error, bool) {
	return r.lru.Get(FingerprintOf(raw))
}

// Len returns the number of remembered payloads.
func (r *Rejections) Len() int { return r.lru.Len() }

// Seen is a bounded set of recently observed keys.
type Seen struct {
	lru *expirable.LRU[string, struct{}]
}

// NewSeen creates a seen-set holding up to size keys for ttl.
func NewSeen(size int, ttl time.Duration) *Seen {
	if size <= 0 {
		size = 1
	}
	return &Seen{lru: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// Mark records key and reports whether it was new.
func (s *Seen) Mark(key string) bool {
	if s.lru.Contains(key) {
		return false
	}
	s.lru.Add(key, struct{}{})
	return true
}

// Contains reports whether key was seen recently.
func (s *Seen) Contains(key string) bool {
	return s.lru.Contains(key)
}

// Len returns the number of remembered keys.
func (s *Seen) Len() int { return s.lru.Len() }
