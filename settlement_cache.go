package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// SettlementCache guards against duplicate submissions of the same
// settlement. It tracks in-flight settlements by key and caches successful
// responses for a TTL so retries replay the original result instead of
// spending gas on a transaction the settlement contract would reject.
//
// A cached response is bound to the fingerprint of the request that produced
// it. Only a request with the same fingerprint replays it; a different request
// for the same settlement key sees a conflict.
type SettlementCache struct {
	mu       sync.Mutex
	results  map[string]cachedSettlement
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
	clock    clock.Clock
}

type cachedSettlement struct {
	fingerprint string
	response    *SettleResponse
}

// NewSettlementCache creates a new settlement cache with the specified TTL.
// A nil clock uses the wall clock.
func NewSettlementCache(ttl time.Duration, clk clock.Clock) *SettlementCache {
	if clk == nil {
		clk = clock.New()
	}
	return &SettlementCache{
		results:  make(map[string]cachedSettlement),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		clock:    clk,
	}
}

// GenerateSettlementKey derives a cache key from the parts that identify one
// settlement (e.g. the router commitment, or payer and authorization nonce).
// Parts are compared case-insensitively.
func GenerateSettlementKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(strings.ToLower(p)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SettlementStatus represents the result of checking the cache.
type SettlementStatus int

const (
	// StatusNotFound means no cached result and no in-flight request.
	StatusNotFound SettlementStatus = iota
	// StatusCached means a cached result was found.
	StatusCached
	// StatusInFlight means another request is currently processing this settlement.
	StatusInFlight
	// StatusConflict means the settlement completed for a request with a
	// different fingerprint.
	StatusConflict
)

// CheckAndMark atomically checks the cache and marks the key as in-flight if needed.
// Returns:
// - StatusCached + result if a result cached under the same fingerprint exists
// - StatusConflict if a result exists for a different fingerprint
// - StatusInFlight + wait channel if another request is processing
// - StatusNotFound + done channel if this request should proceed (now marked in-flight)
func (c *SettlementCache) CheckAndMark(key, fingerprint string) (SettlementStatus, *SettleResponse, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if c.clock.Now().Before(expiry) {
			if entry, ok := c.results[key]; ok {
				if entry.fingerprint != fingerprint {
					return StatusConflict, nil, nil
				}
				return StatusCached, entry.response, nil
			}
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, nil, done
}

// WaitForResult waits for an in-flight request to complete, respecting context cancellation.
// Returns the cached result if available under fingerprint, or nil if the
// in-flight request failed or settled a different request.
func (c *SettlementCache) WaitForResult(ctx context.Context, key, fingerprint string, done chan struct{}) (*SettleResponse, error) {
	select {
	case <-done:
		return c.Get(key, fingerprint), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get retrieves a cached settlement response if it exists, hasn't expired and
// was produced by a request with the same fingerprint.
func (c *SettlementCache) Get(key, fingerprint string) *SettleResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}

	if c.clock.Now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}

	entry, ok := c.results[key]
	if !ok || entry.fingerprint != fingerprint {
		return nil
	}
	return entry.response
}

// Complete caches the response, clears the in-flight marker and wakes waiters.
func (c *SettlementCache) Complete(key, fingerprint string, response *SettleResponse, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = cachedSettlement{fingerprint: fingerprint, response: response}
	c.expiry[key] = c.clock.Now().Add(c.ttl)

	delete(c.inFlight, key)
	close(done)

	c.cleanupExpiredLocked()
}

// Fail removes the in-flight marker without caching a result,
// allowing the settlement to be retried.
func (c *SettlementCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *SettlementCache) cleanupExpiredLocked() {
	now := c.clock.Now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
