// Package ratelimit implements the token-bucket limiter shared by a
// torrent's per-session writers and the engine's process-wide budget.
// There is no teacher equivalent (the teacher never throttles transfer
// rate); the bucket shape and backoff schedule follow spec §4.10
// directly.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	minBackoff = 10 * time.Millisecond
	maxBackoff = 100 * time.Millisecond
)

// Bucket is a token bucket: capacity equals the configured rate in
// bytes/second, tokens refill continuously based on elapsed wall time.
// A zero or negative rate disables limiting entirely (TryConsume always
// succeeds), per spec §4.10's "null or 0 rate disables the bucket".
type Bucket struct {
	mu         sync.Mutex
	rateBps    float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewBucket builds a Bucket with the given rate in bytes/second. rateBps
// <= 0 disables limiting.
func NewBucket(rateBps float64) *Bucket {
	b := &Bucket{
		rateBps:  rateBps,
		capacity: rateBps,
		now:      time.Now,
	}
	b.tokens = b.capacity
	b.lastRefill = b.now()
	return b
}

// SetRate updates the bucket's rate and capacity, resetting tokens to
// the new capacity (spec §4.10: "updating the rate resets tokens to the
// new capacity").
func (b *Bucket) SetRate(rateBps float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rateBps = rateBps
	b.capacity = rateBps
	b.tokens = rateBps
	b.lastRefill = b.now()
}

// disabled reports whether this bucket imposes no limit at all.
func (b *Bucket) disabled() bool { return b.rateBps <= 0 }

// refillLocked advances tokens by elapsed time * rate, bounded by
// capacity. Caller must hold b.mu.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rateBps
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// TryConsume attempts to deduct n tokens without blocking, refilling
// first. It returns true (and deducts) if enough tokens were available,
// false otherwise. Always true when the bucket is disabled.
func (b *Bucket) TryConsume(n float64) bool {
	if b.disabled() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// WaitFor blocks until n tokens can be consumed, retrying TryConsume
// with exponential backoff starting at 10ms and capping at 100ms, or
// returns ctx.Err() if ctx is cancelled first.
func (b *Bucket) WaitFor(ctx context.Context, n float64) error {
	if b.TryConsume(n) {
		return nil
	}
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if b.TryConsume(n) {
			return nil
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Pair bundles the download/upload buckets the spec requires one of,
// process-wide, plus one more per torrent.
type Pair struct {
	Download *Bucket
	Upload   *Bucket
}

// NewPair builds a download/upload Pair at the given rates.
func NewPair(downloadBps, uploadBps float64) *Pair {
	return &Pair{
		Download: NewBucket(downloadBps),
		Upload:   NewBucket(uploadBps),
	}
}

// SetRates updates both buckets' rates.
func (p *Pair) SetRates(downloadBps, uploadBps float64) {
	p.Download.SetRate(downloadBps)
	p.Upload.SetRate(uploadBps)
}
