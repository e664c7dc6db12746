package priocq

import "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/core/clock"

// TokenBucket meters bytes against the radio budget on the device millisecond
// clock. A zero rate means unlimited.
type TokenBucket struct {
    capacity int64
    tokens   int64
    rate     int64 // bytes per second
    last     uint32
    // carry keeps sub-token refill between calls
    carry int64
}

func NewTokenBucket(ratePerSec, capacity int64, now uint32) *TokenBucket {
    if capacity <= 0 { capacity = ratePerSec }
    return &TokenBucket{capacity: capacity, tokens: capacity, rate: ratePerSec, last: now}
}

func (b *TokenBucket) refill(now uint32) {
    dt := int64(clock.Since(now, b.last))
    b.last = now
    if dt <= 0 { return }
    acc := b.rate*dt + b.carry
    add := acc / 1000
    b.carry = acc % 1000
    b.tokens += add
    if b.tokens >= b.capacity {
        b.tokens = b.capacity
        b.carry = 0
    }
}

// Allow consumes n tokens if available. A frame larger than the bucket is
// allowed once the bucket is full so it cannot starve forever.
func (b *TokenBucket) Allow(now uint32, n int64) bool {
    if b == nil || b.rate <= 0 { return true }
    b.refill(now)
    if n > b.capacity && b.tokens == b.capacity {
        b.tokens = 0
        return true
    }
    if b.tokens >= n {
        b.tokens -= n
        return true
    }
    return false
}

// Available returns the tokens currently available.
func (b *TokenBucket) Available(now uint32) int64 {
    if b == nil || b.rate <= 0 { return -1 }
    b.refill(now)
    return b.tokens
}
