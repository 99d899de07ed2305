package risk

import "math"

// nanoPerToken keeps bucket balances in integer nano-tokens so refills
// computed from command timestamps are exact and replayable.
const nanoPerToken = int64(1_000_000_000)

// bucket is a per-trader token bucket. Refill is derived purely from
// the timestamps carried on command envelopes, never from the wall
// clock, so a journal replay reproduces every admit/reject decision.
type bucket struct {
	nano   int64 // current balance in nano-tokens
	lastNs int64 // timestamp of the last refill
}

func newBucket(burst int64, nowNs int64) *bucket {
	return &bucket{nano: burst * nanoPerToken, lastNs: nowNs}
}

// refill advances the bucket to nowNs at rate tokens/sec, capped at
// burst. Non-monotonic timestamps leave the balance unchanged.
func (b *bucket) refill(rate, burst, nowNs int64) {
	elapsed := nowNs - b.lastNs
	if elapsed <= 0 {
		return
	}
	b.lastNs = nowNs
	full := burst * nanoPerToken
	if rate > 0 && elapsed > math.MaxInt64/rate {
		b.nano = full
		return
	}
	b.nano += elapsed * rate
	if b.nano > full {
		b.nano = full
	}
}

// has reports whether a full token is available without consuming it.
func (b *bucket) has() bool { return b.nano >= nanoPerToken }

// take consumes one token; the caller must have checked has.
func (b *bucket) take() { b.nano -= nanoPerToken }
