package session

import (
	"math"
	"time"
)

// tokenBucket is a fixed-rate bucket topped up by elapsed wall time. A
// zero rate disables the bucket entirely. Tokens are fractional so that
// frequent small top-ups do not lose credit to truncation.
type tokenBucket struct {
	rate   float64 // tokens per second
	tokens float64
	limit  float64
}

func (b *tokenBucket) topUp(elapsed time.Duration) {
	if b.rate <= 0 {
		return
	}
	b.tokens = math.Min(b.limit, b.tokens+elapsed.Seconds()*b.rate)
}

// audioThrottle caps uplink audio by frames per second and bytes per
// second. The burst window lets a client flush capture buffered during a
// network hiccup without tripping the limit. A nil throttle admits
// everything.
type audioThrottle struct {
	now       func() time.Time
	frames    tokenBucket
	bytes     tokenBucket
	lastTopUp time.Time
}

func newAudioThrottle(now func() time.Time, fps int, bps int64, burstSeconds int) *audioThrottle {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	t := &audioThrottle{now: now, lastTopUp: now()}
	if fps > 0 {
		t.frames = tokenBucket{rate: float64(fps), limit: float64(fps) * float64(burstSeconds)}
		t.frames.tokens = t.frames.limit
	}
	if bps > 0 {
		t.bytes = tokenBucket{rate: float64(bps), limit: float64(bps) * float64(burstSeconds)}
		t.bytes.tokens = t.bytes.limit
	}
	return t
}

// Admit reports whether one uplink frame of the given size fits the
// budget, consuming tokens when it does. Both buckets must have room; a
// denied frame consumes nothing.
func (t *audioThrottle) Admit(frameBytes int) bool {
	if t == nil {
		return true
	}
	t.topUp()

	if frameBytes < 0 {
		frameBytes = 0
	}
	if t.frames.rate > 0 && t.frames.tokens < 1 {
		return false
	}
	if t.bytes.rate > 0 && t.bytes.tokens < float64(frameBytes) {
		return false
	}
	if t.frames.rate > 0 {
		t.frames.tokens--
	}
	if t.bytes.rate > 0 {
		t.bytes.tokens -= float64(frameBytes)
	}
	return true
}

func (t *audioThrottle) topUp() {
	now := t.now()
	elapsed := now.Sub(t.lastTopUp)
	if elapsed <= 0 {
		return
	}
	t.frames.topUp(elapsed)
	t.bytes.topUp(elapsed)
	t.lastTopUp = now
}
