package session

import (
	"time"

	"golang.org/x/time/rate"
)

// inboundAudioLimiter bounds caller audio forwarded upstream, in bytes per
// second. A nil limiter allows everything.
type inboundAudioLimiter struct {
	now   func() time.Time
	lim   *rate.Limiter
	burst int
}

func newInboundAudioLimiter(now func() time.Time, bytesPerSecond int64, burstBytes int) *inboundAudioLimiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstBytes <= 0 {
		burstBytes = int(bytesPerSecond)
	}
	return &inboundAudioLimiter{
		now:   now,
		lim:   rate.NewLimiter(rate.Limit(bytesPerSecond), burstBytes),
		burst: burstBytes,
	}
}

func (l *inboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	if frameBytes > l.burst {
		return false
	}
	return l.lim.AllowN(l.now(), frameBytes)
}

// preopenBuffer holds caller audio received before the upstream is open.
// On overflow the oldest chunks are evicted.
type preopenBuffer struct {
	max    int
	chunks [][]byte
	size   int
}

// push returns how many bytes were evicted (or rejected) to stay within max.
func (b *preopenBuffer) push(chunk []byte) int {
	if len(chunk) == 0 {
		return 0
	}
	if len(chunk) > b.max {
		return len(chunk)
	}
	evicted := 0
	for b.size+len(chunk) > b.max && len(b.chunks) > 0 {
		evicted += len(b.chunks[0])
		b.size -= len(b.chunks[0])
		b.chunks = b.chunks[1:]
	}
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
	return evicted
}

func (b *preopenBuffer) take() [][]byte {
	out := b.chunks
	b.chunks = nil
	b.size = 0
	return out
}
