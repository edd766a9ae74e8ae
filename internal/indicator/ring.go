package indicator

import "hyperagent/pkg/types"

// Ring is a fixed-capacity candle buffer for one symbol and interval. The
// venue re-sends the developing bar on every tick, so Push replaces the
// newest entry when the open time matches and appends otherwise. Once full,
// appends evict the oldest bar.
type Ring struct {
	buf  []types.Candle
	head int // index of oldest entry
	size int
}

func NewRing(capacity int) *Ring {
	return &Ring{buf: make([]types.Candle, capacity)}
}

func (r *Ring) Len() int { return r.size }

// Push inserts a candle, replacing the newest bar in place when it carries
// the same open time.
func (r *Ring) Push(c types.Candle) {
	if r.size > 0 {
		newest := (r.head + r.size - 1) % len(r.buf)
		if r.buf[newest].Time.Equal(c.Time) {
			r.buf[newest] = c
			return
		}
	}

	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = c
		r.size++
		return
	}

	// Full: overwrite the oldest slot and advance.
	r.buf[r.head] = c
	r.head = (r.head + 1) % len(r.buf)
}

// Values returns the buffered candles in chronological order. The slice is
// a copy; callers may retain it.
func (r *Ring) Values() []types.Candle {
	out := make([]types.Candle, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
