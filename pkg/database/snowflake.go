package database

import (
	"sync"
	"time"
)

// auditEpoch is the zero point of message IDs
var auditEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// ID layout: 41 bits of milliseconds since the epoch, 12 bits of sequence.
// IDs sort by the time they were generated.
const (
	sequenceBits = 12
	sequenceMask = (1 << sequenceBits) - 1
)

// idGenerator hands out unique, time-ordered 64-bit message IDs
type idGenerator struct {
	epoch int64

	mu       sync.Mutex
	lastTime int64
	sequence int64
}

func newIDGenerator(epoch int64) *idGenerator {
	return &idGenerator{epoch: epoch}
}

// Next returns the next ID. If the clock goes backwards the last seen
// millisecond is reused, so IDs never decrease.
func (g *idGenerator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= g.lastTime {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			// 4096 IDs in one millisecond; borrow the next one
			g.lastTime++
		}
	} else {
		g.lastTime = now
		g.sequence = 0
	}

	return (g.lastTime-g.epoch)<<sequenceBits | g.sequence
}
