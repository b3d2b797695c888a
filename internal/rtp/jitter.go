package rtp

import (
	"sync"
)

const (
	// DefaultSkipThreshold is how far ahead Get scans past a gap before
	// giving up on the missing packets.
	DefaultSkipThreshold = 16
	// DefaultMaxPackets bounds the buffer depth; exceeding it forces a
	// resync to the oldest stored sequence.
	DefaultMaxPackets = 50
)

// JitterStats is a snapshot of buffer health counters.
type JitterStats struct {
	Buffered     int    `json:"buffered"`
	PacketsLost  uint64 `json:"packets_lost"`
	Resets       uint64 `json:"resets"`
	NextSequence uint16 `json:"next_sequence"`
}

// JitterBuffer reorders RTP packets by sequence number with u16 wraparound.
// It is depth-bounded, not latency-bounded: no timing policy is applied
// beyond the size cap.
type JitterBuffer struct {
	mu            sync.Mutex
	packets       map[uint16]*Packet
	nextSeq       uint16
	initialized   bool
	skipThreshold uint16
	maxPackets    int

	lost   uint64
	resets uint64
}

// NewJitterBuffer creates a buffer. Zero arguments select the defaults.
func NewJitterBuffer(skipThreshold uint16, maxPackets int) *JitterBuffer {
	if skipThreshold == 0 {
		skipThreshold = DefaultSkipThreshold
	}
	if maxPackets <= 0 {
		maxPackets = DefaultMaxPackets
	}
	return &JitterBuffer{
		packets:       make(map[uint16]*Packet),
		skipThreshold: skipThreshold,
		maxPackets:    maxPackets,
	}
}

// Put stores a packet at its sequence number. The first packet ever stored
// initializes the read position, so it is emitted immediately by Get.
func (j *JitterBuffer) Put(p *Packet) {
	if p == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	j.packets[p.SequenceNumber] = p
	if !j.initialized {
		j.nextSeq = p.SequenceNumber
		j.initialized = true
	}

	if len(j.packets) > j.maxPackets {
		// Last-resort recovery: resync to the lowest stored sequence.
		minSeq := p.SequenceNumber
		for s := range j.packets {
			if s < minSeq {
				minSeq = s
			}
		}
		j.nextSeq = minSeq
		j.resets++
	}
}

// Get returns the next packet in sequence order, skipping at most
// skipThreshold missing slots (counted as lost). Nil means nothing is
// available within the threshold.
func (j *JitterBuffer) Get() *Packet {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.initialized {
		return nil
	}

	if p, ok := j.packets[j.nextSeq]; ok {
		delete(j.packets, j.nextSeq)
		j.nextSeq++
		return p
	}

	for i := uint16(1); i <= j.skipThreshold; i++ {
		seq := j.nextSeq + i
		if p, ok := j.packets[seq]; ok {
			j.lost += uint64(i)
			delete(j.packets, seq)
			j.nextSeq = seq + 1
			return p
		}
	}
	return nil
}

// Stats returns a snapshot of the buffer counters.
func (j *JitterBuffer) Stats() JitterStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JitterStats{
		Buffered:     len(j.packets),
		PacketsLost:  j.lost,
		Resets:       j.resets,
		NextSequence: j.nextSeq,
	}
}
