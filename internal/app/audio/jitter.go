package audio

import "sync"

// GapThreshold is 500ms in 48kHz RTP clock units. A jump this large means
// the talker paused; the buffer resyncs instead of playing stale audio.
const GapThreshold = 500 * SampleRate / 1000

type Packet struct {
	Timestamp uint32
	Payload   []byte
}

// JitterBuffer smooths arrival jitter for one remote talker. Playback only
// starts once MinPackets are queued; past MaxPackets the oldest are dropped.
type JitterBuffer struct {
	mu      sync.Mutex
	min     int
	max     int
	packets []Packet
	started bool
	last    uint32
	dropped uint64
}

func NewJitterBuffer(minPackets, maxPackets int) *JitterBuffer {
	if minPackets < 1 {
		minPackets = 1
	}
	if maxPackets < minPackets {
		maxPackets = minPackets
	}
	return &JitterBuffer{min: minPackets, max: maxPackets}
}

// before compares RTP timestamps with wraparound.
func before(a, b uint32) bool { return int32(a-b) < 0 }

func (j *JitterBuffer) Push(p Packet) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.started && len(j.packets) > 0 && int32(p.Timestamp-j.last) > GapThreshold {
		j.resetLocked()
	}
	j.last = p.Timestamp

	n := len(j.packets)
	if n == 0 || !before(p.Timestamp, j.packets[n-1].Timestamp) {
		j.packets = append(j.packets, p)
	} else {
		// Late packet: insert in order.
		for i, q := range j.packets {
			if before(p.Timestamp, q.Timestamp) {
				j.packets = append(j.packets, Packet{})
				copy(j.packets[i+1:], j.packets[i:])
				j.packets[i] = p
				break
			}
		}
	}

	for len(j.packets) > j.max {
		j.packets = j.packets[1:]
		j.dropped++
	}
}

// Pop returns the next packet to play, or false while the buffer is
// still filling or empty.
func (j *JitterBuffer) Pop() (Packet, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.packets) == 0 {
		return Packet{}, false
	}
	if !j.started {
		if len(j.packets) < j.min {
			return Packet{}, false
		}
		j.started = true
	}
	p := j.packets[0]
	j.packets = j.packets[1:]
	return p, true
}

func (j *JitterBuffer) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.packets)
}

func (j *JitterBuffer) Started() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.started
}

func (j *JitterBuffer) Dropped() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

func (j *JitterBuffer) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.resetLocked()
}

func (j *JitterBuffer) resetLocked() {
	j.packets = j.packets[:0]
	j.started = false
}
