package utils

import (
	"time"

	"github.com/pion/rtp"
	log "github.com/sirupsen/logrus"
)

// JitterBuffer reorders packets indexed by unwrapped sequence number. A gap
// at the head is waited on for maxWaitTime before it is skipped.
type JitterBuffer struct {
	log *log.Entry

	started   bool
	nextStart int64
	end       int64
	packets   []*rtp.Packet
	size      int64

	missingSince map[int64]time.Time
	maxWaitTime  time.Duration
	skipped      uint64
}

func NewJitterBuffer(size uint16, entry *log.Entry) *JitterBuffer {
	if size == 0 {
		size = 64
	}
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	return &JitterBuffer{
		log:          entry,
		packets:      make([]*rtp.Packet, size),
		size:         int64(size),
		missingSince: make(map[int64]time.Time),
		// NACK retransmission gives up after roughly 400ms.
		maxWaitTime: 450 * time.Millisecond,
	}
}

func (s *JitterBuffer) Add(seq int64, packet *rtp.Packet) bool {
	if !s.started {
		s.started = true
		s.nextStart = seq
		s.end = seq
		s.packets[s.slot(seq)] = packet
		return true
	}

	if s.end-seq >= s.size || seq < s.nextStart {
		s.log.Tracef("late packet dropped from jitter buffer: seq=%d next=%d", seq, s.nextStart)
		return false
	}

	if seq <= s.end && s.packets[s.slot(seq)] != nil {
		s.log.Tracef("duplicate packet in jitter buffer: seq=%d end=%d", seq, s.end)
		return false
	}

	if seq > s.end {
		if seq-s.end >= s.size {
			s.log.Warnf("large sequence jump in jitter buffer: from=%d to=%d, resetting", s.end, seq)
			clear(s.packets)
			clear(s.missingSince)
			s.nextStart = seq
		} else {
			for i := s.end + 1; i < seq; i++ {
				s.packets[s.slot(i)] = nil
			}
		}
		s.end = seq
	}

	if s.nextStart < s.end-s.size+1 {
		s.log.Debugf("jitter buffer window slid: dropped=%d packets", s.end-s.size+1-s.nextStart)
		s.nextStart = s.end - s.size + 1
	}

	s.packets[s.slot(seq)] = packet
	return true
}

// NextPackets pops the in-order run at the head of the buffer. The boolean
// reports whether a missing packet was given up on.
func (s *JitterBuffer) NextPackets() ([]*rtp.Packet, bool) {
	skipped := false

	for s.started && s.nextStart <= s.end && s.packets[s.slot(s.nextStart)] == nil {
		since, tracked := s.missingSince[s.nextStart]
		if !tracked {
			s.missingSince[s.nextStart] = time.Now()
			return nil, skipped
		}
		if time.Since(since) < s.maxWaitTime {
			return nil, skipped
		}

		s.log.Debugf("skipping missing packet after timeout: seq=%d", s.nextStart)
		delete(s.missingSince, s.nextStart)
		s.nextStart++
		s.skipped++
		skipped = true
	}

	if !s.started || s.nextStart > s.end {
		return nil, skipped
	}

	delete(s.missingSince, s.nextStart)

	var out []*rtp.Packet
	for s.nextStart <= s.end {
		p := s.packets[s.slot(s.nextStart)]
		if p == nil {
			break
		}
		out = append(out, p)
		s.packets[s.slot(s.nextStart)] = nil
		s.nextStart++
	}

	return out, skipped
}

// Skipped is the number of packets given up on so far.
func (s *JitterBuffer) Skipped() uint64 {
	return s.skipped
}

func (s *JitterBuffer) slot(seq int64) int64 {
	return seq % s.size
}
