package utils

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
)

func pkt(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}
}

func seqs(pkts []*rtp.Packet) []uint16 {
	out := make([]uint16, 0, len(pkts))
	for _, p := range pkts {
		out = append(out, p.SequenceNumber)
	}
	return out
}

func TestJitterBufferReorders(t *testing.T) {
	jb := NewJitterBuffer(16, nil)

	assert.True(t, jb.Add(100, pkt(100)))
	out, _ := jb.NextPackets()
	assert.Equal(t, []uint16{100}, seqs(out))

	assert.True(t, jb.Add(102, pkt(102)))
	out, _ = jb.NextPackets()
	assert.Empty(t, out)

	assert.True(t, jb.Add(101, pkt(101)))
	out, skipped := jb.NextPackets()
	assert.False(t, skipped)
	assert.Equal(t, []uint16{101, 102}, seqs(out))
}

func TestJitterBufferDuplicateAndLate(t *testing.T) {
	jb := NewJitterBuffer(16, nil)

	assert.True(t, jb.Add(10, pkt(10)))
	assert.True(t, jb.Add(12, pkt(12)))
	assert.False(t, jb.Add(12, pkt(12)))

	jb.Add(11, pkt(11))
	jb.NextPackets()
	assert.False(t, jb.Add(10, pkt(10)))
}

func TestJitterBufferSkipsAfterTimeout(t *testing.T) {
	jb := NewJitterBuffer(16, nil)
	jb.maxWaitTime = 10 * time.Millisecond

	jb.Add(1, pkt(1))
	jb.NextPackets()
	jb.Add(3, pkt(3))

	out, _ := jb.NextPackets()
	assert.Empty(t, out)

	time.Sleep(20 * time.Millisecond)
	out, skipped := jb.NextPackets()
	assert.True(t, skipped)
	assert.Equal(t, []uint16{3}, seqs(out))
	assert.Equal(t, uint64(1), jb.Skipped())
}

func TestJitterBufferLargeJumpResets(t *testing.T) {
	jb := NewJitterBuffer(8, nil)

	jb.Add(1, pkt(1))
	jb.NextPackets()
	assert.True(t, jb.Add(100, pkt(100)))

	out, _ := jb.NextPackets()
	assert.Equal(t, []uint16{100}, seqs(out))
}
