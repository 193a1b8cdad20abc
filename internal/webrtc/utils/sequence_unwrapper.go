package utils

import "sync"

// SequenceUnwrapper extends a wrapping counter (RTP sequence numbers,
// timestamps) to a monotonic int64. The first value is placed one cycle up
// so that packets reordered ahead of it still unwrap to positive numbers:
//
//	u := NewSequenceUnwrapper(16)
//	u.Unwrap(65535) == 131071
//	u.Unwrap(0)     == 131072
//	u.Unwrap(65534) == 131070
type SequenceUnwrapper struct {
	m       sync.Mutex
	span    int64
	highest int64
	started bool
}

func NewSequenceUnwrapper(bits int) *SequenceUnwrapper {
	return &SequenceUnwrapper{span: 1 << uint(bits)}
}

func (u *SequenceUnwrapper) Unwrap(n uint64) int64 {
	u.m.Lock()
	defer u.m.Unlock()

	v := int64(n % uint64(u.span))

	if !u.started {
		u.started = true
		u.highest = v + u.span
		return u.highest
	}

	diff := v - u.highest%u.span
	if diff >= u.span/2 {
		diff -= u.span
	} else if diff < -u.span/2 {
		diff += u.span
	}

	r := u.highest + diff
	if r > u.highest {
		u.highest = r
	}

	return r
}
