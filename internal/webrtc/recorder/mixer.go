package recorder

import (
	"encoding/binary"
	"math"
)

// Mix sums local and remote into dst, saturating at the int16 range. A
// disabled local track contributes silence. It returns how many samples
// were clipped.
func Mix(dst, local, remote []int16, localEnabled bool) int {
	clipped := 0
	for i := range dst {
		var sum int32
		if i < len(remote) {
			sum = int32(remote[i])
		}
		if localEnabled && i < len(local) {
			sum += int32(local[i])
		}
		switch {
		case sum > math.MaxInt16:
			sum = math.MaxInt16
			clipped++
		case sum < math.MinInt16:
			sum = math.MinInt16
			clipped++
		}
		dst[i] = int16(sum)
	}
	return clipped
}

// pcmBytes encodes samples as 16 bit little endian PCM.
func pcmBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func silent(samples []int16) bool {
	for _, s := range samples {
		if s != 0 {
			return false
		}
	}
	return true
}
