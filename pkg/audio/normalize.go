package audio

import (
	"encoding/binary"
	"math"
)

// DefaultHeadroomDB is the gap left below full scale by [Normalize].
const DefaultHeadroomDB = 0.1

// Normalize scales pcm so that its loudest sample peaks headroomDB below
// full scale. Silent input is returned unchanged. A new slice is returned;
// pcm is not modified.
func Normalize(pcm []byte, headroomDB float64) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*2)
	copy(out, pcm[:n*2])

	var peak int32
	for i := range n {
		s := int32(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	if peak == 0 {
		return out
	}

	target := math.MaxInt16 * math.Pow(10, -headroomDB/20)
	gain := target / float64(peak)

	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) * gain
		s = math.Round(s)
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out
}
