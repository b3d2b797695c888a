package audio

import "encoding/binary"

// Resample converts mono int16 PCM between sample rates by linear
// interpolation. Rates are treated as exact; no drift correction happens
// on this edge. Output is clipped to the int16 range.
func Resample(pcm []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(pcm) == 0 {
		out := make([]int16, len(pcm))
		copy(out, pcm)
		return out
	}

	outLen := len(pcm) * toRate / fromRate
	if outLen == 0 {
		return nil
	}

	ratio := float64(fromRate) / float64(toRate)
	out := make([]int16, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(pcm)-1 {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := pos - float64(idx)
		v := float64(pcm[idx])*(1-frac) + float64(pcm[idx+1])*frac
		out[i] = clipInt16(v)
	}
	return out
}

func clipInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// BytesToPCM reads little-endian int16 samples. A trailing odd byte is
// dropped.
func BytesToPCM(data []byte) []int16 {
	n := len(data) / 2
	pcm := make([]int16, n)
	for i := 0; i < n; i++ {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return pcm
}

// PCMToBytes writes little-endian int16 samples.
func PCMToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
