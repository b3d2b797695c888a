package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(samples int, amplitude float64, freq float64, rate int) []int16 {
	out := make([]int16, samples)
	for i := range out {
		out[i] = int16(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestFormatDerivedQuantities(t *testing.T) {
	assert.Equal(t, 32000, FormatAIInput.BytesPerSecond())
	assert.Equal(t, 48000, FormatAIOutput.BytesPerSecond())
	assert.Equal(t, 96000, FormatJanusOpus.BytesPerSecond())

	assert.Equal(t, 320, FormatAIInput.SamplesForMS(20))
	assert.Equal(t, 960, FormatJanusOpus.SamplesForMS(20))
	assert.Equal(t, 480, FormatAIOutput.SamplesForMS(20))
}

func TestResampleIdentity(t *testing.T) {
	in := sine(480, 1000, 440, 48000)
	out := Resample(in, 48000, 48000)
	assert.Equal(t, in, out)
}

func TestResampleDownThenUpPreservesLength(t *testing.T) {
	// One second at 48 kHz survives 48k -> 16k -> 48k within a sample.
	in := sine(48000, 8000, 200, 48000)

	down := Resample(in, 48000, 16000)
	require.Len(t, down, 16000)

	up := Resample(down, 16000, 48000)
	assert.InDelta(t, len(in), len(up), 1)
}

func TestResampleDoubles24kTo48k(t *testing.T) {
	in := sine(2400, 5000, 300, 24000) // 100 ms
	out := Resample(in, 24000, 48000)
	assert.Len(t, out, 4800)
}

func TestResamplePreservesSignalShape(t *testing.T) {
	in := sine(4800, 10000, 100, 48000)
	out := Resample(in, 48000, 16000)

	var inRMS, outRMS float64
	for _, s := range in {
		inRMS += float64(s) * float64(s)
	}
	inRMS = math.Sqrt(inRMS / float64(len(in)))
	for _, s := range out {
		outRMS += float64(s) * float64(s)
	}
	outRMS = math.Sqrt(outRMS / float64(len(out)))

	// A 100 Hz tone is far below Nyquist at both rates; energy holds.
	assert.InDelta(t, inRMS, outRMS, inRMS*0.05)
}

func TestResampleEmptyInput(t *testing.T) {
	assert.Empty(t, Resample(nil, 48000, 16000))
}

func TestPCMByteConversionRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345}
	assert.Equal(t, in, BytesToPCM(PCMToBytes(in)))
}

func TestBytesToPCMDropsOddTrailingByte(t *testing.T) {
	pcm := BytesToPCM([]byte{0x01, 0x02, 0x03})
	assert.Len(t, pcm, 1)
}
