// Package audio converts between the three audio shapes the bridge moves
// between: Janus Opus at 48 kHz, model input PCM16 at 16 kHz and model
// output PCM16 at 24 kHz. It also hosts the voice-activity gate and the
// debug WAV capture.
package audio

// Format describes a PCM or Opus stream shape.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Codec      string
}

// The three canonical formats the bridge deals in.
var (
	FormatJanusOpus = Format{SampleRate: 48000, Channels: 1, BitDepth: 16, Codec: "opus"}
	FormatAIInput   = Format{SampleRate: 16000, Channels: 1, BitDepth: 16, Codec: "pcm"}
	FormatAIOutput  = Format{SampleRate: 24000, Channels: 1, BitDepth: 16, Codec: "pcm"}
)

// BytesPerSecond returns the raw PCM data rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// SamplesForMS returns the per-channel sample count covering ms milliseconds.
func (f Format) SamplesForMS(ms int) int {
	return f.SampleRate * ms / 1000
}
