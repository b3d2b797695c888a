package audio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ClareAI/agent-bridge/pkg/logger"
	"go.uber.org/zap"
	"gopkg.in/hraban/opus.v2"
)

const (
	// FrameSamples48k is one 20 ms frame at 48 kHz mono.
	FrameSamples48k = 960
	// maxDecodedSamples covers the longest legal Opus frame (120 ms @ 48 kHz).
	maxDecodedSamples = 5760
	// maxEncodedBytes is a safe upper bound for one encoded frame.
	maxEncodedBytes = 2000
	// encoderComplexity trades CPU for quality; 5 is enough for speech.
	encoderComplexity = 5
)

// CodecStats is a snapshot of the conversion counters.
type CodecStats struct {
	FramesDecoded uint64 `json:"frames_decoded"`
	FramesEncoded uint64 `json:"frames_encoded"`
	DecodeErrors  uint64 `json:"decode_errors"`
	EncodeErrors  uint64 `json:"encode_errors"`
}

// Codec converts Janus Opus 48 kHz to model-input PCM16 16 kHz, and model
// output PCM16 24 kHz back to 20 ms Opus frames for Janus.
type Codec struct {
	decodeMu  sync.Mutex
	decoder   *opus.Decoder
	decodeBuf []int16

	encodeMu  sync.Mutex
	encoder   *opus.Encoder
	encodeBuf []byte

	framesDecoded atomic.Uint64
	framesEncoded atomic.Uint64
	decodeErrors  atomic.Uint64
	encodeErrors  atomic.Uint64
}

// NewCodec builds the decoder and the VoIP-tuned encoder.
func NewCodec() (*Codec, error) {
	decoder, err := opus.NewDecoder(FormatJanusOpus.SampleRate, FormatJanusOpus.Channels)
	if err != nil {
		return nil, fmt.Errorf("audio codec: decoder init: %w", err)
	}

	encoder, err := opus.NewEncoder(FormatJanusOpus.SampleRate, FormatJanusOpus.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio codec: encoder init: %w", err)
	}
	if err := encoder.SetComplexity(encoderComplexity); err != nil {
		return nil, fmt.Errorf("audio codec: set complexity: %w", err)
	}

	return &Codec{
		decoder:   decoder,
		encoder:   encoder,
		decodeBuf: make([]int16, maxDecodedSamples),
		encodeBuf: make([]byte, maxEncodedBytes),
	}, nil
}

// Ready reports whether both codec directions are usable.
func (c *Codec) Ready() bool {
	return c != nil && c.decoder != nil && c.encoder != nil
}

// JanusToAI decodes one Opus payload and resamples it to 16 kHz PCM16
// little-endian bytes. DTX/comfort-noise payloads (< 3 bytes) yield nil
// with no error. Decode failures are counted and returned; callers drop
// the packet and continue.
func (c *Codec) JanusToAI(opusPayload []byte) ([]byte, error) {
	if len(opusPayload) < 3 {
		return nil, nil
	}

	c.decodeMu.Lock()
	n, err := c.decoder.Decode(opusPayload, c.decodeBuf)
	if err != nil {
		c.decodeMu.Unlock()
		c.decodeErrors.Add(1)
		return nil, fmt.Errorf("audio codec: opus decode: %w", err)
	}
	pcm48 := make([]int16, n)
	copy(pcm48, c.decodeBuf[:n])
	c.decodeMu.Unlock()

	c.framesDecoded.Add(1)
	if count := c.framesDecoded.Load(); count%500 == 0 {
		logger.Base().Debug("Audio decode progress", zap.Uint64("frames", count))
	}

	pcm16 := Resample(pcm48, FormatJanusOpus.SampleRate, FormatAIInput.SampleRate)
	return PCMToBytes(pcm16), nil
}

// AIToJanus resamples 24 kHz PCM16 bytes to 48 kHz and encodes them as a
// sequence of 20 ms Opus frames. The final partial frame is zero-padded to
// exactly 960 samples.
func (c *Codec) AIToJanus(pcm24kBytes []byte) ([][]byte, error) {
	if len(pcm24kBytes) < 2 {
		return nil, nil
	}

	pcm24 := BytesToPCM(pcm24kBytes)
	pcm48 := Resample(pcm24, FormatAIOutput.SampleRate, FormatJanusOpus.SampleRate)

	frames := make([][]byte, 0, len(pcm48)/FrameSamples48k+1)

	c.encodeMu.Lock()
	defer c.encodeMu.Unlock()

	for offset := 0; offset < len(pcm48); offset += FrameSamples48k {
		frame := make([]int16, FrameSamples48k)
		end := offset + FrameSamples48k
		if end > len(pcm48) {
			end = len(pcm48)
		}
		copy(frame, pcm48[offset:end])

		n, err := c.encoder.Encode(frame, c.encodeBuf)
		if err != nil {
			c.encodeErrors.Add(1)
			return frames, fmt.Errorf("audio codec: opus encode: %w", err)
		}
		encoded := make([]byte, n)
		copy(encoded, c.encodeBuf[:n])
		frames = append(frames, encoded)
		c.framesEncoded.Add(1)
	}

	return frames, nil
}

// Stats returns a snapshot of the conversion counters.
func (c *Codec) Stats() CodecStats {
	return CodecStats{
		FramesDecoded: c.framesDecoded.Load(),
		FramesEncoded: c.framesEncoded.Load(),
		DecodeErrors:  c.decodeErrors.Load(),
		EncodeErrors:  c.encodeErrors.Load(),
	}
}
