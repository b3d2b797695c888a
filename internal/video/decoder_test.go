package video

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVP8DecoderRejectsShortFrame(t *testing.T) {
	d := NewVP8Decoder()
	_, err := d.Decode([]byte{0x00})
	assert.Error(t, err)
}

func TestVP8DecoderRejectsInterFrame(t *testing.T) {
	d := NewVP8Decoder()
	// Frame-type bit set: inter frame. The built-in decoder keeps no
	// reference state, so this must fail and feed the recovery counter.
	_, err := d.Decode([]byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00})
	assert.Error(t, err)
}

func TestVP8DecoderRejectsCorruptKeyframe(t *testing.T) {
	d := NewVP8Decoder()
	// Keyframe bit clear but the start code bytes are wrong.
	_, err := d.Decode([]byte{0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x00})
	assert.Error(t, err)
	d.Reset()
	_, err = d.Decode([]byte{0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x00})
	assert.Error(t, err)
}
