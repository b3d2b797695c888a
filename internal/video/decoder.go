// Package video turns the VideoRoom's VP8 RTP stream into periodic JPEG
// snapshots for the model: payload descriptor strip, timestamp-bucketed
// reassembly, keyframe-gated decoding and 1 fps JPEG sampling.
package video

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/vp8"
)

// ErrInterFrame is returned by the built-in decoder for frames that need
// reference state it does not keep. The assembler counts these toward its
// keyframe-recovery threshold.
var ErrInterFrame = errors.New("video: inter frame needs reference state")

// FrameDecoder decodes an assembled VP8 frame into an image. Implementations
// are not required to be safe for concurrent use; the assembler serializes
// calls.
type FrameDecoder interface {
	Decode(frame []byte) (image.Image, error)
	// Reset drops any accumulated reference state.
	Reset()
}

// vp8Decoder is the built-in FrameDecoder. It decodes intra frames only;
// inter frames return ErrInterFrame, which drives the assembler's forward
// restart so the publisher's encoder produces a fresh keyframe. A libvpx
// backed FrameDecoder can be plugged in for full-rate decoding.
type vp8Decoder struct {
	d *vp8.Decoder
}

// NewVP8Decoder returns the built-in keyframe decoder.
func NewVP8Decoder() FrameDecoder {
	return &vp8Decoder{d: vp8.NewDecoder()}
}

func (v *vp8Decoder) Decode(frame []byte) (image.Image, error) {
	if len(frame) < 3 {
		return nil, errors.New("video: frame too short")
	}

	v.d.Init(bytes.NewReader(frame), len(frame))
	fh, err := v.d.DecodeFrameHeader()
	if err != nil {
		return nil, fmt.Errorf("video: frame header: %w", err)
	}
	if !fh.KeyFrame {
		return nil, ErrInterFrame
	}

	img, err := v.d.DecodeFrame()
	if err != nil {
		return nil, fmt.Errorf("video: decode: %w", err)
	}
	return img, nil
}

func (v *vp8Decoder) Reset() {
	v.d = vp8.NewDecoder()
}
