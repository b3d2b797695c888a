package video

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// EncodeJPEG scales img to fit within maxWidth x maxHeight, preserving
// aspect ratio and never upscaling, then encodes it as JPEG.
func EncodeJPEG(img image.Image, maxWidth, maxHeight, quality int) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, errors.New("video: empty image")
	}

	if w > maxWidth || h > maxHeight {
		scaleW := float64(maxWidth) / float64(w)
		scaleH := float64(maxHeight) / float64(h)
		scale := scaleW
		if scaleH < scale {
			scale = scaleH
		}
		dw := int(float64(w) * scale)
		dh := int(float64(h) * scale)
		if dw < 1 {
			dw = 1
		}
		if dh < 1 {
			dh = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("video: jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}
