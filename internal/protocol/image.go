package protocol

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/draw"
)

// Image codec defaults, matching the FRAME stream producers.
const (
	DefaultJPEGQuality = 75
	DefaultScale       = 100 // percent
)

// EncodeImage compresses a raster image into a compact FRAME payload:
// optional integer-percentage downscale, then JPEG at the given quality,
// then zlib over the JPEG bytes. The result is lossy — DecodeImage restores
// the exact dimensions but not the exact pixels.
func EncodeImage(img image.Image, quality, scale int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("encode image: quality %d out of range 1-100", quality)
	}
	if scale < 1 || scale > 100 {
		return nil, fmt.Errorf("encode image: scale %d out of range 1-100", scale)
	}

	if scale != 100 {
		b := img.Bounds()
		w := b.Dx() * scale / 100
		h := b.Dy() * scale / 100
		if w < 1 || h < 1 {
			return nil, fmt.Errorf("encode image: scale %d%% collapses %dx%d", scale, b.Dx(), b.Dy())
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img = dst
	}

	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode image: jpeg: %w", err)
	}

	var out bytes.Buffer
	zw, err := zlib.NewWriterLevel(&out, 6)
	if err != nil {
		return nil, fmt.Errorf("encode image: zlib: %w", err)
	}
	if _, err := zw.Write(jpg.Bytes()); err != nil {
		zw.Close()
		return nil, fmt.Errorf("encode image: zlib: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("encode image: zlib: %w", err)
	}
	return out.Bytes(), nil
}

// DecodeImage reverses EncodeImage: zlib-inflate, then JPEG decode.
func DecodeImage(data []byte) (image.Image, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: zlib: %w", err)
	}
	defer zr.Close()

	img, err := jpeg.Decode(zr)
	if err != nil {
		return nil, fmt.Errorf("decode image: jpeg: %w", err)
	}
	return img, nil
}
