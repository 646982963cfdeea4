// Package imaging handles seed image decoding, resampling to the engine's
// native frame size, and JPEG encoding of outbound frames.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// The engine's native I/O resolution. Seeds at any other size are
// bilinearly resampled before being handed to the engine.
const (
	FrameWidth  = 640
	FrameHeight = 360
)

// DefaultJPEGQuality is used for both streamed frames and thumbnails.
const DefaultJPEGQuality = 85

var mimeTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

// SupportedExtensions lists the accepted seed image formats.
var SupportedExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}

// IsSupportedExt reports whether the filename carries an accepted image
// extension. The comparison is case-insensitive.
func IsSupportedExt(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	_, ok := mimeTypes[ext]
	return ok
}

// MIMEByExt returns the MIME type for a filename, falling back to
// application/octet-stream for unknown extensions.
func MIMEByExt(filename string) string {
	if m, ok := mimeTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return m
	}
	return "application/octet-stream"
}

// Frame is a decoded RGB8 frame, row-major, len(Pix) == W*H*3.
type Frame struct {
	W   int
	H   int
	Pix []uint8
}

// NewFrame allocates a zeroed frame of the given size.
func NewFrame(w, h int) *Frame {
	return &Frame{W: w, H: h, Pix: make([]uint8, w*h*3)}
}

// RGBA converts the frame into an *image.RGBA for encoding.
func (f *Frame) RGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.W, f.H))
	for y := 0; y < f.H; y++ {
		src := f.Pix[y*f.W*3:]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < f.W; x++ {
			dst[x*4+0] = src[x*3+0]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 0xff
		}
	}
	return img
}

// FrameFromRGBA extracts the RGB channels of an *image.RGBA.
func FrameFromRGBA(img *image.RGBA) *Frame {
	b := img.Bounds()
	f := NewFrame(b.Dx(), b.Dy())
	for y := 0; y < f.H; y++ {
		src := img.Pix[(y+b.Min.Y)*img.Stride+b.Min.X*4:]
		dst := f.Pix[y*f.W*3:]
		for x := 0; x < f.W; x++ {
			dst[x*3+0] = src[x*4+0]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
	return f
}

// Decode reads and decodes a PNG, JPEG or WEBP image.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// DecodeFile decodes the image at path.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// DecodeBytes decodes an in-memory image payload.
func DecodeBytes(data []byte) (image.Image, error) {
	return Decode(bytes.NewReader(data))
}

// Flatten composites the image onto a white background, discarding alpha.
// JPEG has no transparency, so translucent seeds are flattened before
// conversion instead of being silently rendered on black.
func Flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Over)
	return out
}

// Resize bilinearly resamples img to w x h.
func Resize(img image.Image, w, h int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(out, out.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return out
}

// FrameFromImage flattens and resamples an arbitrary image into an
// engine-sized RGB frame.
func FrameFromImage(img image.Image) *Frame {
	return FrameFromRGBA(Resize(Flatten(img), FrameWidth, FrameHeight))
}

// LoadFrame decodes the image at path into an engine-sized frame.
func LoadFrame(path string) (*Frame, error) {
	img, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return FrameFromImage(img), nil
}

// EncodeJPEG encodes a frame as JPEG at the given quality.
func EncodeJPEG(f *Frame, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.RGBA(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Thumbnail produces a JPEG thumbnail fitting within max x max, preserving
// aspect ratio and compositing any alpha channel onto white.
func Thumbnail(path string, max, quality int) ([]byte, error) {
	img, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > h {
		h = h * max / w
		w = max
	} else {
		w = w * max / h
		h = max
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	small := Resize(Flatten(img), w, h)
	var buf bytes.Buffer
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
