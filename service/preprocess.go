package service

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

// DefaultMaxImagePixels matches the decompression-bomb threshold common
// image libraries refuse to decode past.
const DefaultMaxImagePixels = 178956970

// MaxImagePixels caps width*height of an image before it is decoded.
// Zero or negative disables the check.
var MaxImagePixels int64 = DefaultMaxImagePixels

var (
	errEmptyImage    = errors.New("empty image data")
	errZeroPixels    = errors.New("image has no pixels")
	errTooManyPixels = errors.New("image has too many pixels")
)

// Normalize decodes raw image bytes into a (1, size, size, 3) tensor with
// values in [0, 1].
func Normalize(raw []byte, size int) (*Tensor, error) {
	if len(raw) == 0 {
		return nil, &DecodeError{Err: errEmptyImage}
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if n := int64(cfg.Width) * int64(cfg.Height); MaxImagePixels > 0 && n > MaxImagePixels {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %dx%d exceeds %d", errTooManyPixels, cfg.Width, cfg.Height, MaxImagePixels)}
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if img.Bounds().Empty() {
		return nil, &DecodeError{Err: errZeroPixels}
	}
	return Preprocess(img, size), nil
}

// Preprocess resizes img and lays it out as a single-image NHWC batch.
func Preprocess(img image.Image, size int) *Tensor {
	if size <= 0 {
		size = DefaultImageSize
	}
	// squash to a square like the training pipeline did, no padding
	resized := imaging.Resize(opaque(img), size, size, imaging.CatmullRom)

	out := make([]float32, size*size*Channels)
	i := 0
	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+size*4]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			out[i] = float32(px[0]) / 255.0
			out[i+1] = float32(px[1]) / 255.0
			out[i+2] = float32(px[2]) / 255.0
			i += Channels
		}
	}
	return &Tensor{
		Shape: []int64{1, int64(size), int64(size), Channels},
		Data:  out,
	}
}

// opaque drops the alpha channel, keeping the stored colour of transparent
// pixels instead of compositing them onto a background. Resampling then
// sees plain RGB.
func opaque(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 255
	}
	return dst
}
