// Package frames owns the data model of the synchronization engine: raw image
// payloads, per-camera processed frames, and multi-camera bundles.
package frames

import "fmt"

// Image is an 8-bit grayscale image payload. Pixel (x, y) lives at
// Pix[y*Stride+x]. Once handed to the engine an Image is treated as owned by
// the processing task and must not be mutated by the caller.
type Image struct {
	Width  int
	Height int
	Stride int
	Pix    []byte
}

// NewImage allocates a zeroed image with a tightly packed stride.
func NewImage(width, height int) *Image {
	return &Image{
		Width:  width,
		Height: height,
		Stride: width,
		Pix:    make([]byte, width*height),
	}
}

// At returns the pixel value at (x, y). Out-of-bounds reads return zero.
func (im *Image) At(x, y int) byte {
	if x < 0 || y < 0 || x >= im.Width || y >= im.Height {
		return 0
	}
	return im.Pix[y*im.Stride+x]
}

// Set writes the pixel value at (x, y). Out-of-bounds writes are ignored.
func (im *Image) Set(x, y int, v byte) {
	if x < 0 || y < 0 || x >= im.Width || y >= im.Height {
		return
	}
	im.Pix[y*im.Stride+x] = v
}

// Clone returns a deep copy with a tightly packed stride.
func (im *Image) Clone() *Image {
	out := NewImage(im.Width, im.Height)
	for y := 0; y < im.Height; y++ {
		copy(out.Pix[y*out.Stride:y*out.Stride+im.Width], im.Pix[y*im.Stride:y*im.Stride+im.Width])
	}
	return out
}

// Validate checks the dimensions against the backing buffer.
func (im *Image) Validate() error {
	if im.Width <= 0 || im.Height <= 0 {
		return fmt.Errorf("invalid image dimensions %dx%d", im.Width, im.Height)
	}
	if im.Stride < im.Width {
		return fmt.Errorf("stride %d smaller than width %d", im.Stride, im.Width)
	}
	if need := (im.Height-1)*im.Stride + im.Width; len(im.Pix) < need {
		return fmt.Errorf("pixel buffer too small: have %d, need %d", len(im.Pix), need)
	}
	return nil
}
