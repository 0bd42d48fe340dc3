// Package bitmap wraps decoded images with the ownership bookkeeping the loader
// needs: byte accounting for the memory cache and an explicit recycled flag so
// transformation chains can prove they released the images they replaced.
package bitmap

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"io"
	"sync/atomic"

	_ "golang.org/x/image/webp" // Register WebP format decoder
)

// bytesPerPixel matches the ARGB_8888 accounting used for every cached entry.
const bytesPerPixel = 4

// ErrOutOfMemory reports that decoding would exceed the configured pixel
// budget. The loader treats it as resource exhaustion and never retries it.
var ErrOutOfMemory = errors.New("bitmap: decode exceeds memory budget")

// Bitmap is a decoded image plus its release state.
type Bitmap struct {
	img      image.Image
	recycled atomic.Bool
}

// New wraps img. A nil image yields a nil Bitmap.
func New(img image.Image) *Bitmap {
	if img == nil {
		return nil
	}
	return &Bitmap{img: img}
}

// Image exposes the underlying pixels.
func (b *Bitmap) Image() image.Image {
	if b == nil {
		return nil
	}
	return b.img
}

func (b *Bitmap) Width() int {
	if b == nil {
		return 0
	}
	return b.img.Bounds().Dx()
}

func (b *Bitmap) Height() int {
	if b == nil {
		return 0
	}
	return b.img.Bounds().Dy()
}

// ByteCount is the memory cost used by the cache.
func (b *Bitmap) ByteCount() int {
	if b == nil {
		return 0
	}
	return b.Width() * b.Height() * bytesPerPixel
}

// Recycle marks the bitmap as released. Recycling is idempotent.
func (b *Bitmap) Recycle() {
	if b == nil {
		return
	}
	b.recycled.Store(true)
}

// IsRecycled reports whether Recycle was called.
func (b *Bitmap) IsRecycled() bool {
	if b == nil {
		return false
	}
	return b.recycled.Load()
}

// Decode reads an encoded image and decodes it. When maxBytes is positive the
// image header is inspected first and ErrOutOfMemory is returned for images
// whose decoded size would exceed the budget.
func Decode(r io.Reader, maxBytes int64) (*Bitmap, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("bitmap: read: %w", err)
	}
	return DecodeBytes(data, maxBytes)
}

// DecodeBytes is Decode for an in-memory payload.
func DecodeBytes(data []byte, maxBytes int64) (*Bitmap, string, error) {
	if len(data) == 0 {
		return nil, "", errors.New("bitmap: empty payload")
	}
	if maxBytes > 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("bitmap: decode config: %w", err)
		}
		need := int64(cfg.Width) * int64(cfg.Height) * bytesPerPixel
		if need > maxBytes {
			return nil, "", fmt.Errorf("%w: %dx%d needs %d bytes, budget %d", ErrOutOfMemory, cfg.Width, cfg.Height, need, maxBytes)
		}
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("bitmap: decode: %w", err)
	}
	return New(img), format, nil
}
