// Package transform applies the built-in geometry a request asks for and
// provides the stock custom transformations (blur, tint, grayscale).
package transform

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/l0p7/imgloader/internal/bitmap"
	"github.com/l0p7/imgloader/internal/request"
)

// Filter is the resampling filter used for every resize.
var Filter = imaging.Lanczos

// Geometry resizes, crops and rotates src as req describes. It returns src
// unchanged when nothing applies; otherwise the result is a new bitmap and
// src is recycled.
func Geometry(req request.Request, src *bitmap.Bitmap) *bitmap.Bitmap {
	if src == nil || !req.NeedsGeometry() {
		return src
	}
	img := src.Image()
	changed := false

	if req.HasSize() && shouldResize(req, img.Bounds()) {
		img = resize(req, img)
		changed = true
	}
	if req.Rotation != 0 {
		// Rotation is clockwise in degrees; imaging rotates counter-clockwise.
		// The pivot only shifts the canvas, which the bounding box normalizes.
		img = imaging.Rotate(img, -req.Rotation, color.Transparent)
		changed = true
	}
	if !changed {
		return src
	}
	src.Recycle()
	return bitmap.New(img)
}

func shouldResize(req request.Request, b image.Rectangle) bool {
	if !req.OnlyScaleDown {
		return true
	}
	return (req.TargetWidth != 0 && b.Dx() > req.TargetWidth) ||
		(req.TargetHeight != 0 && b.Dy() > req.TargetHeight)
}

func resize(req request.Request, img image.Image) image.Image {
	w, h := req.TargetWidth, req.TargetHeight
	switch {
	case req.CenterCrop:
		return imaging.Fill(img, w, h, imaging.Center, Filter)
	case req.CenterInside:
		b := img.Bounds()
		scale := math.Min(float64(w)/float64(b.Dx()), float64(h)/float64(b.Dy()))
		fw := max(1, int(math.Round(float64(b.Dx())*scale)))
		fh := max(1, int(math.Round(float64(b.Dy())*scale)))
		return imaging.Resize(img, fw, fh, Filter)
	default:
		// A zero dimension keeps the aspect ratio.
		return imaging.Resize(img, w, h, Filter)
	}
}
