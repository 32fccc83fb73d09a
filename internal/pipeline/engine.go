package pipeline

import (
	"context"
	"image"

	"github.com/dunamismax/pixeldrop/internal/domain"
)

// WatermarkMargin is the gap kept between a watermark and the bottom-right
// corner of the output.
const WatermarkMargin = 10

// Engine applies rotate, resize, crop and watermark, in that order, to a
// decoded image. Implementations never modify src.
type Engine interface {
	Apply(ctx context.Context, src image.Image, opts domain.TransformOptions, watermark image.Image) (image.Image, error)
}

// resizeTarget returns the dimensions the rotated image is resized to. With
// aspect preservation the wider side takes the target and the other side is
// derived from the source ratio.
func resizeTarget(srcW, srcH int, opts domain.TransformOptions) (int, int) {
	if !opts.MaintainAspectRatio || srcW <= 0 || srcH <= 0 {
		return opts.Width, opts.Height
	}

	ratio := float64(srcW) / float64(srcH)
	if ratio > 1 {
		return opts.Width, max(1, int(float64(opts.Width)/ratio))
	}
	return max(1, int(float64(opts.Height)*ratio)), opts.Height
}

// cropBox centres a targetW x targetH box on a w x h image and clamps it to the
// image bounds. An axis smaller than the target is kept whole.
func cropBox(w, h, targetW, targetH int) image.Rectangle {
	left := floorDiv(w-targetW, 2)
	top := floorDiv(h-targetH, 2)
	box := image.Rect(left, top, left+targetW, top+targetH)
	return box.Intersect(image.Rect(0, 0, w, h))
}

func watermarkOrigin(w, h, wmW, wmH int) image.Point {
	return image.Pt(w-wmW-WatermarkMargin, h-wmH-WatermarkMargin)
}

func normalizeDegrees(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
