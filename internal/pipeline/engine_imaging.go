package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/dunamismax/pixeldrop/internal/domain"
)

type imagingEngine struct{}

func (imagingEngine) Apply(ctx context.Context, src image.Image, opts domain.TransformOptions, watermark image.Image) (image.Image, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if src == nil || src.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty source image", domain.ErrProcessing)
	}

	var out image.Image = src
	if deg := normalizeDegrees(opts.Rotate); deg != 0 {
		out = imaging.Rotate(src, float64(deg), color.Transparent)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds := out.Bounds()
	w, h := resizeTarget(bounds.Dx(), bounds.Dy(), opts)
	out = imaging.Resize(out, w, h, imaging.Lanczos)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if opts.Crop {
		b := out.Bounds()
		out = imaging.Crop(out, cropBox(b.Dx(), b.Dy(), opts.Width, opts.Height))
	}

	if watermark != nil {
		b := out.Bounds()
		wb := watermark.Bounds()
		out = imaging.Overlay(out, watermark, watermarkOrigin(b.Dx(), b.Dy(), wb.Dx(), wb.Dy()), 1.0)
	}

	return out, nil
}
