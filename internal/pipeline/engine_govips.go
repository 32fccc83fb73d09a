//go:build govips && cgo

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"

	"github.com/dunamismax/pixeldrop/internal/domain"
)

type govipsEngine struct{}

func (govipsEngine) Apply(ctx context.Context, src image.Image, opts domain.TransformOptions, watermark image.Image) (image.Image, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	ref, err := vipsRef(src)
	if err != nil {
		return nil, err
	}
	defer ref.Close()

	if err := rotateGovips(ref, normalizeDegrees(opts.Rotate)); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, h := resizeTarget(ref.Width(), ref.Height(), opts)
	if err := ref.ThumbnailWithSize(w, h, vips.InterestingNone, vips.SizeForce); err != nil {
		return nil, fmt.Errorf("%w: resize: %v", domain.ErrProcessing, err)
	}

	if opts.Crop {
		box := cropBox(ref.Width(), ref.Height(), opts.Width, opts.Height)
		if err := ref.ExtractArea(box.Min.X, box.Min.Y, box.Dx(), box.Dy()); err != nil {
			return nil, fmt.Errorf("%w: crop: %v", domain.ErrProcessing, err)
		}
	}

	if watermark != nil {
		wm, err := vipsRef(watermark)
		if err != nil {
			return nil, err
		}
		defer wm.Close()

		at := watermarkOrigin(ref.Width(), ref.Height(), wm.Width(), wm.Height())
		if err := ref.Composite(wm, vips.BlendModeOver, at.X, at.Y); err != nil {
			return nil, fmt.Errorf("%w: watermark: %v", domain.ErrProcessing, err)
		}
	}

	data, _, err := ref.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, fmt.Errorf("%w: export: %v", domain.ErrProcessing, err)
	}
	out, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode export: %v", domain.ErrProcessing, err)
	}
	return out, nil
}

// rotateGovips rotates counter-clockwise. libvips angles are clockwise.
func rotateGovips(ref *vips.ImageRef, deg int) error {
	var err error
	switch deg {
	case 0:
		return nil
	case 90:
		err = ref.Rotate(vips.Angle270)
	case 180:
		err = ref.Rotate(vips.Angle180)
	case 270:
		err = ref.Rotate(vips.Angle90)
	default:
		if !ref.HasAlpha() {
			if err := ref.AddAlpha(); err != nil {
				return fmt.Errorf("%w: add alpha: %v", domain.ErrProcessing, err)
			}
		}
		err = ref.Similarity(1, -float64(deg), &vips.ColorRGBA{}, 0, 0, 0, 0)
	}
	if err != nil {
		return fmt.Errorf("%w: rotate: %v", domain.ErrProcessing, err)
	}
	return nil
}

func vipsRef(img image.Image) (*vips.ImageRef, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: encode for vips: %v", domain.ErrProcessing, err)
	}
	ref, err := vips.NewImageFromBuffer(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: load into vips: %v", domain.ErrProcessing, err)
	}
	return ref, nil
}
