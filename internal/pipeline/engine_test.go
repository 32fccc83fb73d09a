package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/dunamismax/pixeldrop/internal/domain"
)

func TestImagingEngineRotationExpandsCanvas(t *testing.T) {
	src := solidImage(100, 50, color.NRGBA{R: 200, A: 255})

	// target equal to the rotated size, so only the rotation is observable
	out, err := imagingEngine{}.Apply(context.Background(), src, domain.TransformOptions{
		Width:  50,
		Height: 100,
		Rotate: 90,
	}, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	assertSize(t, out, 50, 100)

	// with aspect preservation the rotated canvas decides the orientation
	out, err = imagingEngine{}.Apply(context.Background(), src, domain.TransformOptions{
		Width:               200,
		Height:              200,
		Rotate:              90,
		MaintainAspectRatio: true,
	}, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	assertSize(t, out, 100, 200)

	out, err = imagingEngine{}.Apply(context.Background(), src, domain.TransformOptions{
		Width:               200,
		Height:              200,
		Rotate:              45,
		MaintainAspectRatio: true,
	}, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	b := out.Bounds()
	if diff := b.Dx() - b.Dy(); diff < -2 || diff > 2 {
		t.Fatalf("expected a near-square canvas after 45 degrees, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestImagingEngineExactResize(t *testing.T) {
	src := solidImage(240, 120, color.NRGBA{G: 180, A: 255})

	sizes := [][2]int{{50, 50}, {17, 300}, {240, 120}, {1, 1}}
	for _, size := range sizes {
		out, err := imagingEngine{}.Apply(context.Background(), src, domain.TransformOptions{
			Width:  size[0],
			Height: size[1],
		}, nil)
		if err != nil {
			t.Fatalf("apply %v: %v", size, err)
		}
		assertSize(t, out, size[0], size[1])
	}
}

func TestImagingEngineAspectRatio(t *testing.T) {
	tests := []struct {
		name         string
		srcW, srcH   int
		opts         domain.TransformOptions
		wantW, wantH int
	}{
		{
			name: "wide source fixes width",
			srcW: 200, srcH: 100,
			opts:  domain.TransformOptions{Width: 80, Height: 80, MaintainAspectRatio: true},
			wantW: 80, wantH: 40,
		},
		{
			name: "tall source fixes height",
			srcW: 100, srcH: 200,
			opts:  domain.TransformOptions{Width: 90, Height: 90, MaintainAspectRatio: true},
			wantW: 45, wantH: 90,
		},
		{
			name: "square source",
			srcW: 64, srcH: 64,
			opts:  domain.TransformOptions{Width: 10, Height: 32, MaintainAspectRatio: true},
			wantW: 32, wantH: 32,
		},
		{
			name: "compatible ratio with crop is exact",
			srcW: 200, srcH: 100,
			opts:  domain.TransformOptions{Width: 100, Height: 50, MaintainAspectRatio: true, Crop: true},
			wantW: 100, wantH: 50,
		},
		{
			name: "incompatible ratio with crop clamps to resized bounds",
			srcW: 200, srcH: 100,
			opts:  domain.TransformOptions{Width: 50, Height: 50, MaintainAspectRatio: true, Crop: true},
			wantW: 50, wantH: 25,
		},
		{
			name: "crop without aspect ratio is exact",
			srcW: 200, srcH: 100,
			opts:  domain.TransformOptions{Width: 60, Height: 70, Crop: true},
			wantW: 60, wantH: 70,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := solidImage(tt.srcW, tt.srcH, color.NRGBA{B: 200, A: 255})
			out, err := imagingEngine{}.Apply(context.Background(), src, tt.opts, nil)
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			assertSize(t, out, tt.wantW, tt.wantH)
		})
	}
}

func TestImagingEngineWatermarkBottomRight(t *testing.T) {
	blue := color.NRGBA{B: 255, A: 255}
	red := color.NRGBA{R: 255, A: 255}
	src := solidImage(100, 100, blue)
	wm := solidImage(20, 20, red)
	// a transparent pixel in the watermark must leave the background visible
	wm.SetNRGBA(0, 0, color.NRGBA{})

	out, err := imagingEngine{}.Apply(context.Background(), src, domain.TransformOptions{Width: 100, Height: 100}, wm)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	checks := []struct {
		x, y int
		want color.NRGBA
	}{
		{x: 75, y: 75, want: red},
		{x: 89, y: 89, want: red},
		{x: 70, y: 70, want: blue},
		{x: 90, y: 90, want: blue},
		{x: 69, y: 80, want: blue},
		{x: 5, y: 5, want: blue},
	}
	for _, c := range checks {
		got := color.NRGBAModel.Convert(out.At(c.x, c.y)).(color.NRGBA)
		if !closeColor(got, c.want) {
			t.Fatalf("pixel (%d,%d) = %v, want %v", c.x, c.y, got, c.want)
		}
	}
}

func TestImagingEngineDoesNotMutateSource(t *testing.T) {
	src := solidImage(30, 30, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	before := append([]uint8(nil), src.Pix...)

	engine := imagingEngine{}
	opts := domain.TransformOptions{Width: 10, Height: 10, Rotate: 33, Crop: true, MaintainAspectRatio: true}
	if _, err := engine.Apply(context.Background(), src, opts, solidImage(4, 4, color.NRGBA{A: 255})); err != nil {
		t.Fatalf("apply: %v", err)
	}

	for i := range before {
		if before[i] != src.Pix[i] {
			t.Fatal("expected source pixels to be untouched")
		}
	}
}

func TestImagingEngineRejectsInvalidOptions(t *testing.T) {
	src := solidImage(10, 10, color.NRGBA{A: 255})
	_, err := imagingEngine{}.Apply(context.Background(), src, domain.TransformOptions{Width: 0, Height: 5}, nil)
	if !errors.Is(err, domain.ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions, got %v", err)
	}
}

func TestCropBox(t *testing.T) {
	if got := cropBox(100, 80, 50, 40); got != image.Rect(25, 20, 75, 60) {
		t.Fatalf("unexpected centred box %v", got)
	}
	if got := cropBox(50, 25, 50, 50); got != image.Rect(0, 0, 50, 25) {
		t.Fatalf("unexpected clamped box %v", got)
	}
	if got := cropBox(11, 11, 4, 4); got != image.Rect(3, 3, 7, 7) {
		t.Fatalf("unexpected odd box %v", got)
	}
}

func TestNormalizeDegrees(t *testing.T) {
	tests := map[int]int{0: 0, 90: 90, 360: 0, 450: 90, -90: 270, -720: 0}
	for in, want := range tests {
		if got := normalizeDegrees(in); got != want {
			t.Fatalf("normalizeDegrees(%d) = %d, want %d", in, got, want)
		}
	}
}

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func assertSize(t *testing.T, img image.Image, w, h int) {
	t.Helper()
	if got := img.Bounds(); got.Dx() != w || got.Dy() != h {
		t.Fatalf("expected %dx%d, got %dx%d", w, h, got.Dx(), got.Dy())
	}
}

func closeColor(a, b color.NRGBA) bool {
	diff := func(x, y uint8) int {
		if x > y {
			return int(x - y)
		}
		return int(y - x)
	}
	return diff(a.R, b.R) <= 2 && diff(a.G, b.G) <= 2 && diff(a.B, b.B) <= 2 && diff(a.A, b.A) <= 2
}
