package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/dunamismax/pixeldrop/internal/domain"
)

type Request struct {
	JobID         string
	SourcePath    string
	OutputDir     string
	Options       domain.TransformOptions
	WatermarkPath string
}

type Output struct {
	Path     string
	Format   string
	Bytes    int
	Width    int
	Height   int
	Mirrored []string
}

// Emitter persists an encoded output and returns where it was written.
type Emitter interface {
	Emit(ctx context.Context, req Request, name string, data []byte, contentType string) (string, error)
}

type Processor struct {
	engine  Engine
	emitter Emitter
	mirrors []Emitter
}

// NewLocalProcessor writes outputs into each request's output directory and
// copies them to every mirror.
func NewLocalProcessor(mirrors ...Emitter) (*Processor, error) {
	engine, err := newEngine()
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	return NewProcessor(engine, LocalFileEmitter{}, mirrors...), nil
}

func NewProcessor(engine Engine, emitter Emitter, mirrors ...Emitter) *Processor {
	return &Processor{
		engine:  engine,
		emitter: emitter,
		mirrors: mirrors,
	}
}

func (p *Processor) Process(ctx context.Context, req Request) (Output, error) {
	if strings.TrimSpace(req.SourcePath) == "" {
		return Output{}, errors.New("source path is required")
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}
	if err := req.Options.Validate(); err != nil {
		return Output{}, err
	}

	name := filepath.Base(req.SourcePath)
	format, err := imaging.FormatFromFilename(name)
	if err != nil {
		return Output{}, fmt.Errorf("%w: output format for %s: %v", domain.ErrProcessing, name, err)
	}

	src, err := decodeFile(req.SourcePath)
	if err != nil {
		return Output{}, fmt.Errorf("fetch stage: %w", err)
	}

	var watermark image.Image
	if req.WatermarkPath != "" {
		watermark, err = decodeFile(req.WatermarkPath)
		if err != nil {
			return Output{}, fmt.Errorf("watermark stage: %w", err)
		}
	}

	out, err := p.engine.Apply(ctx, src, req.Options, watermark)
	if err != nil {
		return Output{}, fmt.Errorf("transform stage: %w", err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, format); err != nil {
		return Output{}, fmt.Errorf("%w: encode %s: %v", domain.ErrProcessing, format, err)
	}
	data := buf.Bytes()
	contentType := contentTypeForFormat(format)

	path, err := p.emitter.Emit(ctx, req, name, data, contentType)
	if err != nil {
		return Output{}, fmt.Errorf("emit stage: %w", err)
	}

	result := Output{
		Path:   path,
		Format: strings.ToLower(format.String()),
		Bytes:  len(data),
		Width:  out.Bounds().Dx(),
		Height: out.Bounds().Dy(),
	}
	for _, mirror := range p.mirrors {
		location, err := mirror.Emit(ctx, req, name, data, contentType)
		if err != nil {
			return Output{}, fmt.Errorf("mirror stage: %w", err)
		}
		result.Mirrored = append(result.Mirrored, location)
	}
	return result, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSourceNotFound, path)
		}
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrProcessing, path, err)
	}
	defer f.Close()

	img, err := imaging.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrProcessing, path, err)
	}
	return img, nil
}

// LocalFileEmitter writes <output_dir>/<name>, creating the directory tree.
// The file is replaced atomically; concurrent writers of one name race and the
// last rename wins.
type LocalFileEmitter struct{}

func (LocalFileEmitter) Emit(_ context.Context, req Request, name string, data []byte, _ string) (string, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create output dir: %v", domain.ErrProcessing, err)
	}

	tmp, err := os.CreateTemp(req.OutputDir, ".out-*")
	if err != nil {
		return "", fmt.Errorf("%w: create output file: %v", domain.ErrProcessing, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: write output file: %v", domain.ErrProcessing, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: close output file: %v", domain.ErrProcessing, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: chmod output file: %v", domain.ErrProcessing, err)
	}

	fullPath := filepath.Join(req.OutputDir, name)
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: write output file: %v", domain.ErrProcessing, err)
	}
	return fullPath, nil
}

func contentTypeForFormat(format imaging.Format) string {
	switch format {
	case imaging.JPEG:
		return "image/jpeg"
	case imaging.GIF:
		return "image/gif"
	case imaging.BMP:
		return "image/bmp"
	case imaging.TIFF:
		return "image/tiff"
	default:
		return "image/png"
	}
}
