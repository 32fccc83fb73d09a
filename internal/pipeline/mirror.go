package pipeline

import (
	"context"
	"errors"
)

type objectMirror interface {
	ObjectKey(outputDir, name string) string
	Put(ctx context.Context, objectKey string, data []byte, contentType string) (string, error)
}

// MirrorEmitter copies outputs to an object store after the local write.
type MirrorEmitter struct {
	Mirror objectMirror
}

func (e MirrorEmitter) Emit(ctx context.Context, req Request, name string, data []byte, contentType string) (string, error) {
	if e.Mirror == nil {
		return "", errors.New("mirror is required")
	}
	return e.Mirror.Put(ctx, e.Mirror.ObjectKey(req.OutputDir, name), data, contentType)
}
