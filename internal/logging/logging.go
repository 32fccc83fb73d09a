package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// New returns a process logger writing to stdout and, when path is set,
// appending the same lines to that file. The returned closer releases the file.
func New(prefix, path string) (*log.Logger, io.Closer, error) {
	prefix = "[" + prefix + "] "
	path = strings.TrimSpace(path)
	if path == "" {
		return log.New(os.Stdout, prefix, log.LstdFlags|log.Lmsgprefix), nopCloser{}, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	return log.New(io.MultiWriter(os.Stdout, f), prefix, log.LstdFlags|log.Lmsgprefix), f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
