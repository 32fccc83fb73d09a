// Package imagetype decides which uploads are accepted as images.
package imagetype

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var ErrUnsupportedContent = errors.New("unsupported image content")

var allowedExtensions = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"gif":  true,
}

var contentExtensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/gif":  "gif",
}

// Allowed reports whether filename carries an allow-listed extension.
// The check is purely syntactic.
func Allowed(filename string) bool {
	ext, ok := Extension(filename)
	return ok && allowedExtensions[ext]
}

// Extension returns the lowercase suffix after the last dot.
func Extension(filename string) (string, bool) {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 || i == len(filename)-1 {
		return "", false
	}
	return strings.ToLower(filename[i+1:]), true
}

// Sniff detects the image type from the leading bytes of r and returns its
// canonical extension.
func Sniff(r io.Reader) (string, error) {
	mtype, err := mimetype.DetectReader(r)
	if err != nil {
		return "", fmt.Errorf("detect content type: %w", err)
	}
	for m := mtype; m != nil; m = m.Parent() {
		if ext, ok := contentExtensions[m.String()]; ok {
			return ext, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedContent, mtype.String())
}

// Matches reports whether the content of r is the image type its filename claims.
func Matches(filename string, r io.Reader) (bool, error) {
	ext, ok := Extension(filename)
	if !ok || !allowedExtensions[ext] {
		return false, nil
	}
	sniffed, err := Sniff(r)
	if err != nil {
		if errors.Is(err, ErrUnsupportedContent) {
			return false, nil
		}
		return false, err
	}
	return canonical(ext) == sniffed, nil
}

func canonical(ext string) string {
	if ext == "jpeg" {
		return "jpg"
	}
	return ext
}
