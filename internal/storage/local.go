package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/pixeldrop/internal/config"
	"github.com/dunamismax/pixeldrop/internal/domain"
	"github.com/dunamismax/pixeldrop/internal/id"
)

const maxRenameAttempts = 8

var ErrInvalidOutputFolder = errors.New("invalid output folder")

// Local holds the upload, resized and watermark directories on local disk.
type Local struct {
	uploadDir    string
	resizedDir   string
	watermarkDir string
	outputRoot   string
	overwrite    bool
}

func NewLocal(cfg config.StorageConfig) *Local {
	outputRoot := strings.TrimSpace(cfg.OutputRoot)
	if outputRoot == "" {
		outputRoot = "."
	}
	watermarkDir := strings.TrimSpace(cfg.WatermarkDir)
	if watermarkDir == "" {
		watermarkDir = "watermarks"
	}

	return &Local{
		uploadDir:    cfg.UploadDir,
		resizedDir:   cfg.ResizedDir,
		watermarkDir: watermarkDir,
		outputRoot:   outputRoot,
		overwrite:    strings.EqualFold(cfg.ConflictPolicy, config.ConflictOverwrite),
	}
}

// Ensure creates every managed directory that does not exist yet.
func (l *Local) Ensure() error {
	for _, dir := range []string{l.uploadDir, l.resizedDir, l.watermarkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return nil
}

func (l *Local) UploadDir() string {
	return l.uploadDir
}

func (l *Local) ResizedDir() string {
	return l.resizedDir
}

// SaveUpload stores r in the upload directory under the sanitised form of
// original and returns the name actually used.
func (l *Local) SaveUpload(original string, r io.Reader) (string, error) {
	name := SecureFilename(original)
	if name == "" {
		return "", domain.ErrEmptyFilename
	}

	if l.overwrite {
		if err := replaceFile(l.uploadDir, name, r); err != nil {
			return "", err
		}
		return name, nil
	}
	return createExclusive(l.uploadDir, name, r)
}

// SaveWatermark stores a watermark under a unique name and returns its path.
func (l *Local) SaveWatermark(original string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(SecureFilename(original)))
	if ext == "" {
		ext = ".png"
	}
	if err := os.MkdirAll(l.watermarkDir, 0o755); err != nil {
		return "", fmt.Errorf("create watermark dir: %w", err)
	}

	name, err := createExclusive(l.watermarkDir, "watermark-"+id.New()+ext, r)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.watermarkDir, name), nil
}

// UploadPath resolves name inside the upload directory. Names that are not a
// single path element, or that do not refer to a regular file, report
// domain.ErrSourceNotFound.
func (l *Local) UploadPath(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", domain.ErrSourceNotFound, name)
	}

	path := filepath.Join(l.uploadDir, name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", domain.ErrSourceNotFound, path)
		}
		return "", fmt.Errorf("stat upload %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a file", domain.ErrSourceNotFound, path)
	}
	return path, nil
}

// ResolveOutputDir maps a caller-supplied folder onto the output root. An empty
// folder selects the resized directory.
func (l *Local) ResolveOutputDir(folder string) (string, error) {
	folder = strings.TrimSpace(folder)
	if folder == "" {
		return l.resizedDir, nil
	}
	if filepath.IsAbs(folder) || strings.HasPrefix(folder, `\`) {
		return "", fmt.Errorf("%w: %q must be relative", ErrInvalidOutputFolder, folder)
	}

	cleaned := filepath.Clean(filepath.FromSlash(folder))
	for _, part := range strings.Split(filepath.ToSlash(cleaned), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q escapes the output root", ErrInvalidOutputFolder, folder)
		}
	}
	return filepath.Join(l.outputRoot, cleaned), nil
}

// ListUploads returns every entry name in the upload directory, unfiltered.
func (l *Local) ListUploads() ([]string, error) {
	return listDir(l.uploadDir)
}

// ListResized returns every entry name in the resized directory, unfiltered.
func (l *Local) ListResized() ([]string, error) {
	return listDir(l.resizedDir)
}

// UploadFiles returns the regular files of the upload directory.
func (l *Local) UploadFiles() ([]string, error) {
	entries, err := os.ReadDir(l.uploadDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", l.uploadDir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

func createExclusive(dir, name string, r io.Reader) (string, error) {
	candidate := name
	for attempt := 0; attempt < maxRenameAttempts; attempt++ {
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			candidate = withSuffix(name, id.Short())
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", path, err)
		}

		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("close %s: %w", path, err)
		}
		return candidate, nil
	}
	return "", fmt.Errorf("no free name for %s after %d attempts", name, maxRenameAttempts)
}

func replaceFile(dir, name string, r io.Reader) error {
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

func withSuffix(name, suffix string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "-" + suffix + ext
}

// SecureFilename reduces a client-supplied filename to a safe single path
// element: separators become spaces, whitespace runs become underscores, and
// anything outside [A-Za-z0-9_.-] is dropped. Leading and trailing dots and
// underscores are trimmed, so the result may be empty.
func SecureFilename(in string) string {
	in = strings.NewReplacer("/", " ", `\`, " ").Replace(in)
	in = strings.Join(strings.Fields(in), "_")

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "._")
}
