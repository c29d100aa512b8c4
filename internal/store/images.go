package store

import (
	"context"
	"fmt"
	"image"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	imgutil "github.com/ironsheep/rbc-morphology-mcp/internal/imaging"
)

// FileImages is a directory-backed image store.
//
// Source images are decoded once through an ImageCache. Artifacts are written
// as PNG files into the output directory and addressed by BaseURL when set, or
// by file URL otherwise.
type FileImages struct {
	dir     string
	baseURL string
	cache   *imgutil.ImageCache
}

// NewFileImages creates the output directory if needed. A nil cache gets a
// fresh one.
func NewFileImages(dir, baseURL string, cache *imgutil.ImageCache) (*FileImages, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if cache == nil {
		cache = imgutil.NewImageCache()
	}
	return &FileImages{
		dir:     abs,
		baseURL: strings.TrimRight(baseURL, "/"),
		cache:   cache,
	}, nil
}

// Dir returns the absolute output directory.
func (s *FileImages) Dir() string {
	return s.dir
}

// ReadImage decodes the image at ref. Relative refs are resolved against the
// output directory.
func (s *FileImages) ReadImage(ctx context.Context, ref string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref == "" {
		return nil, fmt.Errorf("image reference is empty")
	}
	return s.cache.Load(s.resolve(ref))
}

// WriteImage saves img as <dir>/<name> and returns its URL. name must be a
// plain file name with a .png extension.
func (s *FileImages) WriteImage(ctx context.Context, img image.Image, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateName(name); err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, name)
	if err := imaging.Save(img, path); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", name, err)
	}
	s.cache.Evict(path)

	return s.URL(name), nil
}

// URL returns the address of an artifact written under name.
func (s *FileImages) URL(name string) string {
	if s.baseURL != "" {
		return s.baseURL + "/" + url.PathEscape(name)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(s.dir, name))}
	return u.String()
}

func (s *FileImages) resolve(ref string) string {
	if filepath.IsAbs(ref) {
		return filepath.Clean(ref)
	}
	return filepath.Join(s.dir, ref)
}

func validateName(name string) error {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	if !strings.EqualFold(filepath.Ext(name), ".png") {
		return fmt.Errorf("artifact %q must be a .png file", name)
	}
	return nil
}
