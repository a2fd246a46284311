package imaging

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

// ErrFrameUnreadable is returned when a frame reference does not point at a
// decodable image.
var ErrFrameUnreadable = errors.New("frame not found or unreadable")

// LoadFrame opens and decodes the frame a reference points at.
//
// Parameters:
//   - ref: Path to the frame file. Surrounding whitespace is ignored.
//     Supported formats are those registered with disintegration/imaging
//     (JPEG, PNG, GIF, TIFF, BMP).
//
// Returns:
//   - image.Image: The decoded frame.
//   - error: Wraps ErrFrameUnreadable if the file is missing, unreadable, or
//     not a valid image.
func LoadFrame(ref string) (image.Image, error) {
	path := strings.TrimSpace(ref)
	if path == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrFrameUnreadable)
	}

	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameUnreadable, err)
	}
	return img, nil
}

// FrameCodec writes frames to files that a detection server can read.
//
// Each call to Write produces a new file named
// "<prefix>_<YYYYmmdd_HHMMSS>_<id>.<ext>", so concurrent writers never collide.
// Whoever consumes the reference is responsible for deleting the file; Remove
// is provided for the paths where the consumer never saw it.
//
// # Example Usage
//
//	codec := imaging.NewFrameCodec("")
//	ref, err := codec.Write(frame)
//	if err != nil {
//	    return err
//	}
//	defer codec.Remove(ref)
type FrameCodec struct {
	// Dir is the directory frames are written to. Empty means os.TempDir().
	Dir string

	// Prefix starts every file name. Empty means "ball".
	Prefix string

	// Format selects the encoding: "jpg" (default) or "png".
	Format string

	// Quality is the JPEG quality (1-100). Zero means 95.
	Quality int
}

// NewFrameCodec returns a codec writing JPEG frames into dir.
func NewFrameCodec(dir string) *FrameCodec {
	return &FrameCodec{Dir: dir}
}

// Write encodes img to a fresh file and returns its path as a frame reference.
func (c *FrameCodec) Write(img image.Image) (string, error) {
	if img == nil {
		return "", errors.New("cannot write nil frame")
	}

	dir := c.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create frame directory: %w", err)
	}

	prefix := c.Prefix
	if prefix == "" {
		prefix = "ball"
	}
	ext := strings.ToLower(strings.TrimPrefix(c.Format, "."))
	switch ext {
	case "", "jpg", "jpeg":
		ext = "jpg"
	case "png":
	default:
		return "", fmt.Errorf("unsupported frame format: %s", c.Format)
	}

	name := fmt.Sprintf("%s_%s_%s.%s", prefix, time.Now().Format("20060102_150405"), uuid.NewString()[:8], ext)
	path := filepath.Join(dir, name)

	quality := c.Quality
	if quality == 0 {
		quality = 95
	}
	if err := imaging.Save(img, path, imaging.JPEGQuality(quality)); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to save frame: %w", err)
	}
	return path, nil
}

// Remove deletes a frame written by Write. A frame that is already gone is
// not an error, since the server may have deleted it first.
func (c *FrameCodec) Remove(ref string) error {
	err := os.Remove(strings.TrimSpace(ref))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove frame: %w", err)
	}
	return nil
}

// WithinDir reports whether path resolves to a location inside dir.
//
// Both arguments are cleaned and made absolute before comparison, so
// "../" segments cannot escape dir.
func WithinDir(dir, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(strings.TrimSpace(path))
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
