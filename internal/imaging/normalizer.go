// Package imaging normalizes arbitrary user images into JPEG bytes the relay
// accepts. Detection is done by content sniffing, never by file extension or
// declared content type.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/webp"

	"github.com/datadove/tryon-preview-engine/internal/config"
	"github.com/datadove/tryon-preview-engine/internal/fault"
)

const remoteFetchTimeout = 60 * time.Second // image downloads can be slow

// Format is the sniffed image format.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatWEBP    Format = "webp"
	FormatUnknown Format = "unknown"
)

// Normalizer converts images of any supported format into JPEG.
type Normalizer struct {
	scratchDir string
	quality    int
	client     *resty.Client
	logger     *logrus.Entry
}

// NewNormalizer creates a normalizer writing intermediate conversions under
// the configured scratch directory (a per-process temp directory when unset).
func NewNormalizer(cfg config.ImagingConfig) (*Normalizer, error) {
	dir := cfg.ScratchDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "tryon-scratch-")
		if err != nil {
			return nil, fmt.Errorf("failed to create scratch directory: %w", err)
		}
	} else if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 90
	}

	return &Normalizer{
		scratchDir: dir,
		quality:    quality,
		client:     resty.New().SetTimeout(remoteFetchTimeout),
		logger:     logrus.WithField("module", "imaging"),
	}, nil
}

// SniffFormat detects the image format from leading magic bytes.
func SniffFormat(data []byte) Format {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return FormatJPEG
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return FormatPNG
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return FormatGIF
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return FormatWEBP
	default:
		return FormatUnknown
	}
}

// Normalize returns JPEG bytes for the given image data. JPEG input passes
// through unchanged. PNG and WEBP sources are composited onto an opaque
// white background before encoding since the relay rejects alpha channels.
func (n *Normalizer) Normalize(data []byte) ([]byte, error) {
	format := SniffFormat(data)
	if format == FormatJPEG {
		return data, nil
	}

	var (
		img     image.Image
		err     error
		toWhite bool
	)

	switch format {
	case FormatPNG:
		img, err = png.Decode(bytes.NewReader(data))
		toWhite = true
	case FormatGIF:
		img, err = gif.Decode(bytes.NewReader(data))
	case FormatWEBP:
		img, err = webp.Decode(bytes.NewReader(data))
		toWhite = true
	default:
		// Best-effort generic decode for undetectable formats. Some
		// valid images carry headers the sniffer does not know.
		n.logger.WithField("format", format).Debug("Falling back to generic image decode")
		img, _, err = image.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fault.Newf(fault.UnsupportedImageFormat, "decode %s image: %v", format, err)
	}

	if toWhite {
		img = flattenOntoWhite(img)
	}

	return n.encodeJPEG(img)
}

// NormalizeURL downloads a remote image and normalizes it to JPEG.
func (n *Normalizer) NormalizeURL(ctx context.Context, url string) ([]byte, error) {
	resp, err := n.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fault.Newf(fault.UnsupportedImageFormat, "fetch remote image: %v", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fault.Newf(fault.UnsupportedImageFormat, "fetch remote image: status %d", resp.StatusCode())
	}
	return n.Normalize(resp.Body())
}

// flattenOntoWhite composites src onto an opaque white canvas of the same
// size, discarding any alpha channel.
func flattenOntoWhite(src image.Image) image.Image {
	bounds := src.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, image.White, image.Point{}, draw.Src)
	draw.Draw(canvas, bounds, src, bounds.Min, draw.Over)
	return canvas
}

// encodeJPEG writes the image through a scratch file and returns its bytes.
// The scratch file is removed on every exit path.
func (n *Normalizer) encodeJPEG(img image.Image) ([]byte, error) {
	tmp, err := os.CreateTemp(n.scratchDir, "convert-*.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	encodeErr := jpeg.Encode(tmp, img, &jpeg.Options{Quality: n.quality})
	closeErr := tmp.Close()
	if encodeErr != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", encodeErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("failed to close scratch file: %w", closeErr)
	}

	data, err := os.ReadFile(filepath.Clean(tmpName))
	if err != nil {
		return nil, fmt.Errorf("failed to read scratch file: %w", err)
	}
	return data, nil
}

// ScratchDir exposes the scratch location, mainly for cleanup verification.
func (n *Normalizer) ScratchDir() string {
	return n.scratchDir
}
