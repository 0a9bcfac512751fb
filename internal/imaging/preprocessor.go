/**
 * Image preprocessing for OCR
 *
 * Validates raw screenshot bytes and produces a deterministic grayscale bitmap:
 * decode → scale (bounded by MaxEdge) → grayscale → median denoise → contrast stretch.
 */

package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	apperrors "github.com/adverant/nexus/errordiag-worker/internal/errors"
)

// Supported source formats
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatBMP  = "bmp"
	FormatTIFF = "tiff"
)

// maxPixels guards against decompression bombs (roughly a 8K x 5K screenshot)
const maxPixels = 40_000_000

// RawImage is the ingestion-boundary view of an uploaded screenshot.
// Size is the declared byte length; zero means "not declared".
type RawImage struct {
	Data     []byte
	MimeType string
	Size     int64
}

// Bitmap is the OCR-ready image
type Bitmap struct {
	Gray         *image.Gray
	SourceFormat string
	// Scale is the factor applied to the source dimensions (1 = untouched)
	Scale float64
}

// Width returns the bitmap width in pixels
func (b *Bitmap) Width() int { return b.Gray.Bounds().Dx() }

// Height returns the bitmap height in pixels
func (b *Bitmap) Height() int { return b.Gray.Bounds().Dy() }

// PNG encodes the bitmap losslessly for OCR backends that take encoded images
func (b *Bitmap) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, b.Gray); err != nil {
		return nil, fmt.Errorf("encode bitmap: %w", err)
	}
	return buf.Bytes(), nil
}

// Options configures the preprocessor
type Options struct {
	MaxBytes int64 // upper bound on encoded size
	MaxEdge  int   // longer edge is downscaled to this
	MinWidth int   // narrower images are upscaled towards this (0 disables)
	Denoise  bool  // 3x3 median filter
}

// DefaultOptions mirrors the worker's configuration defaults
func DefaultOptions() Options {
	return Options{
		MaxBytes: 10 * 1024 * 1024,
		MaxEdge:  2400,
		MinWidth: 800,
		Denoise:  true,
	}
}

// Preprocessor turns RawImage values into OCR-ready bitmaps. It is stateless
// and safe for concurrent use.
type Preprocessor struct {
	opts Options
}

// NewPreprocessor creates a preprocessor, filling unset options with defaults
func NewPreprocessor(opts Options) *Preprocessor {
	def := DefaultOptions()
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = def.MaxBytes
	}
	if opts.MaxEdge <= 0 {
		opts.MaxEdge = def.MaxEdge
	}
	if opts.MinWidth > opts.MaxEdge {
		opts.MinWidth = opts.MaxEdge
	}
	return &Preprocessor{opts: opts}
}

// Validate checks size and format without decoding; it returns the resolved format.
func (p *Preprocessor) Validate(img RawImage) (string, error) {
	n := int64(len(img.Data))
	if n == 0 {
		return "", apperrors.NewInvalidInputError("empty image", nil)
	}
	if n > p.opts.MaxBytes || img.Size > p.opts.MaxBytes {
		return "", apperrors.NewInvalidInputError("image exceeds size limit", map[string]interface{}{
			"size":      max(n, img.Size),
			"max_bytes": p.opts.MaxBytes,
		})
	}
	if img.Size != 0 && img.Size != n {
		return "", apperrors.NewInvalidInputError("declared size does not match data", map[string]interface{}{
			"declared": img.Size,
			"actual":   n,
		})
	}

	format := FormatFromMime(img.MimeType)
	if format == "" && isGenericMime(img.MimeType) {
		format = DetectFormat(img.Data)
	}
	if format == "" {
		return "", apperrors.NewInvalidInputError("unsupported image type", map[string]interface{}{
			"mime_type": img.MimeType,
		})
	}
	return format, nil
}

// Prepare validates and normalizes img. img.Data is never modified.
func (p *Preprocessor) Prepare(img RawImage) (*Bitmap, error) {
	format, err := p.Validate(img)
	if err != nil {
		return nil, err
	}

	cfg, err := decodeConfig(format, bytes.NewReader(img.Data))
	if err != nil {
		return nil, apperrors.NewInvalidInputError("undecodable image", map[string]interface{}{
			"format": format,
			"error":  err.Error(),
		})
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxPixels {
		return nil, apperrors.NewInvalidInputError("unsupported image dimensions", map[string]interface{}{
			"width":  cfg.Width,
			"height": cfg.Height,
		})
	}

	src, err := decode(format, bytes.NewReader(img.Data))
	if err != nil {
		return nil, apperrors.NewInvalidInputError("undecodable image", map[string]interface{}{
			"format": format,
			"error":  err.Error(),
		})
	}

	gray := toGray(src)
	scale, w, h := p.targetSize(gray.Bounds().Dx(), gray.Bounds().Dy())
	if scale != 1 {
		dst := image.NewGray(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), gray, gray.Bounds(), draw.Src, nil)
		gray = dst
	}
	if p.opts.Denoise {
		gray = medianFilter(gray)
	}
	stretchContrast(gray, 0.01, 0.99)

	return &Bitmap{Gray: gray, SourceFormat: format, Scale: scale}, nil
}

// targetSize picks the output dimensions: downscale when the longer edge
// exceeds MaxEdge, upscale narrow screenshots towards MinWidth but never
// past MaxEdge.
func (p *Preprocessor) targetSize(w, h int) (float64, int, int) {
	longer := max(w, h)
	scale := 1.0
	switch {
	case longer > p.opts.MaxEdge:
		scale = float64(p.opts.MaxEdge) / float64(longer)
	case p.opts.MinWidth > 0 && w < p.opts.MinWidth:
		scale = float64(p.opts.MinWidth) / float64(w)
		if limit := float64(p.opts.MaxEdge) / float64(longer); scale > limit {
			scale = limit
		}
	}
	if scale == 1 {
		return 1, w, h
	}
	nw := max(1, int(float64(w)*scale+0.5))
	nh := max(1, int(float64(h)*scale+0.5))
	return scale, nw, nh
}

// FormatFromMime maps a declared MIME type (or bare extension) to a format
func FormatFromMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "image/png", "png", ".png":
		return FormatPNG
	case "image/jpeg", "image/jpg", "image/pjpeg", "jpeg", "jpg", ".jpeg", ".jpg":
		return FormatJPEG
	case "image/bmp", "image/x-bmp", "image/x-ms-bmp", "bmp", ".bmp":
		return FormatBMP
	case "image/tiff", "image/tif", "tiff", "tif", ".tiff", ".tif":
		return FormatTIFF
	}
	return ""
}

func isGenericMime(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	return mime == "" || strings.HasPrefix(mime, "application/octet-stream") || mime == "binary/octet-stream"
}

// DetectFormat identifies a supported image format by its magic bytes
func DetectFormat(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return FormatPNG
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return FormatJPEG
	}

	// TIFF: 'I' 'I' 0x2A 0x00 (little-endian) or 'M' 'M' 0x00 0x2A (big-endian)
	if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return FormatTIFF
	}

	// BMP: 'B' 'M'
	if bytes.HasPrefix(data, []byte("BM")) {
		return FormatBMP
	}

	return ""
}

func decodeConfig(format string, r io.Reader) (image.Config, error) {
	switch format {
	case FormatPNG:
		return png.DecodeConfig(r)
	case FormatJPEG:
		return jpeg.DecodeConfig(r)
	case FormatBMP:
		return bmp.DecodeConfig(r)
	case FormatTIFF:
		return tiff.DecodeConfig(r)
	}
	return image.Config{}, fmt.Errorf("unknown format %q", format)
}

func decode(format string, r io.Reader) (image.Image, error) {
	switch format {
	case FormatPNG:
		return png.Decode(r)
	case FormatJPEG:
		return jpeg.Decode(r)
	case FormatBMP:
		return bmp.Decode(r)
	case FormatTIFF:
		return tiff.Decode(r)
	}
	return nil, fmt.Errorf("unknown format %q", format)
}
