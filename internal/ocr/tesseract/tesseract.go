/**
 * Tesseract OCR backend
 *
 * Free, offline word-level OCR through gosseract. Page segmentation is fixed
 * to a single uniform block, which suits dialog boxes and log excerpts.
 */

package tesseract

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/errordiag-worker/internal/ocr"
)

// Config holds Tesseract configuration
type Config struct {
	// TessdataPrefix points at the directory holding *.traineddata (optional)
	TessdataPrefix string
	// PageSegMode defaults to PSM_SINGLE_BLOCK
	PageSegMode gosseract.PageSegMode
}

// Backend implements ocr.Backend using a fresh gosseract client per call
type Backend struct {
	cfg           Config
	clientFactory func() *gosseract.Client
}

// New constructs a Tesseract-backed OCR backend
func New(cfg Config) *Backend {
	if cfg.PageSegMode == 0 {
		cfg.PageSegMode = gosseract.PSM_SINGLE_BLOCK
	}
	return &Backend{cfg: cfg, clientFactory: gosseract.NewClient}
}

func (b *Backend) Name() string { return "tesseract" }

// Recognize returns word tokens with confidences converted from 0-100 to 0-1
func (b *Backend) Recognize(ctx context.Context, png []byte, languages []string) ([]ocr.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := b.clientFactory()
	defer c.Close()

	if b.cfg.TessdataPrefix != "" {
		if err := c.SetTessdataPrefix(b.cfg.TessdataPrefix); err != nil {
			return nil, fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	if len(languages) > 0 {
		if err := c.SetLanguage(languages...); err != nil {
			return nil, fmt.Errorf("set languages: %w", err)
		}
	}
	if err := c.SetPageSegMode(b.cfg.PageSegMode); err != nil {
		return nil, fmt.Errorf("set page segmentation mode: %w", err)
	}
	if err := c.SetImageFromBytes(png); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("recognize words: %w", err)
	}

	tokens := make([]ocr.Token, 0, len(boxes))
	for _, box := range boxes {
		tokens = append(tokens, ocr.Token{
			Text: box.Word,
			Region: ocr.Region{
				X:      box.Box.Min.X,
				Y:      box.Box.Min.Y,
				Width:  box.Box.Dx(),
				Height: box.Box.Dy(),
			},
			Confidence: box.Confidence / 100.0,
		})
	}
	return tokens, nil
}
