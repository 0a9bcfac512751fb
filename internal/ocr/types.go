/**
 * OCR Types - Shared data structures for OCR operations
 */

package ocr

import (
	"time"
)

// Region represents the bounding box of a token in bitmap pixels
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Bottom returns the Y coordinate just below the region
func (r Region) Bottom() int { return r.Y + r.Height }

// Token is one recognized word with its position and confidence in [0,1]
type Token struct {
	Text       string
	Region     Region
	Confidence float64
}

// Result is the ordered token stream produced for one bitmap.
// An empty Tokens slice means no recognizable text, not a failure.
type Result struct {
	Tokens    []Token
	Engine    string
	Languages []string
	Duration  time.Duration
}

// Empty reports whether OCR found nothing
func (r *Result) Empty() bool { return r == nil || len(r.Tokens) == 0 }
