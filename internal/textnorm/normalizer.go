/**
 * Text Normalizer - turns an OCR token stream into one canonical text blob
 *
 * Reading order is rebuilt from bounding boxes (lines top to bottom, tokens
 * left to right). Tokens are NFKC-normalized and stripped of OCR noise, and
 * words hyphen-wrapped across lines are rejoined. Pure; no I/O.
 */

package textnorm

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/adverant/nexus/errordiag-worker/internal/ocr"
)

// NormalizedText is the canonical text of one screenshot
type NormalizedText struct {
	Text string
	// Confidence is the mean confidence of the tokens that contributed text
	Confidence float64
	TokenCount int
}

// Empty reports whether nothing survived normalization
func (n NormalizedText) Empty() bool { return n.Text == "" }

type line struct {
	top, bottom int
	tokens      []ocr.Token
}

// Normalize rebuilds reading order and cleans token text
func Normalize(res *ocr.Result) NormalizedText {
	if res.Empty() {
		return NormalizedText{}
	}

	kept := make([]ocr.Token, 0, len(res.Tokens))
	var confSum float64
	for _, t := range res.Tokens {
		t.Text = cleanToken(t.Text)
		if t.Text == "" {
			continue
		}
		confSum += t.Confidence
		kept = append(kept, t)
	}
	if len(kept) == 0 {
		return NormalizedText{}
	}

	lines := groupLines(kept)
	texts := make([]string, 0, len(lines))
	for _, ln := range lines {
		words := make([]string, 0, len(ln.tokens))
		for _, t := range ln.tokens {
			words = append(words, t.Text)
		}
		if s := strings.Join(strings.Fields(strings.Join(words, " ")), " "); s != "" {
			texts = append(texts, s)
		}
	}
	texts = joinHyphenated(texts)

	return NormalizedText{
		Text:       strings.Join(texts, "\n"),
		Confidence: confSum / float64(len(kept)),
		TokenCount: len(kept),
	}
}

// groupLines clusters tokens whose vertical extents overlap by at least half
// of the shorter one. Lines come out top to bottom, tokens left to right.
func groupLines(tokens []ocr.Token) []line {
	sorted := append([]ocr.Token(nil), tokens...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Region.Y != sorted[j].Region.Y {
			return sorted[i].Region.Y < sorted[j].Region.Y
		}
		return sorted[i].Region.X < sorted[j].Region.X
	})

	var lines []line
	for _, t := range sorted {
		top, bottom := t.Region.Y, t.Region.Bottom()
		if bottom <= top {
			bottom = top + 1
		}
		if n := len(lines); n > 0 {
			cur := &lines[n-1]
			overlap := min(cur.bottom, bottom) - max(cur.top, top)
			shorter := min(cur.bottom-cur.top, bottom-top)
			if overlap*2 >= shorter {
				cur.tokens = append(cur.tokens, t)
				cur.top = min(cur.top, top)
				cur.bottom = max(cur.bottom, bottom)
				continue
			}
		}
		lines = append(lines, line{top: top, bottom: bottom, tokens: []ocr.Token{t}})
	}

	for i := range lines {
		toks := lines[i].tokens
		sort.SliceStable(toks, func(a, b int) bool { return toks[a].Region.X < toks[b].Region.X })
	}
	return lines
}

// joinHyphenated merges "конфигу-" + "рации ..." into "конфигурации ...".
// Only a letter followed by a hyphen at line end, with the next line starting
// in lower case, counts as a wrap; "SQL-" + "001" is left alone.
func joinHyphenated(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		if n := len(out); n > 0 && isWrapped(out[n-1], ln) {
			prev := []rune(out[n-1])
			out[n-1] = string(prev[:len(prev)-1]) + ln
			continue
		}
		out = append(out, ln)
	}
	return out
}

func isWrapped(prev, next string) bool {
	p := []rune(prev)
	if len(p) < 2 || !isHyphen(p[len(p)-1]) || !unicode.IsLetter(p[len(p)-2]) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(next)
	return unicode.IsLower(r)
}

func isHyphen(r rune) bool {
	return r == '-' || r == '\u2010'
}

// cleanToken applies NFKC, drops noise runes and whitespace, and discards
// tokens made only of frame debris.
func cleanToken(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	debrisOnly := true
	for _, r := range s {
		if isNoise(r) {
			continue
		}
		if unicode.IsSpace(r) {
			b.WriteRune(' ')
			continue
		}
		if !isDebris(r) {
			debrisOnly = false
		}
		b.WriteRune(r)
	}
	if debrisOnly {
		return ""
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func isNoise(r rune) bool {
	switch {
	case r == '\ufffd', r == '\u00ad', r == '\ufeff':
		return true
	case r >= '\u200b' && r <= '\u200f', r >= '\u2060' && r <= '\u2064':
		return true
	case r >= '\u2500' && r <= '\u259f': // box drawing, block elements
		return true
	case unicode.IsControl(r) && !unicode.IsSpace(r):
		return true
	}
	return false
}

// isDebris covers characters OCR typically emits for window borders and bullets
func isDebris(r rune) bool {
	switch r {
	case '|', '\u00a6', '~', '_', '\u2022', '\u00b7', '\u00b0', '\u00ac', '`', '\'', '"',
		',', '.', ':', ';', '=', '-', '\u2010', '\u2013', '\u2014':
		return true
	}
	return false
}
