package textnorm

import (
	"regexp"
	"strings"
)

// Severity levels, most severe first
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

var (
	// Short forms too: BSOD dialogs print "STOP 0x7E" as often as 0x0000007E
	hexCodePattern    = regexp.MustCompile(`\b0[xX][0-9A-Fa-f]{2,8}\b`)
	dashedCodePattern = regexp.MustCompile(`\b[A-Z]{2,5}-\d{3,5}\b`)
	// Bare numbers only count when introduced as a code ("код 1051", "error 0403")
	labelledCodePattern = regexp.MustCompile(`(?i)(?:код|code|ошибка|error|hresult)\s*(?:ошибки\s*)?[:#№=]?\s*(\d{3,5})\b`)
)

// ExtractErrorCodes returns distinct error codes in order of first appearance
func ExtractErrorCodes(text string) []string {
	type hit struct {
		pos  int
		code string
	}
	var hits []hit
	for _, m := range hexCodePattern.FindAllStringIndex(text, -1) {
		hits = append(hits, hit{m[0], "0x" + strings.ToUpper(text[m[0]+2:m[1]])})
	}
	for _, m := range dashedCodePattern.FindAllStringIndex(text, -1) {
		hits = append(hits, hit{m[0], text[m[0]:m[1]]})
	}
	for _, m := range labelledCodePattern.FindAllStringSubmatchIndex(text, -1) {
		hits = append(hits, hit{m[2], text[m[2]:m[3]]})
	}

	// insertion sort by position; inputs are short
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}

	seen := make(map[string]bool, len(hits))
	codes := make([]string, 0, len(hits))
	for _, h := range hits {
		if seen[h.code] {
			continue
		}
		seen[h.code] = true
		codes = append(codes, h.code)
	}
	return codes
}

var severityKeywords = []struct {
	level    string
	keywords []string
}{
	{SeverityCritical, []string{"критическая", "critical", "fatal", "синий экран", "bsod"}},
	{SeverityHigh, []string{"ошибка", "error", "failed", "не удалось", "exception", "исключение"}},
	{SeverityMedium, []string{"предупреждение", "warning", "внимание"}},
}

// DetectSeverity is the keyword heuristic used when neither a signature nor a
// provider supplied a severity.
func DetectSeverity(text string) string {
	lower := strings.ToLower(text)
	for _, group := range severityKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				return group.level
			}
		}
	}
	return SeverityLow
}

// NormalizeSeverity maps free-form severities onto the four levels; unknown
// values yield "".
func NormalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "fatal", "критическая", "критический":
		return SeverityCritical
	case "high", "error", "высокая", "высокий":
		return SeverityHigh
	case "medium", "moderate", "warning", "средняя", "средний":
		return SeverityMedium
	case "low", "info", "низкая", "низкий":
		return SeverityLow
	}
	return ""
}
