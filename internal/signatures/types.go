package signatures

import (
	"regexp"
	"strings"
)

// Category is the product family an error belongs to
type Category string

const (
	Category1C        Category = "1C"
	CategoryWindows   Category = "Windows"
	CategoryOffice    Category = "Office"
	CategoryBrowser   Category = "Browser"
	CategoryAntivirus Category = "Antivirus"
	CategoryOther     Category = "Other"
)

var categories = []Category{
	Category1C, CategoryWindows, CategoryOffice, CategoryBrowser, CategoryAntivirus, CategoryOther,
}

// ParseCategory resolves a category name case-insensitively. "1С" written
// with a Cyrillic letter is accepted as 1C.
func ParseCategory(s string) (Category, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "С", "C"))
	s = strings.ReplaceAll(s, "с", "c")
	for _, c := range categories {
		if strings.EqualFold(s, string(c)) {
			return c, true
		}
	}
	return "", false
}

// Rule is one weighted keyword or regex test. Exactly one of Keyword and
// Regex is set.
type Rule struct {
	ID      string  `yaml:"id"`
	Keyword string  `yaml:"keyword,omitempty"`
	Regex   string  `yaml:"regex,omitempty"`
	Weight  float64 `yaml:"weight"`

	folded string
	re     *regexp.Regexp
}

// Signature is a named rule set identifying one known error
type Signature struct {
	ID             string   `yaml:"id"`
	Category       Category `yaml:"category"`
	Title          string   `yaml:"title"`
	Severity       string   `yaml:"severity,omitempty"`
	BaseConfidence float64  `yaml:"base_confidence"`
	Remedy         string   `yaml:"remedy"`
	Rules          []Rule   `yaml:"rules"`

	totalWeight float64
}

// Candidate is one signature that matched a text
type Candidate struct {
	SignatureID  string   `json:"signature_id"`
	Category     Category `json:"category"`
	Score        float64  `json:"score"`
	MatchedRules []string `json:"matched_rules"`
}

// definitionFile is the YAML root structure
type definitionFile struct {
	Signatures []Signature `yaml:"signatures"`
}
