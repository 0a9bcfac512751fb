package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/adverant/nexus/errordiag-worker/internal/signatures"
	"github.com/adverant/nexus/errordiag-worker/internal/textnorm"
)

// maxPromptText bounds the error text sent to a model, in runes
const maxPromptText = 4000

// BuildPrompt renders the classification prompt for req
func BuildPrompt(req *Request) string {
	text := req.Text
	if r := []rune(text); len(r) > maxPromptText {
		text = string(r[:maxPromptText])
	}

	var b strings.Builder
	b.WriteString("You classify software error messages captured from screenshots ")
	b.WriteString("(1C:Enterprise, Windows, Microsoft Office, web browsers, antivirus tools). ")
	b.WriteString("The text may be Russian or English and may contain OCR mistakes.\n\n")
	b.WriteString("Error text:\n\"\"\"\n")
	b.WriteString(text)
	b.WriteString("\n\"\"\"\n")

	if len(req.ErrorCodes) > 0 {
		fmt.Fprintf(&b, "\nError codes found: %s\n", strings.Join(req.ErrorCodes, ", "))
	}
	if len(req.Hints) > 0 {
		b.WriteString("\nKnown signatures that partially matched (id, category, score):\n")
		for _, h := range req.Hints {
			fmt.Fprintf(&b, "- %s, %s, %.2f", h.SignatureID, h.Category, h.Score)
			if h.Title != "" {
				fmt.Fprintf(&b, " (%s)", h.Title)
			}
			b.WriteString("\n")
		}
		b.WriteString("Use signature_id only if one of these clearly describes the error.\n")
	}

	b.WriteString("\nAnswer with a single JSON object and nothing else:\n")
	b.WriteString(`{"category": "1C|Windows|Office|Browser|Antivirus|Other", `)
	b.WriteString(`"signature_id": "string or empty", `)
	b.WriteString(`"confidence": number between 0 and 1, `)
	b.WriteString(`"severity": "low|medium|high|critical", `)
	b.WriteString(`"remedy": "short remedy in the language of the error text"}`)
	b.WriteString("\n")
	return b.String()
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

type rawClassification struct {
	Category         string          `json:"category"`
	ApplicationType  string          `json:"application_type"`
	SignatureID      string          `json:"signature_id"`
	Confidence       json.RawMessage `json:"confidence"`
	Severity         string          `json:"severity"`
	Remedy           string          `json:"remedy"`
	SuggestedActions []string        `json:"suggested_actions"`
}

// ParseClassification extracts the JSON object from a model answer. Models
// often wrap JSON in prose or code fences; everything outside the outermost
// braces is ignored.
func ParseClassification(answer string) (*Classification, error) {
	obj := jsonObject.FindString(answer)
	if obj == "" {
		return nil, fmt.Errorf("%w: no JSON object in answer", ErrMalformedResponse)
	}

	var raw rawClassification
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	name := raw.Category
	if name == "" {
		name = raw.ApplicationType
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: category missing", ErrMalformedResponse)
	}
	category, ok := signatures.ParseCategory(name)
	if !ok {
		category = signatures.CategoryOther
	}

	conf, err := parseConfidence(raw.Confidence)
	if err != nil {
		return nil, err
	}

	remedy := strings.TrimSpace(raw.Remedy)
	if remedy == "" && len(raw.SuggestedActions) > 0 {
		remedy = strings.Join(raw.SuggestedActions, "; ")
	}

	return &Classification{
		Category:    string(category),
		SignatureID: strings.TrimSpace(raw.SignatureID),
		Confidence:  normalizeConfidence(conf),
		Severity:    textnorm.NormalizeSeverity(raw.Severity),
		Remedy:      remedy,
	}, nil
}

// parseConfidence accepts numbers and numeric strings ("85", "0.8", "85%")
func parseConfidence(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("%w: confidence missing", ErrMalformedResponse)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: confidence %s is not a number", ErrMalformedResponse, string(raw))
}
