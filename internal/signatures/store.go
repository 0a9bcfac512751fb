/**
 * Signature Store - the curated error knowledge base
 *
 * Signatures are data: one generic matcher evaluates every loaded rule set.
 * The store is built once and never mutated, so concurrent Match calls
 * need no locking.
 */

package signatures

import (
	_ "embed"
	stderrors "errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// DefaultFloor is the score below which candidates are dropped
const DefaultFloor = 0.05

// ErrInvalidDefinition wraps every load-time validation failure
var ErrInvalidDefinition = stderrors.New("invalid signature definition")

//go:embed default_signatures.yaml
var defaultDefinitions []byte

// Store holds the immutable, ordered signature set
type Store struct {
	signatures []*Signature
	byID       map[string]*Signature
	floor      float64
}

// Option customizes a Store
type Option func(*Store)

// WithFloor overrides the minimum candidate score
func WithFloor(floor float64) Option {
	return func(s *Store) {
		if floor >= 0 {
			s.floor = floor
		}
	}
}

// NewStore validates defs and compiles their rules. Registration order is
// the order of defs and decides ties in Match.
func NewStore(defs []Signature, opts ...Option) (*Store, error) {
	s := &Store{
		signatures: make([]*Signature, 0, len(defs)),
		byID:       make(map[string]*Signature, len(defs)),
		floor:      DefaultFloor,
	}
	for _, opt := range opts {
		opt(s)
	}

	fold := cases.Fold()
	for i := range defs {
		sig := defs[i]
		sig.Rules = append([]Rule(nil), defs[i].Rules...)
		if err := prepare(&sig, fold); err != nil {
			return nil, fmt.Errorf("%w: signature #%d (%q): %v", ErrInvalidDefinition, i+1, sig.ID, err)
		}
		if _, dup := s.byID[sig.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate signature id %q", ErrInvalidDefinition, sig.ID)
		}
		s.signatures = append(s.signatures, &sig)
		s.byID[sig.ID] = &sig
	}
	return s, nil
}

func prepare(sig *Signature, fold cases.Caser) error {
	sig.ID = strings.TrimSpace(sig.ID)
	if sig.ID == "" {
		return stderrors.New("id is required")
	}
	cat, ok := ParseCategory(string(sig.Category))
	if !ok {
		return fmt.Errorf("unknown category %q", sig.Category)
	}
	sig.Category = cat
	if sig.BaseConfidence <= 0 || sig.BaseConfidence > 1 {
		return fmt.Errorf("base_confidence must be in (0, 1], got %v", sig.BaseConfidence)
	}
	if len(sig.Rules) == 0 {
		return stderrors.New("at least one rule is required")
	}

	seen := make(map[string]bool, len(sig.Rules))
	sig.totalWeight = 0
	for j := range sig.Rules {
		r := &sig.Rules[j]
		if r.ID == "" {
			r.ID = fmt.Sprintf("r%d", j+1)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if r.Weight <= 0 {
			return fmt.Errorf("rule %q: weight must be positive", r.ID)
		}
		switch {
		case r.Keyword != "" && r.Regex != "":
			return fmt.Errorf("rule %q: set keyword or regex, not both", r.ID)
		case r.Keyword != "":
			r.folded = foldText(fold, r.Keyword)
			if r.folded == "" {
				return fmt.Errorf("rule %q: keyword is blank", r.ID)
			}
		case r.Regex != "":
			re, err := regexp.Compile("(?i)" + replaceYo(r.Regex))
			if err != nil {
				return fmt.Errorf("rule %q: %v", r.ID, err)
			}
			r.re = re
		default:
			return fmt.Errorf("rule %q: keyword or regex is required", r.ID)
		}
		sig.totalWeight += r.Weight
	}
	return nil
}

// Load parses a YAML definition set
func Load(data []byte, opts ...Option) (*Store, error) {
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if len(file.Signatures) == 0 {
		return nil, fmt.Errorf("%w: no signatures defined", ErrInvalidDefinition)
	}
	return NewStore(file.Signatures, opts...)
}

// LoadFile reads definitions from path
func LoadFile(path string, opts ...Option) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signatures: %w", err)
	}
	return Load(data, opts...)
}

// LoadDefault returns the built-in knowledge base
func LoadDefault(opts ...Option) (*Store, error) {
	return Load(defaultDefinitions, opts...)
}

// Len returns the number of loaded signatures
func (s *Store) Len() int { return len(s.signatures) }

// Floor returns the minimum candidate score
func (s *Store) Floor() float64 { return s.floor }

// Lookup returns a copy of the signature with the given id
func (s *Store) Lookup(id string) (Signature, bool) {
	sig, ok := s.byID[id]
	if !ok {
		return Signature{}, false
	}
	return *sig, true
}

// Match scores every signature against text. Results are ordered by score,
// ties keeping registration order; candidates with no fired rule or a score
// under the floor are omitted.
func (s *Store) Match(text string) []Candidate {
	if s == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	// Casers keep state, so each call gets its own.
	folded := foldText(cases.Fold(), text)
	plain := collapse(replaceYo(text))

	var out []Candidate
	for _, sig := range s.signatures {
		var fired float64
		var matched []string
		for i := range sig.Rules {
			r := &sig.Rules[i]
			var hit bool
			if r.re != nil {
				hit = r.re.MatchString(plain)
			} else {
				hit = strings.Contains(folded, r.folded)
			}
			if hit {
				fired += r.Weight
				matched = append(matched, r.ID)
			}
		}
		if len(matched) == 0 {
			continue
		}
		ratio := fired / sig.totalWeight
		if ratio > 1 {
			ratio = 1
		}
		score := ratio * sig.BaseConfidence
		if score < s.floor {
			continue
		}
		out = append(out, Candidate{
			SignatureID:  sig.ID,
			Category:     sig.Category,
			Score:        score,
			MatchedRules: matched,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// foldText applies Unicode case folding, treats ё as е and collapses whitespace
func foldText(fold cases.Caser, s string) string {
	return collapse(replaceYo(fold.String(s)))
}

var yoReplacer = strings.NewReplacer("ё", "е", "Ё", "Е")

func replaceYo(s string) string { return yoReplacer.Replace(s) }

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }
