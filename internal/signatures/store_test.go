package signatures

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func mustDefault(t *testing.T) *Store {
	t.Helper()
	s, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}
	return s
}

func TestLoadDefaultKnowledgeBase(t *testing.T) {
	s := mustDefault(t)
	if s.Len() < 20 {
		t.Fatalf("expected a populated knowledge base, got %d signatures", s.Len())
	}
	seen := map[Category]bool{}
	for _, sig := range s.signatures {
		seen[sig.Category] = true
	}
	for _, c := range categories {
		if !seen[c] {
			t.Fatalf("default knowledge base has no %s signature", c)
		}
	}
}

func TestMatchDefaultSignatures(t *testing.T) {
	s := mustDefault(t)
	cases := []struct {
		text     string
		wantID   string
		category Category
	}{
		{"Ошибка SQL: Таблица не найдена\n1С:Предприятие 8.3", "1c-sql-query", Category1C},
		{"1С:Предприятие\nЗаписи регистра: нарушение уникальности индекса", "1c-unique-violation", Category1C},
		{"STOP: 0x0000007B INACCESSIBLE_BOOT_DEVICE", "windows-bsod", CategoryWindows},
		{"STOP 0x7E SYSTEM_THREAD_EXCEPTION_NOT_HANDLED", "windows-bsod", CategoryWindows},
		{"Не удалось запустить службу Windows Update. Ошибка 1053", "windows-service-start", CategoryWindows},
		{"Google Chrome\nВаше подключение не защищено\nNET::ERR_CERT_DATE_INVALID", "browser-certificate", CategoryBrowser},
		{"Kaspersky: обнаружена угроза Trojan.Win32.Agent, объект помещен в карантин", "antivirus-threat-detected", CategoryAntivirus},
	}
	for _, tc := range cases {
		got := s.Match(tc.text)
		if len(got) == 0 {
			t.Fatalf("%q: no candidates", tc.text)
		}
		if got[0].SignatureID != tc.wantID || got[0].Category != tc.category {
			t.Fatalf("%q: expected %s, got %+v", tc.text, tc.wantID, got[0])
		}
		if got[0].Score < 0.65 {
			t.Fatalf("%q: expected a confident match, got %v", tc.text, got[0].Score)
		}
	}
}

func TestMatchDoesNotMistakeHexCodesFor1C(t *testing.T) {
	s := mustDefault(t)
	texts := []string{
		"Microsoft SQL Server\nError 0x8007001C: the query failed",
		"Windows Update\nОшибка 0x8024001C при установке обновления конфигурации",
		"ERROR: relation foo does not exist. SQL state 42P01",
		"STOP: 0x0000001C",
		"duplicate key value violates unique constraint \"users_pkey\"",
	}
	for _, text := range texts {
		for _, c := range s.Match(text) {
			if c.Category == Category1C && c.Score >= 0.65 {
				t.Fatalf("%q: unexpected confident 1C candidate %+v", text, c)
			}
		}
	}
}

func TestMatch1CProductToken(t *testing.T) {
	s := mustDefault(t)
	cases := []struct {
		text string
		want bool
	}{
		{"1С:Предприятие 8.3", true},
		{"Платформа 1C для конфигурации", true},
		{"1Cv8.exe", true},
		{"Открыт конфигуратор", true},
		{"Ошибка 0x8007001C", false},
		{"build 21C4", false},
		{"код 11С", false},
	}
	for _, tc := range cases {
		var fired bool
		for _, c := range s.Match(tc.text + " ошибка SQL") {
			if c.SignatureID != "1c-sql-query" {
				continue
			}
			for _, r := range c.MatchedRules {
				if r == "product" {
					fired = true
				}
			}
		}
		if fired != tc.want {
			t.Fatalf("%q: expected product rule fired=%v", tc.text, tc.want)
		}
	}
}

func TestMatchScoresByWeight(t *testing.T) {
	s, err := NewStore([]Signature{{
		ID:             "disk-full",
		Category:       CategoryOther,
		BaseConfidence: 0.8,
		Rules: []Rule{
			{ID: "disk", Keyword: "диск", Weight: 1},
			{ID: "full", Keyword: "недостаточно места", Weight: 3},
		},
	}})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	got := s.Match("На ДИСКЕ C: мало свободного пространства")
	if len(got) != 1 || got[0].Score != 0.2 {
		t.Fatalf("expected 0.25*0.8, got %+v", got)
	}
	if len(got[0].MatchedRules) != 1 || got[0].MatchedRules[0] != "disk" {
		t.Fatalf("unexpected matched rules %v", got[0].MatchedRules)
	}
	got = s.Match("Диск:   недостаточно\n места")
	if len(got) != 1 || got[0].Score != 0.8 {
		t.Fatalf("expected full score across collapsed whitespace, got %+v", got)
	}
}

func TestMatchFoldsYo(t *testing.T) {
	s, err := NewStore([]Signature{{
		ID: "yo", Category: CategoryOther, BaseConfidence: 1,
		Rules: []Rule{{ID: "kw", Keyword: "Учётная запись", Weight: 1}, {ID: "re", Regex: `заблокирован[аo]`, Weight: 1}},
	}})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	got := s.Match("УЧЕТНАЯ ЗАПИСЬ ЗАБЛОКИРОВАНА")
	if len(got) != 1 || got[0].Score != 1 {
		t.Fatalf("expected both rules to fire, got %+v", got)
	}
}

func TestMatchOrderingIsStable(t *testing.T) {
	rules := []Rule{{ID: "kw", Keyword: "timeout", Weight: 1}}
	a := Signature{ID: "a", Category: CategoryOther, BaseConfidence: 0.7, Rules: rules}
	b := Signature{ID: "b", Category: CategoryBrowser, BaseConfidence: 0.7, Rules: rules}

	for _, order := range [][]Signature{{a, b}, {b, a}} {
		s, err := NewStore(order)
		if err != nil {
			t.Fatalf("NewStore: %v", err)
		}
		for run := 0; run < 20; run++ {
			got := s.Match("request timeout")
			if len(got) != 2 || got[0].SignatureID != order[0].ID || got[1].SignatureID != order[1].ID {
				t.Fatalf("run %d: expected registration order %s,%s, got %+v", run, order[0].ID, order[1].ID, got)
			}
		}
	}
}

func TestMatchFloor(t *testing.T) {
	defs := []Signature{{
		ID: "weak", Category: CategoryOther, BaseConfidence: 0.5,
		Rules: []Rule{{ID: "a", Keyword: "ошибка", Weight: 1}, {ID: "b", Keyword: "редкое", Weight: 19}},
	}}
	s, err := NewStore(defs)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if got := s.Match("ошибка"); len(got) != 0 {
		t.Fatalf("expected candidate under the floor to be dropped, got %+v", got)
	}
	s, err = NewStore(defs, WithFloor(0.01))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if got := s.Match("ошибка"); len(got) != 1 {
		t.Fatalf("expected candidate above a lowered floor, got %+v", got)
	}
	if got := s.Match("   "); got != nil {
		t.Fatalf("expected nil for blank text, got %+v", got)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"empty":          `signatures: []`,
		"bad yaml":       `signatures: [`,
		"missing id":     "signatures:\n- {category: Other, base_confidence: 0.5, rules: [{keyword: x, weight: 1}]}",
		"unknown cat":    "signatures:\n- {id: a, category: Linux, base_confidence: 0.5, rules: [{keyword: x, weight: 1}]}",
		"no rules":       "signatures:\n- {id: a, category: Other, base_confidence: 0.5, rules: []}",
		"zero weight":    "signatures:\n- {id: a, category: Other, base_confidence: 0.5, rules: [{keyword: x, weight: 0}]}",
		"both patterns":  "signatures:\n- {id: a, category: Other, base_confidence: 0.5, rules: [{keyword: x, regex: y, weight: 1}]}",
		"no pattern":     "signatures:\n- {id: a, category: Other, base_confidence: 0.5, rules: [{weight: 1}]}",
		"bad regex":      "signatures:\n- {id: a, category: Other, base_confidence: 0.5, rules: [{regex: '(', weight: 1}]}",
		"base too high":  "signatures:\n- {id: a, category: Other, base_confidence: 1.5, rules: [{keyword: x, weight: 1}]}",
		"duplicate id":   "signatures:\n- {id: a, category: Other, base_confidence: 0.5, rules: [{keyword: x, weight: 1}]}\n- {id: a, category: Other, base_confidence: 0.5, rules: [{keyword: y, weight: 1}]}",
		"duplicate rule": "signatures:\n- {id: a, category: Other, base_confidence: 0.5, rules: [{id: r, keyword: x, weight: 1}, {id: r, keyword: y, weight: 1}]}",
	}
	for name, doc := range cases {
		if _, err := Load([]byte(doc)); !errors.Is(err, ErrInvalidDefinition) {
			t.Fatalf("%s: expected ErrInvalidDefinition, got %v", name, err)
		}
	}
}

func TestLoadFileAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.yaml")
	doc := "signatures:\n- id: custom\n  category: 1с\n  title: Custom\n  remedy: Do the thing\n  base_confidence: 0.9\n  rules:\n  - keyword: custom error\n    weight: 1\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	sig, ok := s.Lookup("custom")
	if !ok || sig.Category != Category1C || sig.Remedy != "Do the thing" {
		t.Fatalf("unexpected lookup %+v", sig)
	}
	if sig.Rules[0].ID != "r1" {
		t.Fatalf("expected generated rule id, got %q", sig.Rules[0].ID)
	}
	if _, ok := s.Lookup("missing"); ok {
		t.Fatalf("unexpected lookup hit")
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestMatchIsSafeForConcurrentUse(t *testing.T) {
	s := mustDefault(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if got := s.Match("STOP: 0x0000007B INACCESSIBLE_BOOT_DEVICE"); len(got) == 0 {
					t.Errorf("no match")
					return
				}
			}
		}()
	}
	wg.Wait()
}
