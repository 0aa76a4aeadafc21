package processor

import (
	"testing"

	"github.com/bosocmputer/doc_recon_gemini/internal/dataset"
)

func refRows(keys ...string) []*dataset.ReferenceRow {
	rows := make([]*dataset.ReferenceRow, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, &dataset.ReferenceRow{Key: key, Fields: map[string]string{"company": key}})
	}
	return rows
}

func newTestMatcher() *Matcher {
	return NewMatcher("company", nil, 0, 85, 3, nil)
}

func TestNormalizeIdentifier(t *testing.T) {
	cases := []struct{ in, want string }{
		{"ACME-001", "acme001"},
		{"acme 001", "acme001"},
		{"  A.C.M.E. 001  ", "acme001"},
		{"ACME_001!", "acme001"},
	}
	for _, tc := range cases {
		if got := normalizeIdentifier(tc.in); got != tc.want {
			t.Errorf("normalizeIdentifier(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMatchCaseAndPunctuationInsensitive(t *testing.T) {
	m := newTestMatcher()
	result := m.Match("acme 001", nil, refRows("ACME-001", "ZENITH-777"))

	if result.Status != StatusMatched {
		t.Fatalf("status = %v, want matched", result.Status)
	}
	if result.Best.RowKey != "ACME-001" {
		t.Errorf("matched %q, want ACME-001", result.Best.RowKey)
	}
	if result.Best.Score != 100 {
		t.Errorf("score = %v, want 100 after normalization", result.Best.Score)
	}
}

func TestMatchStripsParentheticals(t *testing.T) {
	m := newTestMatcher()
	result := m.Match("Acme Corp (Thailand)", nil, refRows("ACME CORP", "BETA LLC"))

	if result.Status != StatusMatched {
		t.Fatalf("status = %v, want matched", result.Status)
	}
	if result.Best.RowKey != "ACME CORP" {
		t.Errorf("matched %q, want ACME CORP", result.Best.RowKey)
	}
}

func TestMatchBelowThresholdIsAmbiguous(t *testing.T) {
	m := newTestMatcher()
	result := m.Match("completely different", nil, refRows("ACME-001", "ZENITH-777"))

	if result.Status == StatusMatched {
		t.Fatalf("unrelated identifier must not match, got %q at %v",
			result.Best.RowKey, result.Best.Score)
	}
}

func TestMatchEquidistantCandidatesAreAmbiguous(t *testing.T) {
	m := newTestMatcher()
	// Both rows are one substitution away from the query.
	result := m.Match("branch 1", nil, refRows("BRANCH 2", "BRANCH 3"))

	if result.Status != StatusAmbiguous {
		t.Fatalf("status = %v, want ambiguous for equidistant candidates", result.Status)
	}
	if len(result.Ranked) < 2 {
		t.Fatalf("expected ranked candidates, got %d", len(result.Ranked))
	}
	if result.Ranked[0].Score != result.Ranked[1].Score {
		t.Errorf("candidates should tie: %v vs %v", result.Ranked[0].Score, result.Ranked[1].Score)
	}
}

func TestMatchTieBreaksOnSmallestRowKey(t *testing.T) {
	m := newTestMatcher()
	// Identical duplicate rows under different keys: equal scores, the
	// lexicographically smaller key must rank first, deterministically.
	for i := 0; i < 10; i++ {
		result := m.Match("acme", nil, refRows("ZZ-ACME", "AA-ACME"))
		if result.Ranked[0].RowKey != "AA-ACME" {
			t.Fatalf("iteration %d: best key = %q, want AA-ACME", i, result.Ranked[0].RowKey)
		}
	}
}

func TestMatchSecondaryFieldsBreakTies(t *testing.T) {
	m := NewMatcher("company", []string{"amount"}, 0.15, 85, 3, nil)
	rows := []*dataset.ReferenceRow{
		{Key: "ACME CO 1", Fields: map[string]string{"company": "ACME CO 1", "amount": "100.00"}},
		{Key: "ACME CO 2", Fields: map[string]string{"company": "ACME CO 2", "amount": "250.00"}},
	}

	result := m.Match("ACME CO", map[string]string{"amount": "250.00"}, rows)
	if result.Status != StatusMatched {
		t.Fatalf("status = %v, want matched", result.Status)
	}
	if result.Best.RowKey != "ACME CO 2" {
		t.Errorf("matched %q, want ACME CO 2 (amount agrees)", result.Best.RowKey)
	}
}

func TestMatchEmptyInputs(t *testing.T) {
	m := newTestMatcher()

	if result := m.Match("", nil, refRows("ACME")); result.Status != StatusNoMatch {
		t.Errorf("empty identifier: status = %v, want no_match", result.Status)
	}
	if result := m.Match("ACME", nil, nil); result.Status != StatusNoMatch {
		t.Errorf("empty dataset: status = %v, want no_match", result.Status)
	}
}

func TestLevenshteinRatio(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"abc", "abc", 100},
		{"", "", 0},
		{"abc", "", 0},
		{"kitten", "sitten", (1 - 1.0/6) * 100},
	}
	for _, tc := range cases {
		got := levenshteinRatio(tc.a, tc.b)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("levenshteinRatio(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
