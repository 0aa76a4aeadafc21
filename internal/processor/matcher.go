// matcher.go - Fuzzy identifier matching against the reference dataset

package processor

import (
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bosocmputer/doc_recon_gemini/internal/dataset"
	"github.com/bosocmputer/doc_recon_gemini/internal/logging"
)

// MatchStatus classifies the outcome of matching one extraction.
type MatchStatus string

const (
	StatusMatched   MatchStatus = "matched"
	StatusAmbiguous MatchStatus = "ambiguous"
	StatusNoMatch   MatchStatus = "no_match"
)

// MatchCandidate scores one reference row against an extraction. Ephemeral:
// computed per attempt and never persisted apart from the chosen match.
type MatchCandidate struct {
	RowKey          string             `json:"row_key"`
	Score           float64            `json:"score"`
	IdentifierScore float64            `json:"identifier_score"`
	FieldScores     map[string]float64 `json:"field_scores,omitempty"`
}

// MatchResult is the best candidate plus the full ranked list and the
// confidence classification.
type MatchResult struct {
	Best   MatchCandidate   `json:"best"`
	Ranked []MatchCandidate `json:"ranked"`
	Status MatchStatus      `json:"status"`
}

// Matcher computes composite similarity between an extracted identifier
// (with optional secondary fields) and reference rows. Scoring is fully
// deterministic: exact score ties resolve to the lexicographically smallest
// row key.
type Matcher struct {
	idColumn        string
	secondary       []string
	secondaryWeight float64
	threshold       float64
	margin          float64
	logger          *slog.Logger
}

// NewMatcher builds a matcher. secondary lists reference columns (amount,
// date, ...) blended into the composite score when the extraction carries a
// value for them; empty entries are dropped.
func NewMatcher(idColumn string, secondary []string, secondaryWeight, threshold, margin float64, logger *slog.Logger) *Matcher {
	cols := make([]string, 0, len(secondary))
	for _, col := range secondary {
		if strings.TrimSpace(col) != "" {
			cols = append(cols, col)
		}
	}
	return &Matcher{
		idColumn:        idColumn,
		secondary:       cols,
		secondaryWeight: secondaryWeight,
		threshold:       threshold,
		margin:          margin,
		logger:          logging.WithComponent(logger, "matcher"),
	}
}

// Match scores identifier (plus extracted secondary field values, keyed by
// reference column name) against every row and ranks the candidates.
func (m *Matcher) Match(identifier string, extracted map[string]string, rows []*dataset.ReferenceRow) MatchResult {
	if normalizeIdentifier(identifier) == "" {
		return MatchResult{Status: StatusNoMatch}
	}

	ranked := make([]MatchCandidate, 0, len(rows))

	for _, row := range rows {
		cand := MatchCandidate{
			RowKey:          row.Key,
			IdentifierScore: identifierSimilarity(identifier, row.Key),
		}

		fieldTotal := 0.0
		fieldCount := 0
		for _, col := range m.secondary {
			value, ok := extracted[col]
			if !ok || strings.TrimSpace(value) == "" {
				continue
			}
			score := fieldSimilarity(value, row.Fields[col])
			if cand.FieldScores == nil {
				cand.FieldScores = make(map[string]float64, len(m.secondary))
			}
			cand.FieldScores[col] = score
			fieldTotal += score
			fieldCount++
		}

		if fieldCount > 0 && m.secondaryWeight > 0 {
			avg := fieldTotal / float64(fieldCount)
			cand.Score = cand.IdentifierScore*(1-m.secondaryWeight) + avg*m.secondaryWeight
		} else {
			cand.Score = cand.IdentifierScore
		}

		ranked = append(ranked, cand)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].RowKey < ranked[j].RowKey
	})

	result := MatchResult{Ranked: ranked, Status: StatusNoMatch}
	if len(ranked) == 0 {
		return result
	}

	result.Best = ranked[0]

	switch {
	case result.Best.Score < m.threshold:
		result.Status = StatusAmbiguous
		m.logger.Debug("best candidate below threshold",
			"identifier", identifier, "best", result.Best.RowKey, "score", result.Best.Score)
	case len(ranked) > 1 && ranked[0].Score-ranked[1].Score < m.margin && ranked[0].RowKey != ranked[1].RowKey:
		result.Status = StatusAmbiguous
		m.logger.Debug("best candidates within ambiguity margin",
			"identifier", identifier, "best", ranked[0].RowKey, "second", ranked[1].RowKey)
	default:
		result.Status = StatusMatched
	}

	return result
}

var (
	nonAlnumRE      = regexp.MustCompile(`[^a-zA-Z0-9]+`)
	parentheticalRE = regexp.MustCompile(`\([^()]*\)`)
)

// identifierSimilarity scores two identifiers 0-100. Both a plain pass and a
// pass with parenthesized segments stripped are computed; the higher wins,
// so "FF1152" still lines up with "FF(G)/EF1152 (XQ4VFX100)".
func identifierSimilarity(a, b string) float64 {
	plain := levenshteinRatio(normalizeIdentifier(a), normalizeIdentifier(b))
	stripped := levenshteinRatio(
		normalizeIdentifier(stripParentheticals(a)),
		normalizeIdentifier(stripParentheticals(b)))
	return math.Max(plain, stripped)
}

// fieldSimilarity scores secondary field agreement. Numeric values compare
// exactly after parsing; everything else falls back to the normalized
// Levenshtein ratio.
func fieldSimilarity(a, b string) float64 {
	if fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64); errA == nil {
		if fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64); errB == nil {
			if fa == fb {
				return 100
			}
			return 0
		}
	}
	return levenshteinRatio(normalizeIdentifier(a), normalizeIdentifier(b))
}

// normalizeIdentifier lowercases and strips everything that is not a letter
// or digit, so case and punctuation variants score as equal.
func normalizeIdentifier(s string) string {
	return nonAlnumRE.ReplaceAllString(strings.ToLower(s), "")
}

// stripParentheticals removes parenthesized segments, innermost first, so
// nested annotations collapse fully.
func stripParentheticals(s string) string {
	for {
		next := parentheticalRE.ReplaceAllString(s, "")
		if next == s {
			return strings.TrimSpace(next)
		}
		s = next
	}
}

// levenshteinRatio converts edit distance to a 0-100 similarity.
func levenshteinRatio(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 100
	}
	maxLen := float64(maxInt(len([]rune(a)), len([]rune(b))))
	if maxLen == 0 {
		return 0
	}
	distance := float64(levenshteinDistance(a, b))
	return math.Max(0, (1.0-distance/maxLen)*100.0)
}

// levenshteinDistance computes edit distance between two strings with the
// usual dynamic program, rolling a single row to keep allocation flat.
func levenshteinDistance(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = minInt(minInt(prev[j]+1, curr[j-1]+1), prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}
