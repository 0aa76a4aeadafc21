// interface.go - Extractor interface for supporting multiple AI providers

package ai

import (
	"context"
	"strings"
)

// ExtractionResult is the structured output of one successful extraction.
// The field set is fixed by the response schema sent to the model.
type ExtractionResult struct {
	Identifier  string `json:"identifier"`
	Amount      string `json:"amount"`
	Date        string `json:"date"`
	RawText     string `json:"raw_text"`
	Model       string `json:"model"`
	RawResponse string `json:"raw_response,omitempty"`
}

// SecondaryFields returns the non-identifier fields keyed by the reference
// dataset columns they should be compared against. Empty values are omitted.
func (r *ExtractionResult) SecondaryFields(amountColumn, dateColumn string) map[string]string {
	fields := make(map[string]string, 2)
	if v := strings.TrimSpace(r.Amount); v != "" && amountColumn != "" {
		fields[amountColumn] = v
	}
	if v := strings.TrimSpace(r.Date); v != "" && dateColumn != "" {
		fields[dateColumn] = v
	}
	return fields
}

// Extractor pulls structured fields out of one preprocessed document image.
// Implementations classify failures as transient or permanent via
// ExtractionError and report every attempt's token usage to the cost ledger,
// including failed attempts.
type Extractor interface {
	// Extract sends the image bytes to the model and parses the response.
	Extract(ctx context.Context, image []byte, mimeType string) (*ExtractionResult, error)

	// ModelName returns the concrete model identifier, used for cache
	// staleness checks and cost attribution.
	ModelName() string
}

// IdentifierMatcher is the optional second stage a provider can offer: a
// text-only model call that arbitrates an identifier the fuzzy matcher
// could not settle. It returns the chosen candidate verbatim, or "" when
// the model declines to pick one. Callers must not trust the returned
// string beyond membership in the candidate list they supplied.
type IdentifierMatcher interface {
	MatchIdentifier(ctx context.Context, identifier string, candidates []string) (string, error)
}
