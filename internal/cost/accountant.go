// accountant.go - Append-only token cost ledger

package cost

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bosocmputer/doc_recon_gemini/configs"
	"github.com/bosocmputer/doc_recon_gemini/internal/logging"
)

// Record is one ledger entry for one model call attempt. Records are never
// revised; failed attempts are recorded like successful ones because they
// cost tokens all the same.
type Record struct {
	CallID       string    `json:"call_id"`
	Operation    string    `json:"operation"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// OperationSummary aggregates the ledger for one operation kind.
type OperationSummary struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Summary is the run-level aggregate reported to the operator.
type Summary struct {
	Calls             int                         `json:"calls"`
	TotalInputTokens  int                         `json:"total_input_tokens"`
	TotalOutputTokens int                         `json:"total_output_tokens"`
	TotalCostUSD      float64                     `json:"total_cost_usd"`
	ByOperation       map[string]OperationSummary `json:"by_operation"`
}

// Accountant prices and records token usage. Constructed once per run and
// passed by reference; writes are serialized so concurrent workers never
// double-count or drop a record.
type Accountant struct {
	priceFor func(model string) configs.ModelPrice
	logger   *slog.Logger

	mu      sync.Mutex
	records []Record
}

// NewAccountant builds an accountant over the run's price table.
func NewAccountant(cfg *configs.Config, logger *slog.Logger) *Accountant {
	return &Accountant{
		priceFor: cfg.PriceFor,
		logger:   logging.WithComponent(logger, "cost"),
	}
}

// Record appends one ledger entry and returns it. Zero or missing usage is
// valid (some failed calls report nothing) but logged as an anomaly.
func (a *Accountant) Record(operation, model string, inputTokens, outputTokens int) Record {
	price := a.priceFor(model)

	rec := Record{
		CallID:       uuid.New().String(),
		Operation:    operation,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD: float64(inputTokens)*price.InputPerMillion/1_000_000 +
			float64(outputTokens)*price.OutputPerMillion/1_000_000,
		RecordedAt: time.Now().UTC(),
	}

	if inputTokens == 0 && outputTokens == 0 {
		a.logger.Warn("model call reported no token usage",
			"call_id", rec.CallID, "operation", operation, "model", model)
	}

	a.mu.Lock()
	a.records = append(a.records, rec)
	a.mu.Unlock()

	return rec
}

// Records returns a copy of the ledger in append order.
func (a *Accountant) Records() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, len(a.records))
	copy(out, a.records)
	return out
}

// Summary aggregates the ledger.
func (a *Accountant) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Summary{ByOperation: make(map[string]OperationSummary)}
	for _, rec := range a.records {
		s.Calls++
		s.TotalInputTokens += rec.InputTokens
		s.TotalOutputTokens += rec.OutputTokens
		s.TotalCostUSD += rec.CostUSD

		op := s.ByOperation[rec.Operation]
		op.Calls++
		op.InputTokens += rec.InputTokens
		op.OutputTokens += rec.OutputTokens
		op.CostUSD += rec.CostUSD
		s.ByOperation[rec.Operation] = op
	}
	return s
}
