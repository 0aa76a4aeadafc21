// report.go - Run report: per-image outcomes plus the cost summary

package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/bosocmputer/doc_recon_gemini/internal/cost"
	"github.com/bosocmputer/doc_recon_gemini/internal/processor"
)

// ImageOutcome is the final state of one input image after a run.
type ImageOutcome struct {
	Image       string                     `json:"image"`
	Fingerprint string                     `json:"fingerprint,omitempty"`
	Status      string                     `json:"status"`
	CacheHit    bool                       `json:"cache_hit"`
	StaleCache  bool                       `json:"stale_cache,omitempty"`
	Identifier  string                     `json:"identifier,omitempty"`
	MatchedKey  string                     `json:"matched_key,omitempty"`
	MatchMethod string                     `json:"match_method,omitempty"`
	Score       float64                    `json:"score,omitempty"`
	Candidates  []processor.MatchCandidate `json:"candidates,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

// Counts aggregates outcome statuses for the run.
type Counts struct {
	Matched   int `json:"matched"`
	Ambiguous int `json:"ambiguous"`
	NoMatch   int `json:"no_match"`
	Failed    int `json:"failed"`
	CacheHits int `json:"cache_hits"`
}

// Report is the complete record of one reconciliation run.
type Report struct {
	RunID        string         `json:"run_id"`
	ModelVersion string         `json:"model_version"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Images       []ImageOutcome `json:"images"`
	Counts       Counts         `json:"counts"`
	Cost         cost.Summary   `json:"cost"`
}

// Finalize sorts outcomes by image name and recomputes the counters.
// Sorting by identity keeps the report byte-stable across runs regardless
// of worker completion order.
func (r *Report) Finalize() {
	sort.Slice(r.Images, func(i, j int) bool { return r.Images[i].Image < r.Images[j].Image })

	r.Counts = Counts{}
	for _, img := range r.Images {
		switch img.Status {
		case "matched":
			r.Counts.Matched++
		case "ambiguous":
			r.Counts.Ambiguous++
		case "no_match":
			r.Counts.NoMatch++
		case "failed":
			r.Counts.Failed++
		}
		if img.CacheHit {
			r.Counts.CacheHits++
		}
	}
}

// Save writes the report as indented JSON via a temp file and rename.
func (r *Report) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace report: %w", err)
	}
	return nil
}

// Load reads a previously saved report.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report: %w", err)
	}
	return &r, nil
}

// Render prints the outcome and cost tables for the operator.
func (r *Report) Render(w io.Writer) {
	outcomes := table.NewWriter()
	outcomes.SetOutputMirror(w)
	outcomes.SetStyle(table.StyleLight)
	outcomes.SetTitle(fmt.Sprintf("Run %s (%s)", r.RunID, r.ModelVersion))
	outcomes.AppendHeader(table.Row{"Image", "Status", "Method", "Cache", "Identifier", "Matched Key", "Score"})

	for _, img := range r.Images {
		cacheNote := ""
		if img.CacheHit {
			cacheNote = "hit"
			if img.StaleCache {
				cacheNote = "hit (stale)"
			}
		}
		outcomes.AppendRow(table.Row{
			img.Image, img.Status, img.MatchMethod, cacheNote, img.Identifier, img.MatchedKey,
			fmt.Sprintf("%.1f", img.Score),
		})
	}
	outcomes.AppendFooter(table.Row{
		fmt.Sprintf("%d images", len(r.Images)),
		fmt.Sprintf("%d matched / %d ambiguous / %d no match / %d failed",
			r.Counts.Matched, r.Counts.Ambiguous, r.Counts.NoMatch, r.Counts.Failed),
		"",
		fmt.Sprintf("%d hits", r.Counts.CacheHits), "", "", "",
	})
	outcomes.Render()

	fmt.Fprintln(w)
	renderCost(w, r.Cost)
}

// renderCost prints the token ledger summary grouped by operation.
func renderCost(w io.Writer, summary cost.Summary) {
	costs := table.NewWriter()
	costs.SetOutputMirror(w)
	costs.SetStyle(table.StyleLight)
	costs.SetTitle("API Cost")
	costs.AppendHeader(table.Row{"Operation", "Calls", "Input Tokens", "Output Tokens", "Cost (USD)"})

	ops := make([]string, 0, len(summary.ByOperation))
	for op := range summary.ByOperation {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	for _, op := range ops {
		s := summary.ByOperation[op]
		costs.AppendRow(table.Row{op, s.Calls, s.InputTokens, s.OutputTokens, fmt.Sprintf("$%.6f", s.CostUSD)})
	}
	costs.AppendFooter(table.Row{
		"total", summary.Calls, summary.TotalInputTokens, summary.TotalOutputTokens,
		fmt.Sprintf("$%.6f", summary.TotalCostUSD),
	})
	costs.Render()
}
