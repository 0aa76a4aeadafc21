// orchestrator.go - Drives each image through the reconciliation pipeline

package recon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bosocmputer/doc_recon_gemini/configs"
	"github.com/bosocmputer/doc_recon_gemini/internal/ai"
	"github.com/bosocmputer/doc_recon_gemini/internal/cost"
	"github.com/bosocmputer/doc_recon_gemini/internal/dataset"
	"github.com/bosocmputer/doc_recon_gemini/internal/logging"
	"github.com/bosocmputer/doc_recon_gemini/internal/processor"
	"github.com/bosocmputer/doc_recon_gemini/internal/report"
	"github.com/bosocmputer/doc_recon_gemini/internal/storage"
)

// State is the lifecycle stage of one image inside a run.
type State string

const (
	StatePending      State = "pending"
	StatePreprocessed State = "preprocessed"
	StateCacheHit     State = "cache_hit"
	StateExtracting   State = "extracting"
	StateMatched      State = "matched"
	StateMerged       State = "merged"
	StateFailed       State = "failed"
)

// Outcome status values used in the run report.
const (
	statusMatched   = "matched"
	statusAmbiguous = "ambiguous"
	statusNoMatch   = "no_match"
	statusFailed    = "failed"
)

// Match method values: how a matched outcome was decided.
const (
	methodFuzzy = "fuzzy"
	methodLLM   = "llm"
)

// Orchestrator wires the preprocessing, cache, extraction and matching
// stages together and fans images out over a bounded worker pool.
type Orchestrator struct {
	cfg       *configs.Config
	pre       *processor.Preprocessor
	extractor ai.Extractor
	matcher   *processor.Matcher
	store     storage.Store
	costs     *cost.Accountant
	logger    *slog.Logger

	// flights collapses concurrent extractions of the same fingerprint so
	// duplicate images cost exactly one model call.
	flights singleflight.Group

	// rows is the reference dataset snapshot for the current run; read-only
	// while workers are in flight.
	rows []*dataset.ReferenceRow
}

// New builds an orchestrator over already-constructed stages.
func New(cfg *configs.Config, pre *processor.Preprocessor, extractor ai.Extractor,
	matcher *processor.Matcher, store storage.Store, costs *cost.Accountant,
	logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		pre:       pre,
		extractor: extractor,
		matcher:   matcher,
		store:     store,
		costs:     costs,
		logger:    logging.WithComponent(logger, "recon"),
	}
}

// imageResult is the full per-image result, of which report.ImageOutcome is
// the externally visible part.
type imageResult struct {
	outcome    report.ImageOutcome
	extraction *ai.ExtractionResult
	matchedKey string
}

// Run processes every image in the configured directory against the
// reference dataset, writes the annotated CSV and the run report, and
// returns the report. Per-image failures land in the report; Run itself
// fails only when the run cannot proceed at all.
func (o *Orchestrator) Run(ctx context.Context, ds *dataset.Dataset) (*report.Report, error) {
	images, err := o.listImages()
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no images found in %s", o.cfg.ImageDir)
	}

	o.rows = ds.Rows

	rep := &report.Report{
		RunID:        uuid.New().String(),
		ModelVersion: o.extractor.ModelName(),
		StartedAt:    time.Now().UTC(),
	}
	o.logger.Info("run started",
		"run_id", rep.RunID, "images", len(images), "model", rep.ModelVersion,
		"workers", o.cfg.MaxInFlight)

	results := make([]imageResult, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxInFlight)
	for i, path := range images {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = o.processImage(gctx, path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("run canceled: %w", err)
	}

	// Merge sequentially in image-name order so the annotated CSV is
	// identical across runs regardless of worker completion order.
	sort.Slice(results, func(i, j int) bool { return results[i].outcome.Image < results[j].outcome.Image })
	for i := range results {
		res := &results[i]
		rep.Images = append(rep.Images, res.outcome)
		if res.outcome.Status != statusMatched {
			continue
		}
		err := ds.Annotate(res.matchedKey, map[string]string{
			"matched_image":        res.outcome.Image,
			"extracted_identifier": res.extraction.Identifier,
			"extracted_amount":     res.extraction.Amount,
			"extracted_date":       res.extraction.Date,
			"match_score":          fmt.Sprintf("%.1f", res.outcome.Score),
		})
		if err != nil {
			o.logger.Error("annotating matched row failed",
				"image", res.outcome.Image, "row", res.matchedKey, "error", err)
			continue
		}
		o.logger.Debug("image state", "image", res.outcome.Image, "state", StateMerged)
	}

	if err := ds.WriteCSV(o.cfg.OutputPath); err != nil {
		return nil, fmt.Errorf("write annotated dataset: %w", err)
	}

	rep.Cost = o.costs.Summary()
	rep.FinishedAt = time.Now().UTC()
	rep.Finalize()
	if err := rep.Save(o.cfg.ReportPath); err != nil {
		return nil, fmt.Errorf("write run report: %w", err)
	}

	o.logger.Info("run finished",
		"run_id", rep.RunID,
		"matched", rep.Counts.Matched, "ambiguous", rep.Counts.Ambiguous,
		"no_match", rep.Counts.NoMatch, "failed", rep.Counts.Failed,
		"cache_hits", rep.Counts.CacheHits,
		"cost_usd", rep.Cost.TotalCostUSD)
	return rep, nil
}

// listImages returns the run's input images sorted by name.
func (o *Orchestrator) listImages() ([]string, error) {
	entries, err := os.ReadDir(o.cfg.ImageDir)
	if err != nil {
		return nil, fmt.Errorf("read image directory: %w", err)
	}

	var images []string
	for _, entry := range entries {
		if entry.IsDir() || !processor.IsImageFile(entry.Name()) {
			continue
		}
		images = append(images, filepath.Join(o.cfg.ImageDir, entry.Name()))
	}
	sort.Strings(images)
	return images, nil
}

// processImage runs one image through preprocess, cache or extract, and
// match. Failures at any stage produce a failed outcome, never an error:
// one bad image must not sink the batch.
func (o *Orchestrator) processImage(ctx context.Context, path string) imageResult {
	name := filepath.Base(path)
	logger := o.logger.With("image", name)
	res := imageResult{outcome: report.ImageOutcome{Image: name, Status: statusFailed}}

	logger.Debug("image state", "state", StatePending)

	processed, err := o.pre.Process(path)
	if err != nil {
		logger.Error("preprocessing failed", "error", err)
		res.outcome.Error = err.Error()
		return res
	}
	res.outcome.Fingerprint = processed.Fingerprint
	logger.Debug("image state", "state", StatePreprocessed, "fingerprint", processed.Fingerprint)

	extraction, cacheHit, stale, err := o.extract(ctx, processed, logger)
	if err != nil {
		logger.Error("extraction failed", "error", err)
		res.outcome.Error = err.Error()
		return res
	}
	res.extraction = extraction
	res.outcome.CacheHit = cacheHit
	res.outcome.StaleCache = stale
	res.outcome.Identifier = extraction.Identifier

	match := o.matcher.Match(extraction.Identifier,
		extraction.SecondaryFields(o.cfg.AmountColumn, o.cfg.DateColumn),
		o.datasetRows())
	res.outcome.Candidates = match.Ranked

	switch match.Status {
	case processor.StatusMatched:
		res.outcome.Status = statusMatched
		res.outcome.MatchMethod = methodFuzzy
		res.matchedKey = match.Best.RowKey
		res.outcome.MatchedKey = match.Best.RowKey
		res.outcome.Score = match.Best.Score
		logger.Debug("image state", "state", StateMatched,
			"row", match.Best.RowKey, "score", match.Best.Score)
	case processor.StatusAmbiguous:
		if resolved := o.arbitrate(ctx, extraction.Identifier, match, logger); resolved != nil {
			res.outcome.Status = statusMatched
			res.outcome.MatchMethod = methodLLM
			res.matchedKey = resolved.RowKey
			res.outcome.MatchedKey = resolved.RowKey
			res.outcome.Score = resolved.Score
			logger.Debug("image state", "state", StateMatched,
				"row", resolved.RowKey, "score", resolved.Score)
			break
		}
		res.outcome.Status = statusAmbiguous
		if len(match.Ranked) > 0 {
			res.outcome.MatchedKey = match.Best.RowKey
			res.outcome.Score = match.Best.Score
		}
		logger.Warn("ambiguous match", "identifier", extraction.Identifier)
	default:
		res.outcome.Status = statusNoMatch
		logger.Warn("no reference row matched", "identifier", extraction.Identifier)
	}
	return res
}

// arbitrate hands an ambiguous identifier to the model, when the provider
// supports it and the fallback is enabled. It returns the candidate the
// model picked, or nil when arbitration is unavailable, declined or failed.
// The model's answer is only trusted if it names a ranked candidate.
func (o *Orchestrator) arbitrate(ctx context.Context, identifier string,
	match processor.MatchResult, logger *slog.Logger) *processor.MatchCandidate {

	if !o.cfg.LLMMatchFallback || len(match.Ranked) == 0 {
		return nil
	}
	im, ok := o.extractor.(ai.IdentifierMatcher)
	if !ok {
		return nil
	}

	candidates := make([]string, len(match.Ranked))
	for i, c := range match.Ranked {
		candidates[i] = c.RowKey
	}

	chosen, err := im.MatchIdentifier(ctx, identifier, candidates)
	if err != nil {
		logger.Warn("identifier arbitration failed", "error", err)
		return nil
	}
	if chosen == "" {
		logger.Debug("identifier arbitration declined", "identifier", identifier)
		return nil
	}
	for i := range match.Ranked {
		if match.Ranked[i].RowKey == chosen {
			logger.Info("identifier arbitrated",
				"identifier", identifier, "row", chosen)
			return &match.Ranked[i]
		}
	}
	logger.Warn("arbitration returned a string outside the candidate list",
		"identifier", identifier, "returned", chosen)
	return nil
}

// flightResult is what one deduplicated extraction returns.
type flightResult struct {
	extraction *ai.ExtractionResult
	cacheHit   bool
	stale      bool
}

// extract serves the extraction from cache when possible, otherwise calls
// the model and caches the result. Calls for the same fingerprint are
// collapsed, so a fingerprint is extracted at most once per run.
func (o *Orchestrator) extract(ctx context.Context, processed *processor.Processed,
	logger *slog.Logger) (*ai.ExtractionResult, bool, bool, error) {

	v, err, shared := o.flights.Do(processed.Fingerprint, func() (interface{}, error) {
		if entry, err := o.store.Get(ctx, processed.Fingerprint); err != nil {
			logger.Warn("cache lookup failed, extracting anyway", "error", err)
		} else if entry != nil {
			stale := entry.Stale(o.extractor.ModelName())
			if stale {
				logger.Warn("serving cache entry from a different model",
					"cached_model", entry.ModelVersion, "current_model", o.extractor.ModelName())
			}
			logger.Debug("image state", "state", StateCacheHit)
			return &flightResult{extraction: entry.Result, cacheHit: true, stale: stale}, nil
		}

		logger.Debug("image state", "state", StateExtracting)
		extraction, err := o.extractor.Extract(ctx, processed.Bytes, processed.MIMEType)
		if err != nil {
			return nil, err
		}

		entry := &storage.CacheEntry{
			Fingerprint:  processed.Fingerprint,
			Result:       extraction,
			ModelVersion: o.extractor.ModelName(),
			CreatedAt:    time.Now().UTC(),
		}
		if err := o.store.Put(ctx, entry); err != nil {
			logger.Error("caching extraction failed", "error", err)
		}
		return &flightResult{extraction: extraction}, nil
	})
	if err != nil {
		return nil, false, false, err
	}

	fr := v.(*flightResult)
	// A shared result means this image rode along on another image's model
	// call for the same fingerprint, which is a cache hit from its view.
	return fr.extraction, fr.cacheHit || shared, fr.stale, nil
}

// datasetRows returns the reference rows for the current run.
func (o *Orchestrator) datasetRows() []*dataset.ReferenceRow {
	return o.rows
}
