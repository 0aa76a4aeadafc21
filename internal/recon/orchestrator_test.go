package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bosocmputer/doc_recon_gemini/configs"
	"github.com/bosocmputer/doc_recon_gemini/internal/ai"
	"github.com/bosocmputer/doc_recon_gemini/internal/cost"
	"github.com/bosocmputer/doc_recon_gemini/internal/dataset"
	"github.com/bosocmputer/doc_recon_gemini/internal/processor"
	"github.com/bosocmputer/doc_recon_gemini/internal/storage"
)

// fakeExtractor returns a canned result (or error) and counts model calls.
type fakeExtractor struct {
	mu     sync.Mutex
	calls  int
	result *ai.ExtractionResult
	err    error
}

func (f *fakeExtractor) Extract(ctx context.Context, image []byte, mimeType string) (*ai.ExtractionResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := *f.result
	return &out, nil
}

func (f *fakeExtractor) ModelName() string { return "fake-model" }

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeArbiter adds identifier arbitration on top of fakeExtractor.
type fakeArbiter struct {
	fakeExtractor
	reply        string
	matchErr     error
	matchCalls   int
	gotTarget    string
	gotCandidate []string
}

func (f *fakeArbiter) MatchIdentifier(ctx context.Context, identifier string, candidates []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matchCalls++
	f.gotTarget = identifier
	f.gotCandidate = candidates
	return f.reply, f.matchErr
}

// readAnnotatedCSV loads the written output as header row plus records.
func readAnnotatedCSV(t *testing.T, path string) ([]string, [][]string) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open annotated dataset: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse annotated dataset: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("annotated dataset is empty")
	}
	return records[0], records[1:]
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

func writeImage(t *testing.T, dir, name string, seed uint8) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 60, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 60; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255 - seed, G: 255 - seed, B: 255 - seed, A: 255})
		}
	}
	for x := 5; x < 55; x++ {
		img.SetNRGBA(x, 20, color.NRGBA{R: seed, G: seed, B: seed, A: 255})
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeDataset(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "ref.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type testEnv struct {
	cfg   *configs.Config
	store storage.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	cfg := &configs.Config{
		ModelName:        "fake-model",
		ImageDir:         filepath.Join(root, "images"),
		CachePath:        filepath.Join(root, "cache.jsonl"),
		OutputPath:       filepath.Join(root, "annotated.csv"),
		ReportPath:       filepath.Join(root, "report.json"),
		IdentifierColumn: "company",
		AmountColumn:     "amount",
		DateColumn:       "date",
		MatchThreshold:   85,
		AmbiguityMargin:  3,
		SecondaryWeight:  0,
		MaxAttempts:      1,
		MaxInFlight:      2,
		Preprocess:       configs.PreprocessConfig{MaxDimension: 48},
	}
	if err := os.MkdirAll(cfg.ImageDir, 0o755); err != nil {
		t.Fatal(err)
	}

	store, err := storage.OpenJSONL(cfg.CachePath, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close(context.Background()) })

	return &testEnv{cfg: cfg, store: store}
}

func (e *testEnv) orchestrator(extractor ai.Extractor) *Orchestrator {
	pre := processor.NewPreprocessor(e.cfg.Preprocess, "", nil)
	matcher := processor.NewMatcher(e.cfg.IdentifierColumn,
		[]string{e.cfg.AmountColumn, e.cfg.DateColumn},
		e.cfg.SecondaryWeight, e.cfg.MatchThreshold, e.cfg.AmbiguityMargin, nil)
	costs := cost.NewAccountant(e.cfg, nil)
	return New(e.cfg, pre, extractor, matcher, e.store, costs, nil)
}

func loadDataset(t *testing.T, e *testEnv, content string) *dataset.Dataset {
	t.Helper()
	path := writeDataset(t, filepath.Dir(e.cfg.CachePath), content)
	ds, err := dataset.Load(path, e.cfg.IdentifierColumn, nil)
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func TestRunMatchesCaseSpaceVariant(t *testing.T) {
	env := newTestEnv(t)
	writeImage(t, env.cfg.ImageDir, "doc1.png", 10)
	ds := loadDataset(t, env, "company,amount,date\nACME-001,120.50,01/02/2026\nACME-002,99.00,02/02/2026\n")

	fake := &fakeExtractor{result: &ai.ExtractionResult{
		Identifier: "acme 001", Amount: "120.50", RawText: "acme 001",
	}}

	rep, err := env.orchestrator(fake).Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if rep.Counts.Matched != 1 {
		t.Fatalf("matched = %d, want 1 (outcomes: %+v)", rep.Counts.Matched, rep.Images)
	}
	if rep.Images[0].MatchedKey != "ACME-001" {
		t.Errorf("matched key = %q, want ACME-001", rep.Images[0].MatchedKey)
	}
	if rep.Images[0].MatchMethod != "fuzzy" {
		t.Errorf("match method = %q, want fuzzy", rep.Images[0].MatchMethod)
	}
	if fake.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", fake.callCount())
	}

	header, rows := readAnnotatedCSV(t, env.cfg.OutputPath)
	imgIdx := columnIndex(header, "matched_image")
	if imgIdx == -1 {
		t.Fatalf("annotated dataset has no matched_image column: %v", header)
	}
	var annotated bool
	for _, r := range rows {
		if r[columnIndex(header, "company")] == "ACME-001" && imgIdx < len(r) && r[imgIdx] == "doc1.png" {
			annotated = true
		}
	}
	if !annotated {
		t.Error("matched row missing its image annotation")
	}
	if _, err := os.Stat(env.cfg.ReportPath); err != nil {
		t.Errorf("run report not written: %v", err)
	}
}

func TestRunEquidistantCandidatesFlaggedAmbiguous(t *testing.T) {
	env := newTestEnv(t)
	writeImage(t, env.cfg.ImageDir, "doc1.png", 10)
	ds := loadDataset(t, env, "company,amount\nBRANCH 2,1.00\nBRANCH 3,2.00\n")

	fake := &fakeExtractor{result: &ai.ExtractionResult{Identifier: "branch 1", RawText: "branch 1"}}

	rep, err := env.orchestrator(fake).Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Counts.Ambiguous != 1 {
		t.Fatalf("ambiguous = %d, want 1 (outcomes: %+v)", rep.Counts.Ambiguous, rep.Images)
	}

	// The ambiguous extraction must not be merged into the written dataset.
	header, rows := readAnnotatedCSV(t, env.cfg.OutputPath)
	if idx := columnIndex(header, "matched_image"); idx != -1 {
		for _, r := range rows {
			if idx < len(r) && r[idx] != "" {
				t.Errorf("ambiguous match was merged: row %v", r)
			}
		}
	}
}

func TestRunSecondRunServedFromCache(t *testing.T) {
	env := newTestEnv(t)
	writeImage(t, env.cfg.ImageDir, "doc1.png", 10)
	csv := "company,amount\nACME-001,120.50\n"

	fake := &fakeExtractor{result: &ai.ExtractionResult{Identifier: "ACME-001", RawText: "x"}}

	if _, err := env.orchestrator(fake).Run(context.Background(), loadDataset(t, env, csv)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	rep, err := env.orchestrator(fake).Run(context.Background(), loadDataset(t, env, csv))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if fake.callCount() != 1 {
		t.Errorf("model calls = %d, want 1 (second run must hit the cache)", fake.callCount())
	}
	if rep.Counts.CacheHits != 1 {
		t.Errorf("cache hits = %d, want 1", rep.Counts.CacheHits)
	}
	if rep.Counts.Matched != 1 {
		t.Errorf("matched = %d, want 1", rep.Counts.Matched)
	}
}

func TestRunDuplicateImagesExtractOnce(t *testing.T) {
	env := newTestEnv(t)
	// Identical pixel content produces identical fingerprints.
	writeImage(t, env.cfg.ImageDir, "copy_a.png", 10)
	writeImage(t, env.cfg.ImageDir, "copy_b.png", 10)
	ds := loadDataset(t, env, "company,amount\nACME-001,120.50\n")

	fake := &fakeExtractor{result: &ai.ExtractionResult{Identifier: "ACME-001", RawText: "x"}}

	rep, err := env.orchestrator(fake).Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if fake.callCount() != 1 {
		t.Errorf("model calls = %d, want 1 for identical fingerprints", fake.callCount())
	}
	// Depending on scheduling the second copy either joins the in-flight
	// call or reads the cached entry; both count as cache hits.
	if rep.Counts.CacheHits < 1 {
		t.Errorf("cache hits = %d, want at least 1", rep.Counts.CacheHits)
	}
}

func TestRunExtractionFailureDoesNotAbortBatch(t *testing.T) {
	env := newTestEnv(t)
	writeImage(t, env.cfg.ImageDir, "bad.png", 10)
	ds := loadDataset(t, env, "company,amount\nACME-001,120.50\n")

	fake := &fakeExtractor{err: errors.New("model rejected payload")}

	rep, err := env.orchestrator(fake).Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("per-image failure must not fail the run: %v", err)
	}
	if rep.Counts.Failed != 1 {
		t.Fatalf("failed = %d, want 1", rep.Counts.Failed)
	}
	if rep.Images[0].Error == "" {
		t.Error("failed outcome carries no error message")
	}
}

func TestRunAmbiguityResolvedByArbitration(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.LLMMatchFallback = true
	writeImage(t, env.cfg.ImageDir, "doc1.png", 10)
	ds := loadDataset(t, env, "company,amount\nBRANCH 2,1.00\nBRANCH 3,2.00\n")

	fake := &fakeArbiter{
		fakeExtractor: fakeExtractor{result: &ai.ExtractionResult{Identifier: "branch 1", RawText: "branch 1"}},
		reply:         "BRANCH 2",
	}

	rep, err := env.orchestrator(fake).Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if rep.Counts.Matched != 1 || rep.Counts.Ambiguous != 0 {
		t.Fatalf("counts = %+v, want one matched (outcomes: %+v)", rep.Counts, rep.Images)
	}
	if rep.Images[0].MatchedKey != "BRANCH 2" {
		t.Errorf("matched key = %q, want BRANCH 2", rep.Images[0].MatchedKey)
	}
	if rep.Images[0].MatchMethod != "llm" {
		t.Errorf("match method = %q, want llm", rep.Images[0].MatchMethod)
	}
	if fake.matchCalls != 1 {
		t.Errorf("arbitration calls = %d, want 1", fake.matchCalls)
	}
	if fake.gotTarget != "branch 1" {
		t.Errorf("arbitration target = %q, want the extracted identifier", fake.gotTarget)
	}
	if len(fake.gotCandidate) != 2 {
		t.Errorf("arbitration candidates = %v, want both reference keys", fake.gotCandidate)
	}

	header, rows := readAnnotatedCSV(t, env.cfg.OutputPath)
	imgIdx := columnIndex(header, "matched_image")
	if imgIdx == -1 {
		t.Fatalf("arbitrated match not merged, header: %v", header)
	}
	var annotated bool
	for _, r := range rows {
		if r[0] == "BRANCH 2" && imgIdx < len(r) && r[imgIdx] == "doc1.png" {
			annotated = true
		}
	}
	if !annotated {
		t.Error("arbitrated row missing its image annotation")
	}
}

func TestRunArbitrationRejectsUnlistedCandidate(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.LLMMatchFallback = true
	writeImage(t, env.cfg.ImageDir, "doc1.png", 10)
	ds := loadDataset(t, env, "company,amount\nBRANCH 2,1.00\nBRANCH 3,2.00\n")

	// A reply outside the candidate list must not be trusted.
	fake := &fakeArbiter{
		fakeExtractor: fakeExtractor{result: &ai.ExtractionResult{Identifier: "branch 1", RawText: "branch 1"}},
		reply:         "BRANCH 9",
	}

	rep, err := env.orchestrator(fake).Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Counts.Ambiguous != 1 {
		t.Fatalf("ambiguous = %d, want 1 (outcomes: %+v)", rep.Counts.Ambiguous, rep.Images)
	}
}

func TestRunArbitrationFailureKeepsAmbiguous(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.LLMMatchFallback = true
	writeImage(t, env.cfg.ImageDir, "doc1.png", 10)
	ds := loadDataset(t, env, "company,amount\nBRANCH 2,1.00\nBRANCH 3,2.00\n")

	fake := &fakeArbiter{
		fakeExtractor: fakeExtractor{result: &ai.ExtractionResult{Identifier: "branch 1", RawText: "branch 1"}},
		matchErr:      errors.New("model unavailable"),
	}

	rep, err := env.orchestrator(fake).Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("arbitration failure must not fail the run: %v", err)
	}
	if rep.Counts.Ambiguous != 1 {
		t.Fatalf("ambiguous = %d, want 1 (outcomes: %+v)", rep.Counts.Ambiguous, rep.Images)
	}
}

func TestRunArbitrationDisabledByConfig(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.LLMMatchFallback = false
	writeImage(t, env.cfg.ImageDir, "doc1.png", 10)
	ds := loadDataset(t, env, "company,amount\nBRANCH 2,1.00\nBRANCH 3,2.00\n")

	fake := &fakeArbiter{
		fakeExtractor: fakeExtractor{result: &ai.ExtractionResult{Identifier: "branch 1", RawText: "branch 1"}},
		reply:         "BRANCH 2",
	}

	rep, err := env.orchestrator(fake).Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if fake.matchCalls != 0 {
		t.Errorf("arbitration calls = %d, want 0 when disabled", fake.matchCalls)
	}
	if rep.Counts.Ambiguous != 1 {
		t.Errorf("ambiguous = %d, want 1", rep.Counts.Ambiguous)
	}
}

func TestRunStaleCacheEntryFlagged(t *testing.T) {
	env := newTestEnv(t)
	writeImage(t, env.cfg.ImageDir, "doc1.png", 10)
	csv := "company,amount\nACME-001,120.50\n"

	// Seed the cache under a different model version.
	pre := processor.NewPreprocessor(env.cfg.Preprocess, "", nil)
	processed, err := pre.Process(filepath.Join(env.cfg.ImageDir, "doc1.png"))
	if err != nil {
		t.Fatal(err)
	}
	seed := &storage.CacheEntry{
		Fingerprint:  processed.Fingerprint,
		Result:       &ai.ExtractionResult{Identifier: "ACME-001", RawText: "x"},
		ModelVersion: "older-model",
	}
	if err := env.store.Put(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	fake := &fakeExtractor{result: &ai.ExtractionResult{Identifier: "ACME-001", RawText: "x"}}
	rep, err := env.orchestrator(fake).Run(context.Background(), loadDataset(t, env, csv))
	if err != nil {
		t.Fatal(err)
	}

	if fake.callCount() != 0 {
		t.Errorf("model calls = %d, want 0 (stale entries are served, not recomputed)", fake.callCount())
	}
	if !rep.Images[0].StaleCache {
		t.Error("stale cache entry not flagged in the report")
	}
}
