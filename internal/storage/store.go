// store.go - Extraction cache contract shared by all backends

package storage

import (
	"context"
	"time"

	"github.com/bosocmputer/doc_recon_gemini/internal/ai"
)

// CacheEntry binds one extraction result to the image fingerprint it was
// produced from. ModelVersion records which model produced the result so a
// model switch can be detected without invalidating the entry.
type CacheEntry struct {
	Fingerprint  string               `json:"fingerprint" bson:"fingerprint"`
	Result       *ai.ExtractionResult `json:"result" bson:"result"`
	ModelVersion string               `json:"model_version" bson:"model_version"`
	CreatedAt    time.Time            `json:"created_at" bson:"created_at"`
}

// Stale reports whether the entry was produced by a different model than
// the one currently configured. Stale entries are still served; the run
// report flags them for the operator.
func (e *CacheEntry) Stale(currentModel string) bool {
	return e.ModelVersion != currentModel
}

// Store is the extraction cache. Get on an absent fingerprint returns
// (nil, nil); errors are reserved for backend failures.
type Store interface {
	Get(ctx context.Context, fingerprint string) (*CacheEntry, error)
	Put(ctx context.Context, entry *CacheEntry) error
	List(ctx context.Context) ([]*CacheEntry, error)
	Clear(ctx context.Context) error
	Close(ctx context.Context) error
}
