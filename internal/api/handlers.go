// handlers.go - Read-only HTTP endpoints for reviewing run results

package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bosocmputer/doc_recon_gemini/configs"
	"github.com/bosocmputer/doc_recon_gemini/internal/logging"
	"github.com/bosocmputer/doc_recon_gemini/internal/report"
	"github.com/bosocmputer/doc_recon_gemini/internal/storage"
)

// Server exposes the latest run report and the extraction cache for review.
// All endpoints are read-only; runs happen through the CLI, not over HTTP.
type Server struct {
	cfg    *configs.Config
	store  storage.Store
	logger *slog.Logger
}

// NewServer builds the review server over the configured cache backend.
func NewServer(cfg *configs.Config, store storage.Store, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		logger: logging.WithComponent(logger, "api"),
	}
}

// Router assembles the gin engine with all review routes.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/health", s.health)

	v1 := router.Group("/api/v1")
	v1.GET("/report", s.getReport)
	v1.GET("/report/ambiguous", s.getAmbiguous)
	v1.GET("/cost", s.getCost)
	v1.GET("/cache", s.listCache)
	v1.GET("/cache/:fingerprint", s.getCacheEntry)

	return router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "doc-recon",
		"model":   s.cfg.ActiveModelName(),
	})
}

// loadReport reads the report fresh per request so the server always shows
// the latest completed run without a restart.
func (s *Server) loadReport(c *gin.Context) *report.Report {
	rep, err := report.Load(s.cfg.ReportPath)
	if err != nil {
		s.logger.Error("loading run report failed", "path", s.cfg.ReportPath, "error", err)
		c.JSON(http.StatusNotFound, gin.H{"error": "no run report available"})
		return nil
	}
	return rep
}

func (s *Server) getReport(c *gin.Context) {
	if rep := s.loadReport(c); rep != nil {
		c.JSON(http.StatusOK, rep)
	}
}

// getAmbiguous returns the review queue: images whose best match was below
// threshold or within the ambiguity margin of the runner-up.
func (s *Server) getAmbiguous(c *gin.Context) {
	rep := s.loadReport(c)
	if rep == nil {
		return
	}
	queue := make([]report.ImageOutcome, 0)
	for _, img := range rep.Images {
		if img.Status == "ambiguous" {
			queue = append(queue, img)
		}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": rep.RunID, "count": len(queue), "images": queue})
}

func (s *Server) getCost(c *gin.Context) {
	rep := s.loadReport(c)
	if rep == nil {
		return
	}
	c.JSON(http.StatusOK, rep.Cost)
}

// cacheEntryView trims the raw model response out of listings.
type cacheEntryView struct {
	Fingerprint  string `json:"fingerprint"`
	Identifier   string `json:"identifier"`
	ModelVersion string `json:"model_version"`
	Stale        bool   `json:"stale"`
	CreatedAt    string `json:"created_at"`
}

func (s *Server) listCache(c *gin.Context) {
	entries, err := s.store.List(c.Request.Context())
	if err != nil {
		s.logger.Error("listing cache failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache unavailable"})
		return
	}

	views := make([]cacheEntryView, 0, len(entries))
	for _, entry := range entries {
		view := cacheEntryView{
			Fingerprint:  entry.Fingerprint,
			ModelVersion: entry.ModelVersion,
			Stale:        entry.Stale(s.cfg.ActiveModelName()),
			CreatedAt:    entry.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if entry.Result != nil {
			view.Identifier = entry.Result.Identifier
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(views), "entries": views})
}

func (s *Server) getCacheEntry(c *gin.Context) {
	fingerprint := c.Param("fingerprint")
	entry, err := s.store.Get(c.Request.Context(), fingerprint)
	if err != nil {
		s.logger.Error("cache lookup failed", "fingerprint", fingerprint, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache unavailable"})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "fingerprint not cached"})
		return
	}
	c.JSON(http.StatusOK, entry)
}
