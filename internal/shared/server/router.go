package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"physics-pipeline/internal/batch"
	"physics-pipeline/internal/ledger"
	"physics-pipeline/internal/services/health"
	"physics-pipeline/internal/shared/metrics"
	"physics-pipeline/internal/shared/server/middleware"
	"physics-pipeline/internal/shared/server/respond"
)

// ProgressSource reports the state of the current run.
type ProgressSource interface {
	Snapshot() batch.ProgressSnapshot
}

// Deps are the read-only views the router exposes.
type Deps struct {
	Progress ProgressSource
	Runs     ledger.Repo
	Health   *health.Service
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
	)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		if deps.Health == nil {
			respond.OK(c, gin.H{"ok": true})
			return
		}
		status := deps.Health.Status(c.Request.Context())
		if !status.OK {
			respond.JSON(c, http.StatusServiceUnavailable, status)
			return
		}
		respond.OK(c, status)
	})
	api.GET("/progress", func(c *gin.Context) {
		if deps.Progress == nil {
			respond.Error(c, http.StatusServiceUnavailable, "unavailable", "Progress tracking is not enabled", nil)
			return
		}
		respond.OK(c, deps.Progress.Snapshot())
	})

	h := &runsHandler{repo: deps.Runs}
	api.GET("/runs", h.list)
	api.GET("/runs/:id", h.get)

	return r
}

type runsHandler struct {
	repo ledger.Repo
}

type runDetail struct {
	Run   ledger.Run          `json:"run"`
	Items []ledger.ItemRecord `json:"items"`
}

func (h *runsHandler) list(c *gin.Context) {
	if h.repo == nil {
		respond.Error(c, http.StatusServiceUnavailable, "unavailable", "Run ledger is not enabled", nil)
		return
	}
	limit := 20
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respond.Error(c, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}
	runs, err := h.repo.ListRuns(c.Request.Context(), strings.TrimSpace(c.Query("stage")), limit)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal", "Failed to list runs", nil)
		return
	}
	if runs == nil {
		runs = []ledger.Run{}
	}
	respond.OK(c, gin.H{"runs": runs})
}

func (h *runsHandler) get(c *gin.Context) {
	if h.repo == nil {
		respond.Error(c, http.StatusServiceUnavailable, "unavailable", "Run ledger is not enabled", nil)
		return
	}
	runID := c.Param("id")
	c.Set("runId", runID)

	run, err := h.repo.GetRun(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respond.Error(c, http.StatusNotFound, "not_found", "Run not found", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal", "Failed to load run", nil)
		return
	}
	items, err := h.repo.ListItems(c.Request.Context(), runID)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal", "Failed to load run items", nil)
		return
	}
	if items == nil {
		items = []ledger.ItemRecord{}
	}
	respond.OK(c, runDetail{Run: run, Items: items})
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' || strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}
