package handlers

import (
	"net/http"
	"time"

	"growthgate/internal/metrics"
	"growthgate/pkg/burnmetrics"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler serves liveness, readiness and counter exposition.
type HealthHandler struct {
	db     *gorm.DB
	source burnmetrics.Source
}

func NewHealthHandler(db *gorm.DB, source burnmetrics.Source) *HealthHandler {
	return &HealthHandler{db: db, source: source}
}

// Health is the liveness probe.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready checks the database and the metrics source.
func (h *HealthHandler) Ready(c *gin.Context) {
	checks := gin.H{}
	healthy := true

	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		checks["database"] = "down: " + err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if h.source != nil {
		if err := h.source.HealthCheck(c.Request.Context()); err != nil {
			checks["metrics_source"] = "down: " + err.Error()
			// degraded, not fatal: the evaluator fails closed on its own
		} else {
			checks["metrics_source"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"checks": checks})
}

// GetMetrics exposes the in-process counters.
func (h *HealthHandler) GetMetrics(c *gin.Context) {
	rlTotal, rlByPrefix := metrics.RateLimitSnapshot()
	freezeBlocks, dedupHits := metrics.AdmissionSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"rate_limit": gin.H{
			"dropped_total":     rlTotal,
			"dropped_by_prefix": rlByPrefix,
		},
		"launch_admission": gin.H{
			"freeze_blocks": freezeBlocks,
			"dedup_hits":    dedupHits,
		},
	})
}
