package catalog

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskscore/internal/assess"
	"github.com/mbd888/riskscore/internal/chain"
	"github.com/mbd888/riskscore/internal/httpcache"
	"github.com/mbd888/riskscore/internal/logging"
	"github.com/mbd888/riskscore/internal/risk"
	"github.com/mbd888/riskscore/internal/validation"
)

// Assessor runs one assessment.
type Assessor interface {
	Assess(ctx context.Context, req assess.Request) (*assess.Report, error)
}

// Handler serves the tracked protocols and their latest assessments.
type Handler struct {
	catalog  *Catalog
	assessor Assessor
	store    risk.Store
}

// NewHandler creates a protocol handler. store may be nil, in which case
// every lookup assesses on demand.
func NewHandler(catalog *Catalog, assessor Assessor, store risk.Store) *Handler {
	return &Handler{catalog: catalog, assessor: assessor, store: store}
}

// RegisterRoutes sets up protocol routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/protocols", h.ListProtocols)
	r.GET("/protocols/:id", h.GetProtocol)
}

// ProtocolSummary is a catalog entry with its latest verdict, if any.
type ProtocolSummary struct {
	Protocol
	Overall    *int       `json:"overall,omitempty"`
	RiskLevel  risk.Level `json:"risk_level,omitempty"`
	Partial    bool       `json:"partial,omitempty"`
	CycleID    string     `json:"cycle_id,omitempty"`
	ComputedAt string     `json:"computed_at,omitempty"`
}

// ListProtocols handles GET /v1/protocols?chain=
func (h *Handler) ListProtocols(c *gin.Context) {
	ctx := c.Request.Context()
	chainFilter := c.Query("chain")
	if errs := validation.Validate(
		validation.OneOf("chain", chainFilter, string(chain.Ethereum), string(chain.Hedera)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	out := make([]ProtocolSummary, 0, h.catalog.Len())
	for _, p := range h.catalog.List() {
		if chainFilter != "" && p.Chain != chainFilter {
			continue
		}
		s := ProtocolSummary{Protocol: p}
		if h.store != nil {
			if a, err := h.store.Latest(ctx, p.ID); err == nil {
				overall := a.Overall
				s.Overall = &overall
				s.RiskLevel = a.RiskLevel
				s.Partial = a.Partial
				s.CycleID = a.CycleID
				s.ComputedAt = a.ComputedAt.UTC().Format(time.RFC3339)
			}
		}
		out = append(out, s)
	}
	c.JSON(http.StatusOK, gin.H{"protocols": out, "count": len(out)})
}

// GetProtocol handles GET /v1/protocols/:id?refresh=true&history=N
func (h *Handler) GetProtocol(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := h.catalog.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Protocol not in catalog",
		})
		return
	}

	refresh, _ := strconv.ParseBool(c.DefaultQuery("refresh", "false"))
	historyLimit := 10
	if l := c.Query("history"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed >= 0 {
			historyLimit = min(parsed, 100)
		}
	}

	var latest *risk.RiskAssessment
	if !refresh && h.store != nil {
		latest, err = h.store.Latest(ctx, p.ID)
		if err != nil && !errors.Is(err, risk.ErrNotFound) {
			logging.L(ctx).Error("failed to read latest assessment", "protocol", p.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to read assessment"})
			return
		}
	}

	resp := gin.H{"protocol": p}
	if latest == nil {
		// Nothing stored yet, or the caller asked for a fresh read.
		if refresh {
			ctx = httpcache.BypassFresh(ctx)
		}
		rep, err := h.assessor.Assess(ctx, p.Request())
		if err != nil && !assess.IsPartial(err) {
			logging.L(ctx).Error("protocol assessment failed", "protocol", p.ID, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "assessment_failed", "message": err.Error()})
			return
		}
		latest = rep.Assessment
		resp["report"] = rep
	}
	resp["assessment"] = latest

	if h.store != nil && historyLimit > 0 {
		history, err := h.store.ListByKey(ctx, p.ID, historyLimit)
		if err == nil {
			resp["history"] = history
		}
	}
	c.JSON(http.StatusOK, resp)
}
