package assess

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskscore/internal/chain"
	"github.com/mbd888/riskscore/internal/logging"
	"github.com/mbd888/riskscore/internal/scoring"
	"github.com/mbd888/riskscore/internal/validation"
)

// Handler provides HTTP endpoints for assessments.
type Handler struct {
	service *Service
}

// NewHandler creates a new assessment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up assessment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/assess", h.Assess)
	r.GET("/features/:chain/:network/:identifier", h.GetFeatures)
	r.GET("/score/:chain/:network/:identifier", h.GetScore)
}

// Assess handles POST /v1/assess. A partial assessment is still a 200;
// the body says which categories were missing.
func (h *Handler) Assess(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a JSON object with identifier and chain",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("identifier", req.Identifier),
		validation.Required("chain", req.Chain),
		validation.MaxLength("identifier", req.Identifier, validation.MaxStringLength),
		validation.ValidSlug("coingecko_id", req.CoinGeckoID),
		validation.ValidSlug("defillama_slug", req.DefiLlamaSlug),
		validation.MaxLength("category", req.Category, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.Category = validation.SanitizeString(req.Category, validation.MaxStringLength)
	// Catalog keys are only assigned by the refresher.
	req.ProtocolID = ""

	rep, err := h.service.Assess(c.Request.Context(), req)
	if err != nil && !IsPartial(err) {
		writeError(c, err)
		return
	}

	resp := gin.H{"report": rep, "partial": false}
	var pe *PartialDataError
	if errors.As(err, &pe) {
		resp["partial"] = true
		resp["missing_categories"] = pe.Missing
		resp["degraded_categories"] = pe.Degraded
	}
	c.JSON(http.StatusOK, resp)
}

// GetFeatures handles GET /v1/features/:chain/:network/:identifier
func (h *Handler) GetFeatures(c *gin.Context) {
	facts, fs, err := h.service.Features(c.Request.Context(), c.Param("chain"), c.Param("network"), c.Param("identifier"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"facts": facts, "features": fs})
}

// GetScore handles GET /v1/score/:chain/:network/:identifier
func (h *Handler) GetScore(c *gin.Context) {
	fs, result, err := h.service.Score(c.Request.Context(), c.Param("chain"), c.Param("network"), c.Param("identifier"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"features":    fs,
		"score":       result,
		"explanation": scoring.Explain(result),
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chain.ErrUnsupportedChain):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_chain", "message": err.Error()})
	case errors.Is(err, chain.ErrInvalidIdentifier),
		errors.Is(err, chain.ErrInvalidNetwork),
		errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("assessment failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Assessment failed",
		})
	}
}
