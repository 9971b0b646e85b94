package handler

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/internal/service"
)

// AdminBindingHandler manages token-to-proxy bindings within a pool.
type AdminBindingHandler struct {
	bindings   *repository.BindingRepository
	bindingSvc *service.BindingService
	breaker    *service.ProxyBreaker
}

// NewAdminBindingHandler creates an AdminBindingHandler.
func NewAdminBindingHandler(bindings *repository.BindingRepository, bindingSvc *service.BindingService, breaker *service.ProxyBreaker) *AdminBindingHandler {
	return &AdminBindingHandler{bindings: bindings, bindingSvc: bindingSvc, breaker: breaker}
}

// bindingView adds the effective routing decision to the stored row.
type bindingView struct {
	*models.TokenProxyBinding
	EffectiveProxyID int64  `json:"effective_proxy_id"`
	EffectiveMode    string `json:"effective_mode"`
}

// List handles GET /admin/proxy-pools/:id/bindings.
func (h *AdminBindingHandler) List(c *gin.Context) {
	poolID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	rows, err := h.bindings.ListByPool(c.Request.Context(), poolID)
	if err != nil {
		respondError(c, err)
		return
	}
	now := time.Now().UTC()
	views := make([]bindingView, 0, len(rows))
	for _, b := range rows {
		proxyID, mode := b.EffectiveProxyID(now)
		views = append(views, bindingView{TokenProxyBinding: b, EffectiveProxyID: proxyID, EffectiveMode: mode})
	}
	respondItems(c, views, nil)
}

type recomputeRequest struct {
	MaxTokensPerProxy int  `json:"max_tokens_per_proxy" binding:"required"`
	Strict            bool `json:"strict"`
}

// Recompute handles POST /admin/proxy-pools/:id/bindings/recompute.
func (h *AdminBindingHandler) Recompute(c *gin.Context) {
	poolID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req recomputeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MaxTokensPerProxy < 1 {
		respondError(c, models.ErrBadRequest("max_tokens_per_proxy must be at least 1"))
		return
	}
	result, err := h.bindingSvc.Recompute(c.Request.Context(), poolID, req.MaxTokensPerProxy, req.Strict)
	if err != nil {
		var capErr *service.CapacityError
		if errors.As(err, &capErr) {
			respondError(c, models.ErrBadRequest("pool capacity exceeded").WithDetails(map[string]any{
				"token_count": capErr.TokenCount,
				"capacity":    capErr.Capacity,
			}))
			return
		}
		respondError(c, err)
		return
	}
	respondData(c, result)
}

type overrideRequest struct {
	TokenID    int64 `json:"token_id" binding:"required"`
	EndpointID int64 `json:"endpoint_id" binding:"required"`
}

// SetOverride handles POST /admin/proxy-pools/:id/bindings/override: pins a
// token to an endpoint for the override TTL.
func (h *AdminBindingHandler) SetOverride(c *gin.Context) {
	poolID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TokenID <= 0 || req.EndpointID <= 0 {
		respondError(c, models.ErrBadRequest("token_id and endpoint_id are required"))
		return
	}
	h.breaker.SetOverride(c.Request.Context(), req.TokenID, poolID, req.EndpointID, time.Now().UTC())
	binding, err := h.bindings.Find(c.Request.Context(), req.TokenID, poolID)
	if err != nil {
		respondNotFoundOr(c, err, "binding not found")
		return
	}
	respondItem(c, binding)
}

// ClearOverride handles DELETE /admin/proxy-pools/:id/bindings/override/:token_id.
func (h *AdminBindingHandler) ClearOverride(c *gin.Context) {
	poolID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	tokenID, err := pathID(c, "token_id")
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.bindings.ClearOverride(c.Request.Context(), tokenID, poolID); err != nil {
		respondNotFoundOr(c, err, "binding not found")
		return
	}
	respondData(c, gin.H{"token_id": tokenID, "pool_id": poolID})
}
