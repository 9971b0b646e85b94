package handler

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/internal/secret"
)

// AdminTokenHandler manages the pixiv credential pool. Refresh tokens are
// sealed at rest; only the masked form appears in responses.
type AdminTokenHandler struct {
	tokens *repository.TokenRepository
	box    *secret.Box
}

// NewAdminTokenHandler creates an AdminTokenHandler.
func NewAdminTokenHandler(tokens *repository.TokenRepository, box *secret.Box) *AdminTokenHandler {
	return &AdminTokenHandler{tokens: tokens, box: box}
}

type createTokenRequest struct {
	Label        *string `json:"label"`
	RefreshToken string  `json:"refresh_token" binding:"required"`
	Weight       *int    `json:"weight"`
	Enabled      *bool   `json:"enabled"`
}

// Create handles POST /admin/tokens.
func (h *AdminTokenHandler) Create(c *gin.Context) {
	var req createTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.ErrBadRequest("refresh_token is required"))
		return
	}
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if req.RefreshToken == "" {
		respondError(c, models.ErrBadRequest("refresh_token is required"))
		return
	}
	weight := 10
	if req.Weight != nil {
		weight = *req.Weight
	}
	if weight < 0 || weight > 100 {
		respondError(c, models.ErrBadRequest("weight must be between 0 and 100"))
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	enc, err := h.box.Seal(req.RefreshToken)
	if err != nil {
		respondError(c, err)
		return
	}
	token, err := h.tokens.Create(c.Request.Context(), req.Label, enc, secret.Mask(req.RefreshToken), weight, enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	respondItem(c, token)
}

// List handles GET /admin/tokens.
func (h *AdminTokenHandler) List(c *gin.Context) {
	tokens, err := h.tokens.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondItems(c, tokens, nil)
}

// Get handles GET /admin/tokens/:id.
func (h *AdminTokenHandler) Get(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	token, err := h.tokens.FindByID(c.Request.Context(), id)
	if err != nil {
		respondNotFoundOr(c, err, "token not found")
		return
	}
	respondItem(c, token)
}

type updateTokenRequest struct {
	Label        *string `json:"label"`
	Enabled      *bool   `json:"enabled"`
	Weight       *int    `json:"weight"`
	RefreshToken *string `json:"refresh_token"`
}

// Update handles PATCH /admin/tokens/:id. Supplying refresh_token rotates
// the stored credential.
func (h *AdminTokenHandler) Update(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req updateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.ErrBadRequest("invalid request body"))
		return
	}
	if req.Weight != nil && (*req.Weight < 0 || *req.Weight > 100) {
		respondError(c, models.ErrBadRequest("weight must be between 0 and 100"))
		return
	}
	if err := h.tokens.Update(c.Request.Context(), id, req.Label, req.Enabled, req.Weight); err != nil {
		respondNotFoundOr(c, err, "token not found")
		return
	}
	if req.RefreshToken != nil {
		plain := strings.TrimSpace(*req.RefreshToken)
		if plain == "" {
			respondError(c, models.ErrBadRequest("refresh_token must not be empty"))
			return
		}
		enc, err := h.box.Seal(plain)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := h.tokens.RotateRefreshToken(c.Request.Context(), id, enc, secret.Mask(plain)); err != nil {
			respondNotFoundOr(c, err, "token not found")
			return
		}
	}
	token, err := h.tokens.FindByID(c.Request.Context(), id)
	if err != nil {
		respondNotFoundOr(c, err, "token not found")
		return
	}
	respondItem(c, token)
}

// Delete handles DELETE /admin/tokens/:id.
func (h *AdminTokenHandler) Delete(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.tokens.Delete(c.Request.Context(), id); err != nil {
		respondNotFoundOr(c, err, "token not found")
		return
	}
	respondData(c, gin.H{"deleted": id})
}

func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, models.ErrBadRequest("invalid " + name)
	}
	return id, nil
}

func respondNotFoundOr(c *gin.Context, err error, msg string) {
	if errors.Is(err, sql.ErrNoRows) {
		respondError(c, models.ErrNotFound(msg))
		return
	}
	respondError(c, err)
}
