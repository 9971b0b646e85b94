package handler

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/piximg-go/internal/api/middleware"
	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
)

// AdminAPIKeyHandler manages public API credentials.
type AdminAPIKeyHandler struct {
	keys *repository.APIKeyRepository
}

// NewAdminAPIKeyHandler creates an AdminAPIKeyHandler.
func NewAdminAPIKeyHandler(keys *repository.APIKeyRepository) *AdminAPIKeyHandler {
	return &AdminAPIKeyHandler{keys: keys}
}

type createAPIKeyRequest struct {
	Name      string     `json:"name" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Create handles POST /admin/api-keys. The plaintext key appears in this
// response only; storage keeps the hash and a display prefix.
func (h *AdminAPIKeyHandler) Create(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		respondError(c, models.ErrBadRequest("name is required"))
		return
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now().UTC()) {
		respondError(c, models.ErrBadRequest("expires_at must be in the future"))
		return
	}

	plaintext, err := generateKey()
	if err != nil {
		respondError(c, err)
		return
	}
	prefix := plaintext[:11] // "pk_" plus eight hex chars

	key, err := h.keys.Create(c.Request.Context(), middleware.HashKey(plaintext), prefix, strings.TrimSpace(req.Name), req.ExpiresAt)
	if err != nil {
		respondError(c, err)
		return
	}
	key.KeyFull = plaintext
	respondItem(c, key)
}

// List handles GET /admin/api-keys.
func (h *AdminAPIKeyHandler) List(c *gin.Context) {
	keys, err := h.keys.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondItems(c, keys, nil)
}

// SetActive handles PATCH /admin/api-keys/:id.
func (h *AdminAPIKeyHandler) SetActive(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.ErrBadRequest("invalid request body"))
		return
	}
	if err := h.keys.SetActive(c.Request.Context(), id, req.Enabled); err != nil {
		respondNotFoundOr(c, err, "api key not found")
		return
	}
	key, err := h.keys.FindByID(c.Request.Context(), id)
	if err != nil {
		respondNotFoundOr(c, err, "api key not found")
		return
	}
	respondItem(c, key)
}

// Delete handles DELETE /admin/api-keys/:id.
func (h *AdminAPIKeyHandler) Delete(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.keys.Delete(c.Request.Context(), id); err != nil {
		respondNotFoundOr(c, err, "api key not found")
		return
	}
	respondData(c, gin.H{"deleted": id})
}

func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return "pk_" + hex.EncodeToString(buf), nil
}
