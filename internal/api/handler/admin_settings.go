package handler

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/internal/service"
)

// AdminSettingHandler manages the runtime settings store.
type AdminSettingHandler struct {
	settings    *repository.SettingRepository
	settingsSvc *service.SettingsService
}

// NewAdminSettingHandler creates an AdminSettingHandler.
func NewAdminSettingHandler(settings *repository.SettingRepository, settingsSvc *service.SettingsService) *AdminSettingHandler {
	return &AdminSettingHandler{settings: settings, settingsSvc: settingsSvc}
}

// List handles GET /admin/settings.
func (h *AdminSettingHandler) List(c *gin.Context) {
	items, err := h.settings.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondItems(c, items, nil)
}

// Get handles GET /admin/settings/:key.
func (h *AdminSettingHandler) Get(c *gin.Context) {
	setting, err := h.settings.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		respondNotFoundOr(c, err, "setting not found")
		return
	}
	respondItem(c, setting)
}

type setSettingRequest struct {
	Value json.RawMessage `json:"value" binding:"required"`
}

// Set handles PUT /admin/settings/:key. Writes go through the settings
// service so cached policy is invalidated immediately.
func (h *AdminSettingHandler) Set(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		respondError(c, models.ErrBadRequest("setting key is required"))
		return
	}
	var req setSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Value) == 0 {
		respondError(c, models.ErrBadRequest("value is required"))
		return
	}
	if err := h.settingsSvc.Set(c.Request.Context(), key, req.Value, "admin"); err != nil {
		respondError(c, err)
		return
	}
	setting, err := h.settings.Get(c.Request.Context(), key)
	if err != nil {
		respondNotFoundOr(c, err, "setting not found")
		return
	}
	respondItem(c, setting)
}

// Delete handles DELETE /admin/settings/:key.
func (h *AdminSettingHandler) Delete(c *gin.Context) {
	key := c.Param("key")
	if err := h.settings.Delete(c.Request.Context(), key); err != nil {
		respondNotFoundOr(c, err, "setting not found")
		return
	}
	h.settingsSvc.Invalidate()
	respondData(c, gin.H{"deleted": key})
}
