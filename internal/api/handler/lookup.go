package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/user/piximg-go/internal/repository"
)

// LookupHandler serves the tag and author search endpoints.
type LookupHandler struct {
	tags *repository.TagRepository
}

// NewLookupHandler creates a LookupHandler.
func NewLookupHandler(tags *repository.TagRepository) *LookupHandler {
	return &LookupHandler{tags: tags}
}

// Tags handles GET /tags.
func (h *LookupHandler) Tags(c *gin.Context) {
	query := c.Query("q")
	after, err := int64Query(c, "after_id", 0)
	if err != nil {
		respondError(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 50, 1, 200)
	if err != nil {
		respondError(c, err)
		return
	}
	items, err := h.tags.Search(c.Request.Context(), query, after, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	var nextCursor any
	if len(items) == limit {
		nextCursor = items[len(items)-1].ID
	}
	respondItems(c, items, nextCursor)
}

// Authors handles GET /authors.
func (h *LookupHandler) Authors(c *gin.Context) {
	query := c.Query("q")
	after, err := int64Query(c, "after_id", 0)
	if err != nil {
		respondError(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 50, 1, 200)
	if err != nil {
		respondError(c, err)
		return
	}
	items, err := h.tags.Authors(c.Request.Context(), query, after, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	var nextCursor any
	if len(items) == limit {
		if v, ok := items[len(items)-1]["user_id"]; ok {
			nextCursor = v
		}
	}
	respondItems(c, items, nextCursor)
}
