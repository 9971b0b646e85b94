// Package handler implements the HTTP endpoints.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/user/piximg-go/internal/api/middleware"
	"github.com/user/piximg-go/internal/models"
)

// envelope is the public JSON response shape.
type envelope struct {
	OK         bool             `json:"ok"`
	Code       models.ErrorCode `json:"code"`
	Data       any              `json:"data,omitempty"`
	Item       any              `json:"item,omitempty"`
	Items      any              `json:"items,omitempty"`
	NextCursor any              `json:"next_cursor,omitempty"`
	Message    string           `json:"message,omitempty"`
	Details    map[string]any   `json:"details,omitempty"`
	RequestID  string           `json:"request_id"`
}

func requestID(c *gin.Context) string {
	return c.GetString(middleware.RequestIDKey)
}

func respondData(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{OK: true, Code: models.CodeOK, Data: data, RequestID: requestID(c)})
}

func respondItem(c *gin.Context, item any) {
	c.JSON(http.StatusOK, envelope{OK: true, Code: models.CodeOK, Item: item, RequestID: requestID(c)})
}

func respondItems(c *gin.Context, items any, nextCursor any) {
	c.JSON(http.StatusOK, envelope{OK: true, Code: models.CodeOK, Items: items, NextCursor: nextCursor, RequestID: requestID(c)})
}

// respondError renders a classified error; anything unclassified becomes
// INTERNAL_ERROR with sanitized details.
func respondError(c *gin.Context, err error) {
	var apiErr *models.APIError
	if !errors.As(err, &apiErr) {
		apiErr = models.ErrInternal("internal error")
	}
	c.JSON(apiErr.HTTPStatus, envelope{
		OK:        false,
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Details:   apiErr.Details,
		RequestID: requestID(c),
	})
}
