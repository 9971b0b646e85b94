package testutil

import (
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewTestLogger returns a logger that discards everything.
func NewTestLogger() *zap.Logger {
	return zap.NewNop()
}

// NewTestContext returns a gin context backed by a response recorder, for
// exercising handlers without a running server.
func NewTestContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	return c, w
}
