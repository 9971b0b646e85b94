package handler

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/internal/version"
)

// StatusHandler serves health and operational counters.
type StatusHandler struct {
	db      *sql.DB
	jobs    *repository.JobRepository
	tokens  *repository.TokenRepository
	started time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(db *sql.DB, jobs *repository.JobRepository, tokens *repository.TokenRepository) *StatusHandler {
	return &StatusHandler{db: db, jobs: jobs, tokens: tokens, started: time.Now().UTC()}
}

// Healthz handles GET /healthz: a cheap liveness probe that also pings the
// database.
func (h *StatusHandler) Healthz(c *gin.Context) {
	if err := h.db.PingContext(c.Request.Context()); err != nil {
		c.String(http.StatusServiceUnavailable, "db unavailable")
		return
	}
	c.String(http.StatusOK, "ok")
}

// Version handles GET /version.
func (h *StatusHandler) Version(c *gin.Context) {
	respondData(c, gin.H{
		"version":    version.Short(),
		"git_commit": version.GitCommit,
		"build_time": version.BuildTime,
		"info":       version.Info(),
	})
}

// Docs handles GET /docs: a machine-readable summary of the public surface.
func (h *StatusHandler) Docs(c *gin.Context) {
	respondData(c, gin.H{
		"service": "piximg",
		"version": version.Short(),
		"endpoints": []gin.H{
			{"method": "GET", "path": "/random", "description": "redirect or stream a random image; filter with tag, author, orientation, ai_type, min_width, min_height"},
			{"method": "GET", "path": "/i/{id}.{ext}", "description": "stream one image by internal id"},
			{"method": "GET", "path": "/{illust_id}.{ext}", "description": "legacy: stream page 0 of an illustration"},
			{"method": "GET", "path": "/{illust_id}-{page}.{ext}", "description": "legacy: stream one page of an illustration"},
			{"method": "GET", "path": "/images", "description": "list image metadata with the same filters as /random"},
			{"method": "GET", "path": "/images/{id}", "description": "metadata for one image"},
			{"method": "GET", "path": "/tags", "description": "tag lookup with counts"},
			{"method": "GET", "path": "/authors", "description": "author lookup with counts"},
			{"method": "GET", "path": "/healthz", "description": "liveness"},
			{"method": "GET", "path": "/status", "description": "operational counters"},
			{"method": "GET", "path": "/version", "description": "build information"},
		},
	})
}

// Wtf handles GET /wtf: a plain-text pointer for people who land on the
// service without context.
func (h *StatusHandler) Wtf(c *gin.Context) {
	c.String(http.StatusOK,
		"This is piximg, an image relay. It mirrors and serves Pixiv artwork\n"+
			"through rotating upstream proxies. Try GET /random for a random image,\n"+
			"or GET /docs for the full endpoint list.\n")
}

// Status handles GET /status and GET /status.json.
func (h *StatusHandler) Status(c *gin.Context) {
	jobCounts, err := h.jobs.CountByStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	tokenCount, err := h.tokens.CountEnabled(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, gin.H{
		"version":        version.Short(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"jobs":           jobCounts,
		"tokens_enabled": tokenCount,
	})
}
