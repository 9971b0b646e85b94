package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/user/piximg-go/internal/repository"
)

// AdminJobHandler exposes the durable job queue.
type AdminJobHandler struct {
	jobs *repository.JobRepository
}

// NewAdminJobHandler creates an AdminJobHandler.
func NewAdminJobHandler(jobs *repository.JobRepository) *AdminJobHandler {
	return &AdminJobHandler{jobs: jobs}
}

// List handles GET /admin/jobs with optional status and type filters.
func (h *AdminJobHandler) List(c *gin.Context) {
	limit, err := intQuery(c, "limit", 50, 1, 200)
	if err != nil {
		respondError(c, err)
		return
	}
	offset, err := intQuery(c, "offset", 0, 0, 1<<20)
	if err != nil {
		respondError(c, err)
		return
	}
	jobs, err := h.jobs.List(c.Request.Context(), c.Query("status"), c.Query("type"), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	respondItems(c, jobs, nil)
}

// Stats handles GET /admin/jobs/stats.
func (h *AdminJobHandler) Stats(c *gin.Context) {
	counts, err := h.jobs.CountByStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, counts)
}

// Get handles GET /admin/jobs/:id.
func (h *AdminJobHandler) Get(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	job, err := h.jobs.FindByID(c.Request.Context(), id)
	if err != nil {
		respondNotFoundOr(c, err, "job not found")
		return
	}
	respondItem(c, job)
}

// Cancel handles POST /admin/jobs/:id/cancel. Running jobs are marked; the
// worker observes cancellation at the next claim boundary.
func (h *AdminJobHandler) Cancel(c *gin.Context) {
	h.transition(c, h.jobs.Cancel)
}

// Pause handles POST /admin/jobs/:id/pause.
func (h *AdminJobHandler) Pause(c *gin.Context) {
	h.transition(c, h.jobs.Pause)
}

// Resume handles POST /admin/jobs/:id/resume: returns a paused job to the
// queue.
func (h *AdminJobHandler) Resume(c *gin.Context) {
	h.transition(c, h.jobs.Resume)
}

// Retry handles POST /admin/jobs/:id/retry: re-queues a failed, canceled or
// dead-lettered job with its attempt count reset.
func (h *AdminJobHandler) Retry(c *gin.Context) {
	h.transition(c, h.jobs.Retry)
}

func (h *AdminJobHandler) transition(c *gin.Context, op func(ctx context.Context, id int64) error) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	if err := op(c.Request.Context(), id); err != nil {
		respondNotFoundOr(c, err, "job not found or not in a valid state")
		return
	}
	job, err := h.jobs.FindByID(c.Request.Context(), id)
	if err != nil {
		respondNotFoundOr(c, err, "job not found")
		return
	}
	respondItem(c, job)
}
