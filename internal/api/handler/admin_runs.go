package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
)

// valid hydration criteria field-sets, mirroring the candidate predicates.
var validMissing = map[string]bool{
	"tags": true, "geometry": true, "r18": true, "ai": true,
	"illust_type": true, "user": true, "title": true,
	"created_at": true, "popularity": true,
}

// AdminRunHandler manages cursor-driven hydration backfills.
type AdminRunHandler struct {
	runs *repository.HydrationRunRepository
	jobs *repository.JobRepository
}

// NewAdminRunHandler creates an AdminRunHandler.
func NewAdminRunHandler(runs *repository.HydrationRunRepository, jobs *repository.JobRepository) *AdminRunHandler {
	return &AdminRunHandler{runs: runs, jobs: jobs}
}

type createRunRequest struct {
	Type    string   `json:"type"`
	Missing []string `json:"missing" binding:"required"`
	Total   *int64   `json:"total"`
}

// Create handles POST /admin/hydration-runs: stores the run and enqueues
// its first batch job.
func (h *AdminRunHandler) Create(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Missing) == 0 {
		respondError(c, models.ErrBadRequest("missing criteria are required"))
		return
	}
	for _, m := range req.Missing {
		if !validMissing[m] {
			respondError(c, models.ErrBadRequest("unknown criteria field-set: "+m))
			return
		}
	}
	runType := req.Type
	if runType == "" {
		runType = "backfill"
	}
	criteria := models.HydrationCriteria{Missing: req.Missing}
	run, err := h.runs.Create(c.Request.Context(), runType, criteria, req.Total)
	if err != nil {
		respondError(c, err)
		return
	}
	jobID, err := h.enqueueBatch(c, run.ID, criteria)
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, gin.H{"run": run, "job_id": jobID})
}

// List handles GET /admin/hydration-runs.
func (h *AdminRunHandler) List(c *gin.Context) {
	before, err := int64Query(c, "before_id", 0)
	if err != nil {
		respondError(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 50, 1, 200)
	if err != nil {
		respondError(c, err)
		return
	}
	items, err := h.runs.List(c.Request.Context(), before, limit)
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

// Get handles GET /admin/hydration-runs/:id.
func (h *AdminRunHandler) Get(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	run, err := h.runs.FindByID(c.Request.Context(), id)
	if err != nil {
		respondNotFoundOr(c, err, "hydration run not found")
		return
	}
	respondItem(c, run)
}

// Pause handles POST /admin/hydration-runs/:id/pause. The running batch
// observes the paused status at its next claim.
func (h *AdminRunHandler) Pause(c *gin.Context) {
	h.setStatus(c, models.RunPaused)
}

// Cancel handles POST /admin/hydration-runs/:id/cancel.
func (h *AdminRunHandler) Cancel(c *gin.Context) {
	h.setStatus(c, models.RunCanceled)
}

// Resume handles POST /admin/hydration-runs/:id/resume: flips a paused run
// back to pending and enqueues a fresh batch job.
func (h *AdminRunHandler) Resume(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	run, err := h.runs.FindByID(c.Request.Context(), id)
	if err != nil {
		respondNotFoundOr(c, err, "hydration run not found")
		return
	}
	if run.Status != models.RunPaused && run.Status != models.RunFailed {
		respondError(c, models.ErrBadRequest("only paused or failed runs can be resumed"))
		return
	}
	if err := h.runs.SetStatus(c.Request.Context(), id, models.RunPending, nil); err != nil {
		respondError(c, err)
		return
	}
	jobID, err := h.enqueueBatch(c, id, run.Criteria)
	if err != nil {
		respondError(c, err)
		return
	}
	run, err = h.runs.FindByID(c.Request.Context(), id)
	if err != nil {
		respondNotFoundOr(c, err, "hydration run not found")
		return
	}
	respondData(c, gin.H{"run": run, "job_id": jobID})
}

func (h *AdminRunHandler) setStatus(c *gin.Context, status models.HydrationRunStatus) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.runs.SetStatus(c.Request.Context(), id, status, nil); err != nil {
		respondNotFoundOr(c, err, "hydration run not found")
		return
	}
	run, err := h.runs.FindByID(c.Request.Context(), id)
	if err != nil {
		respondNotFoundOr(c, err, "hydration run not found")
		return
	}
	respondItem(c, run)
}

func (h *AdminRunHandler) enqueueBatch(c *gin.Context, runID int64, criteria models.HydrationCriteria) (int64, error) {
	payload, err := models.EncodePayload(models.HydratePayload{HydrationRunID: runID, Criteria: &criteria})
	if err != nil {
		return 0, err
	}
	return h.jobs.EnqueueUnique(c.Request.Context(), models.JobTypeHydrationRun, payload, repository.EnqueueOptions{
		RefType: "hydration_run",
		RefID:   runID,
	})
}
