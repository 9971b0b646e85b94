package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/internal/service"
)

// AdminImportHandler ingests URL lists and exposes import history.
type AdminImportHandler struct {
	importer *service.ImportService
	imports  *repository.ImportRepository
}

// NewAdminImportHandler creates an AdminImportHandler.
func NewAdminImportHandler(importer *service.ImportService, imports *repository.ImportRepository) *AdminImportHandler {
	return &AdminImportHandler{importer: importer, imports: imports}
}

// Create handles POST /admin/imports. The URL list arrives either as a raw
// text/plain body or as a multipart "file" field.
func (h *AdminImportHandler) Create(c *gin.Context) {
	body, source, err := readImportBody(c)
	if err != nil {
		respondError(c, err)
		return
	}
	createdBy := "admin"
	result, err := h.importer.Process(c.Request.Context(), body, createdBy, source)
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, gin.H{
		"import":        result.Import,
		"enqueued_jobs": result.EnqueuedJobs,
	})
}

func readImportBody(c *gin.Context) (body, source string, err error) {
	ct := c.ContentType()
	switch {
	case strings.HasPrefix(ct, "multipart/form-data"):
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			return "", "", models.ErrBadRequest("multipart upload requires a file field")
		}
		defer file.Close()
		raw, err := io.ReadAll(file)
		if err != nil {
			return "", "", models.ErrBadRequest("failed to read uploaded file")
		}
		return string(raw), "upload:" + header.Filename, nil
	case ct == "text/plain" || ct == "":
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return "", "", models.ErrBadRequest("failed to read request body")
		}
		return string(raw), "paste", nil
	default:
		return "", "", models.NewAPIError(models.CodeInvalidUploadType, http.StatusUnsupportedMediaType,
			"content type must be text/plain or multipart/form-data")
	}
}

// List handles GET /admin/imports.
func (h *AdminImportHandler) List(c *gin.Context) {
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
	items, err := h.imports.List(c.Request.Context(), before, limit)
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

// Get handles GET /admin/imports/:id.
func (h *AdminImportHandler) Get(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	imp, err := h.imports.FindByID(c.Request.Context(), id)
	if err != nil {
		respondNotFoundOr(c, err, "import not found")
		return
	}
	respondItem(c, imp)
}
