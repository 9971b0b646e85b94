package handler

import (
	"database/sql"
	"errors"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/internal/service"
)

// legacyFileRe matches {illust_id}.{ext} and {illust_id}-{page}.{ext}.
var legacyFileRe = regexp.MustCompile(`^(\d+)(?:-(\d+))?\.([A-Za-z0-9]+)$`)

// ImageHandler streams stored images and serves the image listing.
type ImageHandler struct {
	images *repository.ImageRepository
	picker *service.PickerService
	stream *service.StreamService
	mirror *service.MirrorService
	logger *zap.Logger
}

// NewImageHandler creates an ImageHandler.
func NewImageHandler(images *repository.ImageRepository, picker *service.PickerService, stream *service.StreamService, mirror *service.MirrorService, logger *zap.Logger) *ImageHandler {
	return &ImageHandler{images: images, picker: picker, stream: stream, mirror: mirror, logger: logger}
}

// StreamByImageID handles GET /i/:file where file is {image_id}.{ext}.
func (h *ImageHandler) StreamByImageID(c *gin.Context) {
	m := legacyFileRe.FindStringSubmatch(c.Param("file"))
	if m == nil || m[2] != "" {
		respondError(c, models.ErrBadRequest("expected {image_id}.{ext}"))
		return
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		respondError(c, models.ErrBadRequest("invalid image id"))
		return
	}
	img, err := h.images.FindByID(c.Request.Context(), id)
	if err != nil {
		h.respondLookupErr(c, err)
		return
	}
	h.serve(c, img)
}

// StreamLegacy handles GET /:file for the historical {illust_id}.{ext} and
// {illust_id}-{page}.{ext} shapes. Unknown shapes 404 so the route does not
// shadow real paths.
func (h *ImageHandler) StreamLegacy(c *gin.Context) {
	m := legacyFileRe.FindStringSubmatch(c.Param("file"))
	if m == nil {
		respondError(c, models.ErrNotFound("not found"))
		return
	}
	illustID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		respondError(c, models.ErrNotFound("not found"))
		return
	}
	page := 0
	if m[2] != "" {
		if page, err = strconv.Atoi(m[2]); err != nil {
			respondError(c, models.ErrNotFound("not found"))
			return
		}
	}
	img, err := h.images.FindByIllustPage(c.Request.Context(), illustID, page)
	if err != nil {
		h.respondLookupErr(c, err)
		return
	}
	h.serve(c, img)
}

// serve streams one image, recording the delivery outcome.
func (h *ImageHandler) serve(c *gin.Context, img *models.Image) {
	if img.Status != models.ImageEnabled {
		respondError(c, models.ErrNotFound("image disabled"))
		return
	}
	url := img.OriginalURL
	if h.mirror.Enabled(nil) {
		host := h.mirror.PickForRequest(c.Request.Header, "")
		url = h.mirror.Rewrite(url, host)
	}
	now := time.Now().UTC()
	err := h.stream.Stream(c.Request.Context(), c.Writer, &service.StreamRequest{
		URL:          url,
		RangeHeader:  c.GetHeader("Range"),
		CacheControl: h.mirror.CacheControl(),
	})
	if err != nil {
		code := models.CodeUpstreamStreamError
		var apiErr *models.APIError
		if errors.As(err, &apiErr) {
			code = apiErr.Code
		}
		h.picker.MarkFailed(c.Request.Context(), img, code, now)
		respondError(c, err)
		return
	}
	h.picker.MarkServed(c.Request.Context(), img, now)
	h.picker.EnqueueOpportunisticHydrate(c.Request.Context(), img)
}

// List handles GET /images.
func (h *ImageHandler) List(c *gin.Context) {
	status, err := intQuery(c, "status", int(models.ImageEnabled), 0, 7)
	if err != nil {
		respondError(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 50, 1, 200)
	if err != nil {
		respondError(c, err)
		return
	}
	before, err := int64Query(c, "before_id", 0)
	if err != nil {
		respondError(c, err)
		return
	}
	items, err := h.images.List(c.Request.Context(), status, limit, before)
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

// Get handles GET /images/:id, including the image's tag names.
func (h *ImageHandler) Get(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, models.ErrBadRequest("invalid image id"))
		return
	}
	img, err := h.images.FindByID(c.Request.Context(), id)
	if err != nil {
		h.respondLookupErr(c, err)
		return
	}
	tags, err := h.images.TagNames(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, gin.H{"image": img, "tags": tags})
}

func (h *ImageHandler) respondLookupErr(c *gin.Context, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		respondError(c, models.ErrNotFound("image not found"))
		return
	}
	respondError(c, err)
}
