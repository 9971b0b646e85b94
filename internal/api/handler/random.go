package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/service"
)

// RandomHandler serves the /random selection endpoint.
type RandomHandler struct {
	picker *service.PickerService
	stream *service.StreamService
	mirror *service.MirrorService
	logger *zap.Logger
}

// NewRandomHandler creates a RandomHandler.
func NewRandomHandler(picker *service.PickerService, stream *service.StreamService, mirror *service.MirrorService, logger *zap.Logger) *RandomHandler {
	return &RandomHandler{picker: picker, stream: stream, mirror: mirror, logger: logger}
}

// Random handles GET /random.
func (h *RandomHandler) Random(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		respondError(c, err)
		return
	}
	opts, err := parsePickOptions(c)
	if err != nil {
		respondError(c, err)
		return
	}
	now := time.Now().UTC()
	h.picker.ApplyFailCooldown(filter, now)

	format := c.DefaultQuery("format", "image")
	switch format {
	case "json", "simple_json":
		img, err := h.picker.Pick(c.Request.Context(), filter, opts)
		if err != nil {
			respondError(c, err)
			return
		}
		if img == nil {
			h.respondNoMatch(c, filter)
			return
		}
		h.picker.EnqueueOpportunisticHydrate(c.Request.Context(), img)
		if format == "simple_json" {
			respondData(c, gin.H{
				"id":        img.ID,
				"illust_id": img.IllustID,
				"page":      img.PageIndex,
				"url":       img.ProxyPath,
			})
			return
		}
		respondItem(c, img)
	case "image":
		h.serveImage(c, filter, opts)
	default:
		respondError(c, models.ErrBadRequest("format must be image, json or simple_json"))
	}
}

// serveImage runs the delivery retry loop: pick, stream, and on upstream
// failure mark the image and try another.
func (h *RandomHandler) serveImage(c *gin.Context, filter *models.RandomFilter, opts service.PickOptions) {
	attempts, err := intQuery(c, "attempts", 3, 1, 10)
	if err != nil {
		respondError(c, err)
		return
	}
	redirect := c.Query("redirect") == "1"

	var lastErr error
	for i := 0; i < attempts; i++ {
		img, err := h.picker.Pick(c.Request.Context(), filter, opts)
		if err != nil {
			respondError(c, err)
			return
		}
		if img == nil {
			if lastErr != nil {
				respondError(c, lastErr)
				return
			}
			h.respondNoMatch(c, filter)
			return
		}

		if redirect {
			c.Redirect(http.StatusFound, img.ProxyPath)
			return
		}

		now := time.Now().UTC()
		if err := h.streamImage(c, img); err != nil {
			lastErr = err
			code := models.CodeUpstreamStreamError
			if apiErr, ok := err.(*models.APIError); ok {
				code = apiErr.Code
			}
			h.picker.MarkFailed(c.Request.Context(), img, code, now)
			filter.ExcludeImageIDs = append(filter.ExcludeImageIDs, img.ID)
			continue
		}
		h.picker.MarkServed(c.Request.Context(), img, now)
		h.picker.EnqueueOpportunisticHydrate(c.Request.Context(), img)
		return
	}
	if lastErr == nil {
		lastErr = models.ErrUpstream(models.CodeUpstreamStreamError, "all delivery attempts failed")
	}
	respondError(c, lastErr)
}

func (h *RandomHandler) streamImage(c *gin.Context, img *models.Image) error {
	url := img.OriginalURL
	var pixivCat *bool
	if v := c.Query("pixiv_cat"); v != "" {
		b := v == "1"
		pixivCat = &b
	}
	if h.mirror.Enabled(pixivCat) {
		host := h.mirror.ResolveHost(c.Query("pximg_mirror_host"))
		if host == "" {
			host = h.mirror.PickForRequest(c.Request.Header, "")
		}
		url = h.mirror.Rewrite(url, host)
	}
	return h.stream.Stream(c.Request.Context(), c.Writer, &service.StreamRequest{
		URL:          url,
		RangeHeader:  c.GetHeader("Range"),
		CacheControl: h.mirror.CacheControl(),
	})
}

// respondNoMatch attaches the applied filters so callers can see which
// constraint emptied the population.
func (h *RandomHandler) respondNoMatch(c *gin.Context, filter *models.RandomFilter) {
	apiErr := models.ErrNoMatch("no image matches the filters").WithDetails(map[string]any{
		"hints": gin.H{
			"applied_filters": filter.AppliedFilters(),
			"suggestions":     "relax min_* thresholds or remove included_tags groups",
		},
	})
	respondError(c, apiErr)
}

// parseFilter builds a RandomFilter from query params.
func parseFilter(c *gin.Context) (*models.RandomFilter, error) {
	f := &models.RandomFilter{R18: models.R18Safe}

	r18, err := intQuery(c, "r18", models.R18Safe, 0, 2)
	if err != nil {
		return nil, err
	}
	f.R18 = r18
	f.R18Strict = c.Query("r18_strict") == "1"

	orientation := c.Query("orientation")
	if orientation == "" {
		orientation = c.Query("layout")
	}
	switch orientation {
	case "", "any":
	case "portrait":
		f.Orientations = []int{int(models.OrientationPortrait)}
	case "landscape":
		f.Orientations = []int{int(models.OrientationLandscape)}
	case "square":
		f.Orientations = []int{int(models.OrientationSquare)}
	default:
		return nil, models.ErrBadRequest("orientation must be any, portrait, landscape or square")
	}
	// Adaptive picks the orientation matching the client viewport hint.
	if c.Query("adaptive") == "1" && len(f.Orientations) == 0 {
		if w := c.GetHeader("Sec-CH-Viewport-Width"); w != "" {
			if hgt := c.GetHeader("Sec-CH-Viewport-Height"); hgt != "" {
				wv, _ := strconv.Atoi(w)
				hv, _ := strconv.Atoi(hgt)
				if wv > 0 && hv > 0 {
					if hv > wv {
						f.Orientations = []int{int(models.OrientationPortrait)}
					} else if wv > hv {
						f.Orientations = []int{int(models.OrientationLandscape)}
					}
				}
			}
		}
	}

	switch v := c.Query("ai_type"); v {
	case "", "any":
	case "0", "1":
		n, _ := strconv.Atoi(v)
		f.AITypes = []int{n}
	default:
		return nil, models.ErrBadRequest("ai_type must be any, 0 or 1")
	}

	switch v := c.Query("illust_type"); v {
	case "", "any":
	case "illust":
		f.IllustTypes = []int{0}
	case "manga":
		f.IllustTypes = []int{1}
	case "ugoira":
		f.IllustTypes = []int{2}
	default:
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 2 {
			f.IllustTypes = []int{n}
		} else {
			return nil, models.ErrBadRequest("illust_type must be any, illust, manga or ugoira")
		}
	}

	for _, field := range []struct {
		name string
		dst  any
	}{
		{"min_width", &f.MinWidth}, {"min_height", &f.MinHeight},
	} {
		n, err := intQuery(c, field.name, 0, 0, 1<<30)
		if err != nil {
			return nil, err
		}
		*(field.dst.(*int)) = n
	}
	for _, field := range []struct {
		name string
		dst  *int64
	}{
		{"min_pixels", &f.MinPixels}, {"min_bookmarks", &f.MinBookmarks},
		{"min_views", &f.MinViews}, {"min_comments", &f.MinComments},
	} {
		n, err := int64Query(c, field.name, 0)
		if err != nil {
			return nil, err
		}
		*field.dst = n
	}

	if v := c.Query("user_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, models.ErrBadRequest("user_id must be an integer")
		}
		f.UserID = &n
	}
	if v := c.Query("illust_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, models.ErrBadRequest("illust_id must be an integer")
		}
		f.IllustID = &n
	}
	if v := c.Query("created_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, models.ErrBadRequest("created_from must be ISO8601")
		}
		u := t.UTC()
		f.CreatedFrom = &u
	}
	if v := c.Query("created_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, models.ErrBadRequest("created_to must be ISO8601")
		}
		u := t.UTC()
		f.CreatedTo = &u
	}

	for _, group := range c.QueryArray("included_tags") {
		var terms models.TagGroup
		for _, term := range strings.Split(group, "|") {
			term = strings.TrimSpace(term)
			if term != "" {
				terms = append(terms, term)
			}
		}
		if len(terms) > 0 {
			f.IncludedTagGroups = append(f.IncludedTagGroups, terms)
		}
	}
	for _, tag := range c.QueryArray("excluded_tags") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			f.ExcludedTags = append(f.ExcludedTags, tag)
		}
	}
	return f, nil
}

// parsePickOptions builds PickOptions, including the rec_* quality
// overrides.
func parsePickOptions(c *gin.Context) (service.PickOptions, error) {
	opts := service.PickOptions{
		Strategy: c.DefaultQuery("strategy", service.PickStrategyQuality),
		Seed:     c.Query("seed"),
		Quality:  service.DefaultQualityParams(),
	}
	if len(opts.Seed) > 128 {
		return opts, models.ErrBadRequest("seed must be at most 128 characters")
	}
	switch opts.Strategy {
	case service.PickStrategyQuality, service.PickStrategyRandom:
	default:
		return opts, models.ErrBadRequest("strategy must be quality or random")
	}

	samples, err := intQuery(c, "quality_samples", 32, 1, 1000)
	if err != nil {
		return opts, err
	}
	opts.QualitySamples = samples

	if v := c.Query("rec_pick_mode"); v != "" {
		switch v {
		case service.PickModeBest, service.PickModeWeighted:
			opts.Quality.PickMode = v
		default:
			return opts, models.ErrBadRequest("rec_pick_mode must be best or weighted")
		}
	}
	if v := c.Query("rec_temperature"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t <= 0 {
			return opts, models.ErrBadRequest("rec_temperature must be a positive number")
		}
		opts.Quality.Temperature = t
	}
	for name, dst := range map[string]*float64{
		"rec_w_bookmark":      &opts.Quality.Weights.Bookmark,
		"rec_w_view":          &opts.Quality.Weights.View,
		"rec_w_comment":       &opts.Quality.Weights.Comment,
		"rec_w_megapixels":    &opts.Quality.Weights.Megapixels,
		"rec_w_bookmark_rate": &opts.Quality.Weights.BookmarkRate,
	} {
		if v := c.Query(name); v != "" {
			w, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return opts, models.ErrBadRequest(name + " must be a number")
			}
			*dst = w
		}
	}
	return opts, nil
}

func intQuery(c *gin.Context, name string, def, lo, hi int) (int, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, models.ErrBadRequest(name + " out of range")
	}
	return n, nil
}

func int64Query(c *gin.Context, name string, def int64) (int64, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, models.ErrBadRequest(name + " must be a non-negative integer")
	}
	return n, nil
}
