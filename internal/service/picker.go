package service

import (
	"context"
	"hash/fnv"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/config"
	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
)

// Picker strategies.
const (
	PickStrategyQuality = "quality"
	PickStrategyRandom  = "random"
)

// PickOptions tune one random selection.
type PickOptions struct {
	Strategy       string
	Seed           string // non-empty makes the draw reproducible
	QualitySamples int    // candidate pool size for quality mode
	Quality        QualityParams
}

// PickerService selects uniformly random (or quality-biased) images from
// the filtered population using the wrap-around cursor scan.
type PickerService struct {
	cfg    config.RandomConfig
	images *repository.ImageRepository
	jobs   *repository.JobRepository
	logger *zap.Logger
}

// NewPickerService creates a PickerService.
func NewPickerService(cfg config.RandomConfig, images *repository.ImageRepository, jobs *repository.JobRepository, logger *zap.Logger) *PickerService {
	return &PickerService{cfg: cfg, images: images, jobs: jobs, logger: logger}
}

// Pick returns one image from the filtered population or nil when nothing
// matches.
func (s *PickerService) Pick(ctx context.Context, filter *models.RandomFilter, opts PickOptions) (*models.Image, error) {
	rng := s.rng(opts.Seed)
	cursor := rng.Float64()

	limit := 1
	if opts.Strategy == PickStrategyQuality {
		limit = opts.QualitySamples
		if limit < 1 {
			limit = 1
		}
		if limit > 1000 {
			limit = 1000
		}
	}

	candidates, err := s.images.PickRandom(ctx, filter, cursor, limit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	if opts.Strategy != PickStrategyQuality || len(candidates) == 1 {
		return candidates[0], nil
	}

	switch opts.Quality.PickMode {
	case PickModeWeighted:
		return opts.Quality.ChooseWeighted(candidates, rng), nil
	default:
		return opts.Quality.ChooseBest(candidates), nil
	}
}

// CountMatching returns the filtered population size, used for NO_MATCH
// hints.
func (s *PickerService) CountMatching(ctx context.Context, filter *models.RandomFilter) (int64, error) {
	return s.images.CountMatching(ctx, filter)
}

// ApplyFailCooldown excludes recently failing images unless the filter
// already sets its own horizon.
func (s *PickerService) ApplyFailCooldown(filter *models.RandomFilter, now time.Time) {
	if filter.FailCooldownBefore == nil && s.cfg.FailCooldownSeconds > 0 {
		t := now.Add(-time.Duration(s.cfg.FailCooldownSeconds) * time.Second)
		filter.FailCooldownBefore = &t
	}
}

// MarkServed records a successful first-byte delivery.
func (s *PickerService) MarkServed(ctx context.Context, img *models.Image, now time.Time) {
	if err := s.images.MarkServeOK(ctx, img.ID, now); err != nil {
		s.logger.Warn("failed to mark image served", zap.Int64("image_id", img.ID), zap.Error(err))
	}
}

// MarkFailed records a delivery failure against the image.
func (s *PickerService) MarkFailed(ctx context.Context, img *models.Image, code models.ErrorCode, now time.Time) {
	if err := s.images.MarkServeFailure(ctx, img.ID, string(code), now); err != nil {
		s.logger.Warn("failed to mark image failure", zap.Int64("image_id", img.ID), zap.Error(err))
	}
}

// EnqueueOpportunisticHydrate queues a low-priority hydrate when the served
// image is missing core metadata or tags. Idempotent across concurrent
// requests via the partial unique job index.
func (s *PickerService) EnqueueOpportunisticHydrate(ctx context.Context, img *models.Image) {
	if img.HasCoreMetadata() {
		hasTags, err := s.images.HasTags(ctx, img.ID)
		if err != nil || hasTags {
			return
		}
	}
	payload, err := models.EncodePayload(models.HydratePayload{IllustID: img.IllustID, Reason: "opportunistic"})
	if err != nil {
		return
	}
	if _, err := s.jobs.EnqueueUnique(ctx, models.JobTypeHydrateMetadata, payload, repository.EnqueueOptions{
		Priority: -10,
		RefType:  "opportunistic_hydrate",
		RefID:    img.IllustID,
	}); err != nil {
		s.logger.Warn("failed to enqueue opportunistic hydrate",
			zap.Int64("illust_id", img.IllustID), zap.Error(err))
	}
}

// rng returns a process-global draw or a deterministic per-request source
// when a seed is supplied.
func (s *PickerService) rng(seed string) *rand.Rand {
	if seed == "" {
		return rand.New(rand.NewSource(rand.Int63()))
	}
	h := fnv.New64a()
	h.Write([]byte(seed))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}
