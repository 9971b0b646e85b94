//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/user/piximg-go/internal/models"
)

func scoredImage(id, bookmarks, views int64, w, h int) *models.Image {
	return &models.Image{
		ID:            id,
		BookmarkCount: &bookmarks,
		ViewCount:     &views,
		Width:         &w,
		Height:        &h,
	}
}

func TestQualityParams_ScoreOrdering(t *testing.T) {
	p := DefaultQualityParams()

	popular := scoredImage(1, 5000, 100000, 2000, 3000)
	average := scoredImage(2, 50, 10000, 1200, 1600)
	bare := &models.Image{ID: 3}

	assert.Greater(t, p.Score(popular), p.Score(average))
	assert.Greater(t, p.Score(average), p.Score(bare))
	assert.Zero(t, p.Score(bare), "no metrics, no score")
}

func TestQualityParams_BookmarkRateRewardsEngagement(t *testing.T) {
	p := QualityParams{
		Weights:     QualityWeights{BookmarkRate: 1},
		Multipliers: CategoryMultipliers{AIUnknown: 1, TypeUnknown: 1},
	}

	// Same bookmarks, fewer views: higher bookmark rate.
	engaged := scoredImage(1, 100, 1000, 0, 0)
	diluted := scoredImage(2, 100, 100000, 0, 0)
	assert.Greater(t, p.Score(engaged), p.Score(diluted))
}

func TestQualityParams_LogitMultipliers(t *testing.T) {
	p := DefaultQualityParams()
	aiType := 2
	p.Multipliers.AI = map[int]float64{aiType: 0.25}

	plain := scoredImage(1, 100, 1000, 0, 0)
	generated := scoredImage(2, 100, 1000, 0, 0)
	generated.AIType = &aiType

	assert.Equal(t, p.Score(plain), p.Score(generated), "raw score ignores category")
	assert.Greater(t, p.Logit(plain), p.Logit(generated), "multiplier demotes the category")
}

func TestQualityParams_ChooseBest(t *testing.T) {
	p := DefaultQualityParams()
	candidates := []*models.Image{
		scoredImage(1, 10, 1000, 800, 600),
		scoredImage(2, 9000, 50000, 2000, 3000),
		scoredImage(3, 300, 20000, 1000, 1000),
	}
	assert.Equal(t, int64(2), p.ChooseBest(candidates).ID)
}

func TestQualityParams_ChooseWeightedDeterministic(t *testing.T) {
	p := DefaultQualityParams()
	p.PickMode = PickModeWeighted
	candidates := []*models.Image{
		scoredImage(1, 10, 1000, 800, 600),
		scoredImage(2, 9000, 50000, 2000, 3000),
		scoredImage(3, 300, 20000, 1000, 1000),
	}

	a := p.ChooseWeighted(candidates, rand.New(rand.NewSource(7)))
	b := p.ChooseWeighted(candidates, rand.New(rand.NewSource(7)))
	assert.Equal(t, a.ID, b.ID, "same seed, same pick")
}

func TestQualityParams_ChooseWeightedPrefersHighScores(t *testing.T) {
	p := DefaultQualityParams()
	p.Temperature = 0.5
	candidates := []*models.Image{
		scoredImage(1, 1, 100, 0, 0),
		scoredImage(2, 10000, 100000, 0, 0),
	}

	rng := rand.New(rand.NewSource(1))
	wins := 0
	for i := 0; i < 200; i++ {
		if p.ChooseWeighted(candidates, rng).ID == 2 {
			wins++
		}
	}
	assert.Greater(t, wins, 180, "softmax should overwhelmingly favor the stronger image")
}

func TestQualityParams_ChooseWeightedZeroTemperature(t *testing.T) {
	p := DefaultQualityParams()
	p.Temperature = 0
	candidates := []*models.Image{
		scoredImage(1, 10, 1000, 0, 0),
		scoredImage(2, 9000, 50000, 0, 0),
	}
	got := p.ChooseWeighted(candidates, rand.New(rand.NewSource(1)))
	assert.Equal(t, int64(2), got.ID, "zero temperature degrades to argmax")
}
