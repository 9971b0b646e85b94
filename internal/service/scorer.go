package service

import (
	"math"
	"math/rand"

	"github.com/user/piximg-go/internal/models"
)

// QualityWeights are the per-metric coefficients of the quality score.
type QualityWeights struct {
	Bookmark     float64 `json:"bookmark"`
	View         float64 `json:"view"`
	Comment      float64 `json:"comment"`
	Megapixels   float64 `json:"megapixels"`
	BookmarkRate float64 `json:"bookmark_rate"`
}

// DefaultQualityWeights favor bookmarks and bookmark rate; views are cheap.
var DefaultQualityWeights = QualityWeights{
	Bookmark:     1.0,
	View:         0.2,
	Comment:      0.5,
	Megapixels:   0.3,
	BookmarkRate: 0.8,
}

// CategoryMultipliers scale scores by AI provenance and illust type. A zero
// multiplier excludes the category in SQL before sampling, so the scorer
// only ever sees positive or unknown categories.
type CategoryMultipliers struct {
	AI          map[int]float64 `json:"ai"`          // ai_type -> multiplier
	AIUnknown   float64         `json:"ai_unknown"`  // NULL ai_type
	Type        map[int]float64 `json:"illust_type"` // illust_type -> multiplier
	TypeUnknown float64         `json:"type_unknown"`
}

// Quality pick modes.
const (
	PickModeBest     = "best"
	PickModeWeighted = "weighted"
)

// QualityParams bundle per-request scoring configuration.
type QualityParams struct {
	Weights     QualityWeights
	Multipliers CategoryMultipliers
	PickMode    string
	Temperature float64
}

// DefaultQualityParams returns the baseline scoring configuration.
func DefaultQualityParams() QualityParams {
	return QualityParams{
		Weights:     DefaultQualityWeights,
		Multipliers: CategoryMultipliers{AIUnknown: 1, TypeUnknown: 1},
		PickMode:    PickModeBest,
		Temperature: 1.0,
	}
}

// Score computes Σ w·log1p(metric) for one image. log1p keeps heavy-tailed
// counters from dominating.
func (p *QualityParams) Score(img *models.Image) float64 {
	score := 0.0
	score += p.Weights.Bookmark * math.Log1p(float64(i64(img.BookmarkCount)))
	score += p.Weights.View * math.Log1p(float64(i64(img.ViewCount)))
	score += p.Weights.Comment * math.Log1p(float64(i64(img.CommentCount)))
	if img.Width != nil && img.Height != nil {
		pixels := float64(*img.Width) * float64(*img.Height)
		score += p.Weights.Megapixels * math.Log1p(pixels/1e6)
	}
	if v := i64(img.ViewCount); v > 0 {
		rate := 1000 * float64(i64(img.BookmarkCount)) / float64(v)
		score += p.Weights.BookmarkRate * math.Log1p(rate)
	}
	return score
}

// Logit is the score plus the log of the category multiplier.
func (p *QualityParams) Logit(img *models.Image) float64 {
	return p.Score(img) + math.Log(p.multiplier(img))
}

func (p *QualityParams) multiplier(img *models.Image) float64 {
	m := 1.0
	if img.AIType == nil {
		m *= positive(p.Multipliers.AIUnknown)
	} else if v, ok := p.Multipliers.AI[*img.AIType]; ok {
		m *= positive(v)
	}
	if img.IllustType == nil {
		m *= positive(p.Multipliers.TypeUnknown)
	} else if v, ok := p.Multipliers.Type[*img.IllustType]; ok {
		m *= positive(v)
	}
	return m
}

// ChooseBest returns the argmax by logit.
func (p *QualityParams) ChooseBest(candidates []*models.Image) *models.Image {
	best := candidates[0]
	bestLogit := p.Logit(best)
	for _, img := range candidates[1:] {
		if l := p.Logit(img); l > bestLogit {
			best, bestLogit = img, l
		}
	}
	return best
}

// ChooseWeighted samples with probability ∝ exp(logit/temperature), using
// the max-subtraction trick for numerical stability.
func (p *QualityParams) ChooseWeighted(candidates []*models.Image, rng *rand.Rand) *models.Image {
	temp := p.Temperature
	if temp <= 0 {
		return p.ChooseBest(candidates)
	}
	logits := make([]float64, len(candidates))
	maxLogit := math.Inf(-1)
	for i, img := range candidates {
		logits[i] = p.Logit(img) / temp
		if logits[i] > maxLogit {
			maxLogit = logits[i]
		}
	}
	total := 0.0
	weights := make([]float64, len(candidates))
	for i := range logits {
		weights[i] = math.Exp(logits[i] - maxLogit)
		total += weights[i]
	}
	r := rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

func i64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func positive(v float64) float64 {
	if v <= 0 {
		return 1e-9
	}
	return v
}
