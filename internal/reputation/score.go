package reputation

import (
	"math"
	"time"
)

// Tier represents reputation levels.
type Tier string

const (
	TierNew         Tier = "new"         // 0-19
	TierEmerging    Tier = "emerging"    // 20-39
	TierEstablished Tier = "established" // 40-59
	TierTrusted     Tier = "trusted"     // 60-79
	TierElite       Tier = "elite"       // 80-100
)

// Summary is an agent's reputation over its confirmed reviews.
type Summary struct {
	Agent         string     `json:"agent"`
	Score         float64    `json:"score"` // 0-100
	Tier          Tier       `json:"tier"`
	ReviewCount   int        `json:"reviewCount"`
	AverageRating float64    `json:"averageRating"`
	Distribution  [5]int     `json:"distribution"` // count per rating 1..5
	Components    Components `json:"components"`
	PendingCount  int        `json:"pendingCount"` // reviews not yet on-chain
	LastReviewAt  *time.Time `json:"lastReviewAt,omitempty"`
	CalculatedAt  time.Time  `json:"calculatedAt"`
	Recent        []*Review  `json:"recent,omitempty"`
}

// Components breaks down the score.
type Components struct {
	RatingScore float64 `json:"ratingScore"` // average rating scaled to 0-100
	VolumeScore float64 `json:"volumeScore"` // number of reviews, log scale
}

// Weights for score components (must sum to 1.0).
type Weights struct {
	Rating float64
	Volume float64
}

// DefaultWeights favours quality over volume.
var DefaultWeights = Weights{Rating: 0.7, Volume: 0.3}

// Calculator computes reputation summaries.
type Calculator struct {
	weights Weights
	now     func() time.Time
}

// NewCalculator creates a calculator with DefaultWeights.
func NewCalculator() *Calculator {
	return &Calculator{weights: DefaultWeights, now: time.Now}
}

// Calculate summarizes reviews about agent. Only confirmed reviews count
// toward the score; the others are reported as pending.
func (c *Calculator) Calculate(agent string, reviews []*Review) *Summary {
	s := &Summary{Agent: agent, CalculatedAt: c.now()}

	total := 0
	for _, r := range reviews {
		if r.Outcome != OutcomeConfirmed {
			s.PendingCount++
			continue
		}
		if r.Rating < 1 || r.Rating > 5 {
			continue
		}
		s.ReviewCount++
		total += r.Rating
		s.Distribution[r.Rating-1]++
		if s.LastReviewAt == nil || r.CreatedAt.After(*s.LastReviewAt) {
			t := r.CreatedAt
			s.LastReviewAt = &t
		}
	}

	if s.ReviewCount > 0 {
		s.AverageRating = math.Round(float64(total)/float64(s.ReviewCount)*100) / 100
		// 1 star = 0, 5 stars = 100
		s.Components.RatingScore = (s.AverageRating - 1) / 4 * 100
		// 1 review = 14, 10 = 50, 100+ ~ 96
		s.Components.VolumeScore = math.Min(100, 50*math.Log10(float64(s.ReviewCount)+1)/math.Log10(11))
	}

	score := c.weights.Rating*s.Components.RatingScore + c.weights.Volume*s.Components.VolumeScore
	// Too few reviews to be anything but new or emerging.
	if s.ReviewCount < 3 {
		score = math.Min(score, 39)
	}
	score = math.Max(0, math.Min(100, score))
	s.Score = math.Round(score*10) / 10
	s.Tier = getTier(s.Score)
	return s
}

func getTier(score float64) Tier {
	switch {
	case score >= 80:
		return TierElite
	case score >= 60:
		return TierTrusted
	case score >= 40:
		return TierEstablished
	case score >= 20:
		return TierEmerging
	default:
		return TierNew
	}
}
