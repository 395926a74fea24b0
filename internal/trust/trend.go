package trust

import (
	"context"
	"fmt"
	"time"
)

// TrendPoint is one history sample in a trend response.
type TrendPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
	RiskLevel string    `json:"risk_level"`
}

// Trend summarizes recent score history for a node.
type Trend struct {
	Trend      string       `json:"trend"` // improving, declining, stable
	Average    float64      `json:"average,omitempty"`
	Min        float64      `json:"min,omitempty"`
	Max        float64      `json:"max,omitempty"`
	DataPoints int          `json:"data_points"`
	Data       []TrendPoint `json:"data"`
}

const trendSampleLimit = 50

// Trend compares the recent half of the window against the older half; a
// difference above 0.1 either way tips the verdict.
func (e *Engine) Trend(ctx context.Context, nodeID int64, hours int) (*Trend, error) {
	if hours <= 0 {
		hours = 24
	}
	since := e.now().UTC().Add(-time.Duration(hours) * time.Hour)
	history, err := e.store.TrustHistorySince(ctx, nodeID, since)
	if err != nil {
		return nil, fmt.Errorf("loading trust history: %w", err)
	}
	if len(history) == 0 {
		return &Trend{Trend: "stable", Data: []TrendPoint{}}, nil
	}

	scores := make([]float64, len(history))
	var sum float64
	minScore, maxScore := history[0].TrustScore, history[0].TrustScore
	for i, h := range history {
		scores[i] = h.TrustScore
		sum += h.TrustScore
		minScore = min(minScore, h.TrustScore)
		maxScore = max(maxScore, h.TrustScore)
	}

	verdict := "stable"
	if len(scores) >= 2 {
		half := len(scores) / 2
		recent := avg(scores[:half])
		older := avg(scores[half:])
		switch {
		case recent > older+0.1:
			verdict = "improving"
		case recent < older-0.1:
			verdict = "declining"
		}
	}

	data := make([]TrendPoint, 0, trendSampleLimit)
	for _, h := range history {
		if len(data) == trendSampleLimit {
			break
		}
		data = append(data, TrendPoint{
			Timestamp: h.CreatedAt,
			Score:     h.TrustScore,
			RiskLevel: h.RiskLevel,
		})
	}

	return &Trend{
		Trend:      verdict,
		Average:    sum / float64(len(scores)),
		Min:        minScore,
		Max:        maxScore,
		DataPoints: len(scores),
		Data:       data,
	}, nil
}

func avg(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
