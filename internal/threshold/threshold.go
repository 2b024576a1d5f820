// Package threshold maintains the adaptive confidence thresholds that
// decide whether a matched capability runs speculatively, is offered as
// a suggestion, or requires explicit confirmation.
package threshold

import (
	"sync"

	"github.com/pmlhq/pml-gateway/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultWindowSize is the number of recent execution records kept.
	DefaultWindowSize = 50
	// updateEvery re-evaluates thresholds every N records once the
	// window holds at least minWindowFill entries.
	updateEvery   = 10
	minWindowFill = 20

	learningRate = 0.05

	// MinThreshold and MaxThreshold bound suggestionThreshold.
	MinThreshold = 0.40
	MaxThreshold = 0.90

	// maxFinalScore caps the reliability-adjusted ranking score.
	maxFinalScore = 0.95
)

// Controller holds a sliding window of execution records and adjusts
// suggestionThreshold from observed false-positive and false-negative
// rates. explicitThreshold is fixed unless reconfigured.
type Controller struct {
	mu sync.Mutex

	window     []models.ExecutionRecord
	windowSize int
	recorded   int // total records since start, drives update cadence

	explicitThreshold   float64
	suggestionThreshold float64
}

// NewController creates a controller with the given starting thresholds.
func NewController(explicit, suggestion float64) *Controller {
	return &Controller{
		window:              make([]models.ExecutionRecord, 0, DefaultWindowSize),
		windowSize:          DefaultWindowSize,
		explicitThreshold:   explicit,
		suggestionThreshold: suggestion,
	}
}

// Record appends an execution record and, on cadence, re-evaluates the
// suggestion threshold.
func (c *Controller) Record(rec models.ExecutionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.window = append(c.window, rec)
	if len(c.window) > c.windowSize {
		c.window = c.window[len(c.window)-c.windowSize:]
	}
	c.recorded++

	if len(c.window) >= minWindowFill && c.recorded%updateEvery == 0 {
		c.update()
	}
}

// update recomputes FPR/FNR over the window and nudges the suggestion
// threshold. Caller holds the lock.
func (c *Controller) update() {
	var speculative, speculativeFailed int
	var suggestions, nearMissAccepts int

	for _, r := range c.window {
		switch r.Mode {
		case models.ModeSpeculative:
			speculative++
			if !r.Success {
				speculativeFailed++
			}
		case models.ModeSuggestion:
			suggestions++
			if r.UserAccepted && r.Confidence >= c.suggestionThreshold-0.1 {
				nearMissAccepts++
			}
		}
	}

	var fpr, fnr float64
	if speculative > 0 {
		fpr = float64(speculativeFailed) / float64(speculative)
	}
	if suggestions > 0 {
		fnr = float64(nearMissAccepts) / float64(suggestions)
	}

	prev := c.suggestionThreshold
	switch {
	case fpr > 0.20:
		c.suggestionThreshold = min(MaxThreshold, c.suggestionThreshold+learningRate*fpr)
	case fnr > 0.30:
		c.suggestionThreshold = max(MinThreshold, c.suggestionThreshold-learningRate*fnr)
	}

	if c.suggestionThreshold != prev {
		log.Debug().
			Float64("fpr", fpr).
			Float64("fnr", fnr).
			Float64("from", prev).
			Float64("to", c.suggestionThreshold).
			Msg("Suggestion threshold adjusted")
	}
}

// SuggestionThreshold returns the current suggestion threshold.
func (c *Controller) SuggestionThreshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suggestionThreshold
}

// ExplicitThreshold returns the fixed explicit-confirmation threshold.
func (c *Controller) ExplicitThreshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.explicitThreshold
}

// Reliability maps a capability's success rate to a ranking multiplier.
func Reliability(successRate float64) float64 {
	switch {
	case successRate < 0.5:
		return 0.1
	case successRate > 0.9:
		return 1.2
	default:
		return 1.0
	}
}

// Score combines a semantic match score with the reliability multiplier.
func Score(semanticScore, successRate float64) float64 {
	s := semanticScore * Reliability(successRate)
	if s > maxFinalScore {
		s = maxFinalScore
	}
	return s
}

// Accept reports whether a final score clears the suggestion threshold.
func (c *Controller) Accept(finalScore float64) bool {
	return finalScore >= c.SuggestionThreshold()
}
