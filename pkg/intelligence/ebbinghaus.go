package intelligence

import (
	"math"
	"time"
)

// Lifecycle rule constants.
const (
	promoteAccessCount = 3
	promoteAge         = 24 * time.Hour
	forgetUnusedAge    = 7 * 24 * time.Hour
	archiveAge         = 30 * 24 * time.Hour
)

// EbbinghausManager applies the forgetting curve and the lifecycle rules.
//
// Decay follows exp(-hours/(24*decayRate)): decayRate is the number of days
// for retention to fall to 1/e. The manager classifies memories by importance
// and decides promotion, forgetting and archival. It holds no per-memory
// state; everything it needs is passed in.
//
// Example usage:
//
//	m := NewEbbinghausManager(30, 0.3)
//	decay := m.Decay(createdAt, time.Now())
//	if m.ShouldForget(decay, accessCount, age) {
//	    // delete the memory
//	}
type EbbinghausManager struct {
	// decayRate is the e-folding time of retention, in days.
	decayRate float64

	// reinforcementFactor is the share of lost retention restored on access.
	reinforcementFactor float64

	// Classification thresholds on importance. Working is also the floor
	// below which decayed memories are forgotten.
	workingThreshold   float64
	shortTermThreshold float64
	longTermThreshold  float64

	// initialRetention is the retention of a new memory.
	initialRetention float64

	// reviewIntervals are the spaced repetition intervals in hours.
	// Default: [1, 6, 24, 72, 168] (1 hour, 6 hours, 1 day, 3 days, 1 week)
	reviewIntervals []float64
}

// NewEbbinghausManager creates a manager with the default thresholds
// (0.3, 0.6, 0.8) and an initial retention of 1.0.
func NewEbbinghausManager(decayRate, reinforcementFactor float64) *EbbinghausManager {
	return NewEbbinghausManagerWithConfig(decayRate, reinforcementFactor, 0.3, 0.6, 0.8, 1.0)
}

// NewEbbinghausManagerWithConfig creates a manager with custom thresholds.
// A non-positive decay rate falls back to 30 days.
func NewEbbinghausManagerWithConfig(
	decayRate, reinforcementFactor,
	workingThreshold, shortTermThreshold, longTermThreshold,
	initialRetention float64,
) *EbbinghausManager {
	if decayRate <= 0 {
		decayRate = DefaultDecayRate
	}
	return &EbbinghausManager{
		decayRate:           decayRate,
		reinforcementFactor: reinforcementFactor,
		workingThreshold:    workingThreshold,
		shortTermThreshold:  shortTermThreshold,
		longTermThreshold:   longTermThreshold,
		initialRetention:    initialRetention,
		reviewIntervals:     []float64{1, 6, 24, 72, 168},
	}
}

// Decay returns the retention factor for the time elapsed between from and
// now. The result is in [0, 1] and never increases with elapsed time; a
// future from counts as no elapsed time.
func (e *EbbinghausManager) Decay(from, now time.Time) float64 {
	hours := now.Sub(from).Hours()
	if hours <= 0 {
		return 1
	}
	d := math.Exp(-hours / (24 * e.decayRate))
	return math.Max(0, math.Min(1, d))
}

// Reinforce restores part of the lost retention on access.
//
// Formula: R_new = R + (1 - R) * reinforcementFactor
func (e *EbbinghausManager) Reinforce(retention float64) float64 {
	r := retention + (1-retention)*e.reinforcementFactor
	return math.Min(1, math.Max(0, r))
}

// Classify maps an importance score to a memory type.
func (e *EbbinghausManager) Classify(importance float64) string {
	switch {
	case importance >= e.longTermThreshold:
		return MemoryTypeLongTerm
	case importance >= e.shortTermThreshold:
		return MemoryTypeShortTerm
	default:
		return MemoryTypeWorking
	}
}

// Next returns the type one step above memoryType. Long-term and unknown
// types are returned unchanged.
func Next(memoryType string) string {
	switch memoryType {
	case MemoryTypeWorking:
		return MemoryTypeShortTerm
	case MemoryTypeShortTerm:
		return MemoryTypeLongTerm
	default:
		return memoryType
	}
}

// ShouldPromote reports whether a memory qualifies for a one step promotion:
// it was accessed often enough, it is older than a day, or it is important.
func (e *EbbinghausManager) ShouldPromote(memoryType string, accessCount int, age time.Duration, importance float64) bool {
	if Next(memoryType) == memoryType {
		return false
	}
	return accessCount >= promoteAccessCount ||
		age > promoteAge ||
		importance >= e.shortTermThreshold
}

// ShouldForget reports whether a memory should be deleted. decay is the
// retention since the memory was last accessed (or created).
func (e *EbbinghausManager) ShouldForget(decay float64, accessCount int, age time.Duration) bool {
	if decay < e.workingThreshold {
		return true
	}
	return accessCount == 0 && age > forgetUnusedAge
}

// ShouldArchive reports whether a memory should carry the archived flag.
func (e *EbbinghausManager) ShouldArchive(age time.Duration, importance float64) bool {
	return age > archiveAge || importance < e.workingThreshold
}

// DecayRateFor scales the base decay rate by memory type: long-term
// memories fade three times slower than working ones.
func (e *EbbinghausManager) DecayRateFor(memoryType string) float64 {
	switch memoryType {
	case MemoryTypeLongTerm:
		return e.decayRate * 3
	case MemoryTypeShortTerm:
		return e.decayRate * 1.5
	default:
		return e.decayRate
	}
}

// GenerateReviewSchedule returns the spaced repetition review times
// starting at from.
func (e *EbbinghausManager) GenerateReviewSchedule(from time.Time) []time.Time {
	schedule := make([]time.Time, len(e.reviewIntervals))
	for i, h := range e.reviewIntervals {
		schedule[i] = from.Add(time.Duration(h * float64(time.Hour)))
	}
	return schedule
}

// NextReview returns the review interval for the given review count. Past
// the end of the schedule the last interval repeats.
func (e *EbbinghausManager) NextReview(reviewCount int, from time.Time) time.Time {
	i := reviewCount
	if i >= len(e.reviewIntervals) {
		i = len(e.reviewIntervals) - 1
	}
	if i < 0 {
		i = 0
	}
	return from.Add(time.Duration(e.reviewIntervals[i] * float64(time.Hour)))
}

// NewState builds the intelligence block of a memory scored at now.
func (e *EbbinghausManager) NewState(importance float64, source string, now time.Time) *State {
	memoryType := e.Classify(importance)
	return &State{
		ImportanceScore:     importance,
		MemoryType:          memoryType,
		InitialRetention:    e.initialRetention,
		CurrentRetention:    e.initialRetention,
		DecayRate:           e.DecayRateFor(memoryType),
		ReinforcementFactor: e.reinforcementFactor,
		ReviewSchedule:      e.GenerateReviewSchedule(now),
		NextReview:          e.NextReview(0, now),
		LastReviewed:        now,
		ImportanceSource:    source,
	}
}
