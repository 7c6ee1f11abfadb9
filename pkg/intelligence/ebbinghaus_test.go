package intelligence_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/oceanbase/powermem-engine/pkg/intelligence"
)

func TestDecay_Monotone(t *testing.T) {
	manager := intelligence.NewEbbinghausManager(30, 0.3)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 1.0, manager.Decay(now, now))
	assert.Equal(t, 1.0, manager.Decay(now.Add(time.Hour), now), "future timestamps do not decay")

	prev := 1.0
	for h := 1; h <= 24*120; h += 7 {
		d := manager.Decay(now.Add(-time.Duration(h)*time.Hour), now)
		assert.LessOrEqual(t, d, prev)
		assert.GreaterOrEqual(t, d, 0.0)
		prev = d
	}

	// One e-folding time.
	assert.InDelta(t, math.Exp(-1), manager.Decay(now.Add(-30*24*time.Hour), now), 1e-9)
}

func TestClassify(t *testing.T) {
	manager := intelligence.NewEbbinghausManager(30, 0.3)

	assert.Equal(t, intelligence.MemoryTypeWorking, manager.Classify(0.1))
	assert.Equal(t, intelligence.MemoryTypeShortTerm, manager.Classify(0.6))
	assert.Equal(t, intelligence.MemoryTypeShortTerm, manager.Classify(0.79))
	assert.Equal(t, intelligence.MemoryTypeLongTerm, manager.Classify(0.8))
}

func TestLifecycleRules(t *testing.T) {
	manager := intelligence.NewEbbinghausManager(30, 0.3)
	day := 24 * time.Hour

	t.Run("promote", func(t *testing.T) {
		assert.False(t, manager.ShouldPromote(intelligence.MemoryTypeWorking, 1, time.Hour, 0.2))
		assert.True(t, manager.ShouldPromote(intelligence.MemoryTypeWorking, 3, time.Hour, 0.2))
		assert.True(t, manager.ShouldPromote(intelligence.MemoryTypeWorking, 1, 2*day, 0.2))
		assert.True(t, manager.ShouldPromote(intelligence.MemoryTypeShortTerm, 1, time.Hour, 0.6))
		assert.False(t, manager.ShouldPromote(intelligence.MemoryTypeLongTerm, 10, 10*day, 1))

		assert.Equal(t, intelligence.MemoryTypeShortTerm, intelligence.Next(intelligence.MemoryTypeWorking))
		assert.Equal(t, intelligence.MemoryTypeLongTerm, intelligence.Next(intelligence.MemoryTypeShortTerm))
		assert.Equal(t, intelligence.MemoryTypeLongTerm, intelligence.Next(intelligence.MemoryTypeLongTerm))

		assert.Equal(t, "episodic", intelligence.Next("episodic"))
		assert.False(t, manager.ShouldPromote("episodic", 10, 10*day, 1))
	})

	t.Run("forget", func(t *testing.T) {
		assert.True(t, manager.ShouldForget(0.29, 5, time.Hour))
		assert.False(t, manager.ShouldForget(0.9, 0, 6*day))
		assert.True(t, manager.ShouldForget(0.9, 0, 8*day))
		assert.False(t, manager.ShouldForget(0.9, 1, 8*day))
	})

	t.Run("archive", func(t *testing.T) {
		assert.True(t, manager.ShouldArchive(31*day, 0.9))
		assert.True(t, manager.ShouldArchive(time.Hour, 0.1))
		assert.False(t, manager.ShouldArchive(time.Hour, 0.5))
	})
}

func TestReinforceAndSchedule(t *testing.T) {
	manager := intelligence.NewEbbinghausManager(30, 0.5)
	assert.InDelta(t, 0.75, manager.Reinforce(0.5), 1e-9)
	assert.Equal(t, 1.0, manager.Reinforce(1))

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	schedule := manager.GenerateReviewSchedule(now)
	assert.Len(t, schedule, 5)
	assert.Equal(t, now.Add(time.Hour), schedule[0])
	assert.Equal(t, now.Add(168*time.Hour), schedule[4])
	assert.Equal(t, now.Add(168*time.Hour), manager.NextReview(99, now))
}
