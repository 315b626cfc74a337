package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQualityDegradesOneStepPerSample(t *testing.T) {
	c := NewQualityController(DefaultQualityConfig())
	assert.Equal(t, QualityFull, c.Quality())

	high := 300 * time.Millisecond
	c.Sample(high)
	assert.Equal(t, QualityMedium, c.Quality())
	c.Sample(high)
	assert.Equal(t, QualityLow, c.Quality())
	c.Sample(high)
	assert.Equal(t, QualityMinimal, c.Quality())
	c.Sample(high)
	assert.Equal(t, QualityMinimal, c.Quality(), "minimal is the floor")
}

func TestQualityRecoversOneStepPerSample(t *testing.T) {
	c := NewQualityController(DefaultQualityConfig())
	for i := 0; i < 3; i++ {
		c.Sample(time.Second)
	}
	assert.Equal(t, QualityMinimal, c.Quality())

	low := 50 * time.Millisecond
	c.Sample(low)
	assert.Equal(t, QualityLow, c.Quality())
	c.Sample(low)
	assert.Equal(t, QualityMedium, c.Quality())
	c.Sample(low)
	assert.Equal(t, QualityFull, c.Quality())
	c.Sample(low)
	assert.Equal(t, QualityFull, c.Quality(), "full is the ceiling")
}

func TestQualityMidRangeLatencyHolds(t *testing.T) {
	c := NewQualityController(DefaultQualityConfig())
	// Between threshold/2 and threshold: no movement either way.
	c.Sample(150 * time.Millisecond)
	assert.Equal(t, QualityFull, c.Quality())
	assert.Equal(t, DefaultQualityConfig().BaseInterval, c.Interval())
}

func TestIntervalStretchesAndShrinksWithinBounds(t *testing.T) {
	cfg := DefaultQualityConfig()
	c := NewQualityController(cfg)

	for i := 0; i < 20; i++ {
		c.Sample(time.Second)
	}
	assert.Equal(t, cfg.MaxInterval, c.Interval(), "interval capped at ceiling")

	for i := 0; i < 20; i++ {
		c.Sample(10 * time.Millisecond)
	}
	assert.Equal(t, cfg.BaseInterval, c.Interval(), "interval floored at base")
}

func TestIntervalGrowsGradually(t *testing.T) {
	cfg := DefaultQualityConfig()
	c := NewQualityController(cfg)

	c.Sample(time.Second)
	assert.Equal(t, 75*time.Millisecond, c.Interval())
	c.Sample(time.Second)
	assert.Equal(t, 112*time.Millisecond+500*time.Microsecond, c.Interval())
}
