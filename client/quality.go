package client

import (
	"sync"
	"time"
)

// Quality is the bandwidth/precision dial. Higher is better.
type Quality int

const (
	QualityMinimal Quality = iota
	QualityLow
	QualityMedium
	QualityFull
)

func (q Quality) String() string {
	switch q {
	case QualityMinimal:
		return "minimal"
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	default:
		return "full"
	}
}

// QualityConfig bounds the adaptive controller.
type QualityConfig struct {
	// LatencyThreshold is the RTT above which quality degrades. RTT below
	// half of it recovers quality.
	LatencyThreshold time.Duration
	// BaseInterval is the sync batch interval at full quality (floor).
	BaseInterval time.Duration
	// MaxInterval is the sync batch interval ceiling.
	MaxInterval time.Duration
	// SampleInterval is how often RTT is sampled.
	SampleInterval time.Duration
}

// DefaultQualityConfig returns the controller defaults.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		LatencyThreshold: 200 * time.Millisecond,
		BaseInterval:     50 * time.Millisecond,
		MaxInterval:      800 * time.Millisecond,
		SampleInterval:   time.Second,
	}
}

// QualityController adapts quality level and sync interval to measured
// round-trip latency. Every sample moves each dial at most one step, so
// adaptation is monotonic per tick and never overshoots.
type QualityController struct {
	mu       sync.Mutex
	config   QualityConfig
	quality  Quality
	interval time.Duration
}

// NewQualityController starts at full quality and the base interval.
func NewQualityController(config QualityConfig) *QualityController {
	return &QualityController{
		config:   config,
		quality:  QualityFull,
		interval: config.BaseInterval,
	}
}

// Sample feeds one RTT measurement. Latency over the threshold degrades
// one step toward the floor; latency comfortably under half the threshold
// recovers one step toward full.
func (c *QualityController) Sample(rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case rtt > c.config.LatencyThreshold:
		if c.quality > QualityMinimal {
			c.quality--
		}
		c.interval = c.interval * 3 / 2
		if c.interval > c.config.MaxInterval {
			c.interval = c.config.MaxInterval
		}
	case rtt < c.config.LatencyThreshold/2:
		if c.quality < QualityFull {
			c.quality++
		}
		c.interval = c.interval * 2 / 3
		if c.interval < c.config.BaseInterval {
			c.interval = c.config.BaseInterval
		}
	}
}

// Quality returns the current quality level.
func (c *QualityController) Quality() Quality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// Interval returns the current sync batch interval.
func (c *QualityController) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}
