package pose

import "math"

// Config tunes the rep-counting thresholds and timing windows. All durations
// are in seconds of session-clock time, so variable frame rates are tolerated.
type Config struct {
	// DescentThreshold is the normalized depth at which a descent commits.
	DescentThreshold float64
	// ReleaseThreshold is the depth at which an ascent scores the rep.
	// Must be below DescentThreshold.
	ReleaseThreshold float64
	// MinDwellTime is how long depth must hold past DescentThreshold before
	// the bottom counts as reached.
	MinDwellTime float64
	// MinConfidence gates processing on average lower-body confidence.
	MinConfidence float64
	// SmoothingAlpha is the EMA weight applied to the raw depth.
	SmoothingAlpha float64
	// RepCompletionHold is how long the repCompleted phase is held before
	// reverting to idle.
	RepCompletionHold float64
	// InvalidMotionGrace is how long a shallow bounce may last before it
	// earns an insufficient-depth correction instead of a silent revert.
	InvalidMotionGrace float64
	// SampleResetInterval is the gap between frames after which smoothing
	// and dwell state are discarded as stale.
	SampleResetInterval float64
}

// DefaultConfig returns the tuned production thresholds.
func DefaultConfig() Config {
	return Config{
		DescentThreshold:    0.12,
		ReleaseThreshold:    0.04,
		MinDwellTime:        0.18,
		MinConfidence:       0.45,
		SmoothingAlpha:      0.35,
		RepCompletionHold:   0.25,
		InvalidMotionGrace:  0.45,
		SampleResetInterval: 1.50,
	}
}

// Result is the outcome of processing a single frame.
type Result struct {
	Phase           Phase
	RepetitionCount int
	Cue             *Cue
	Confidence      float64
}

// Snapshot is the immutable cumulative record handed to the session summary.
type Snapshot struct {
	RepetitionCount  int
	TempoSamples     []float64
	CorrectionCounts map[CorrectionReason]int
}

// Counter converts a stream of pose frames into phase transitions, a
// repetition count and coaching cues. It owns all of its state; callers
// must not invoke Process concurrently.
type Counter struct {
	cfg Config

	phase              Phase
	repCount           int
	smoothedDepth      float64
	dwellStart         float64
	dwellActive        bool
	bottomReached      bool
	lowConfidence      bool
	lastRepCompletedAt float64
	hasLastRep         bool
	lastSampleAt       float64
	hasLastSample      bool

	tempoSamples     []float64
	correctionCounts map[CorrectionReason]int
}

// NewCounter creates a counter with the given configuration.
func NewCounter(cfg Config) *Counter {
	c := &Counter{cfg: cfg}
	c.Reset()
	return c
}

// Reset zeroes all mutable state, including the cumulative count.
func (c *Counter) Reset() {
	c.phase = Idle()
	c.repCount = 0
	c.smoothedDepth = 0
	c.dwellActive = false
	c.bottomReached = false
	c.lowConfidence = false
	c.hasLastRep = false
	c.hasLastSample = false
	c.tempoSamples = nil
	c.correctionCounts = make(map[CorrectionReason]int)
}

// RepetitionCount returns the cumulative rep count.
func (c *Counter) RepetitionCount() int { return c.repCount }

// SnapshotResults returns the cumulative session results.
func (c *Counter) SnapshotResults() Snapshot {
	tempo := make([]float64, len(c.tempoSamples))
	copy(tempo, c.tempoSamples)
	counts := make(map[CorrectionReason]int, len(c.correctionCounts))
	for reason, n := range c.correctionCounts {
		counts[reason] = n
	}
	return Snapshot{
		RepetitionCount:  c.repCount,
		TempoSamples:     tempo,
		CorrectionCounts: counts,
	}
}

// SuspendForTrackingLoss is the externally-triggered equivalent of losing
// the pose entirely between frames. It forces the low-confidence path
// without a frame and reports confidence 0.
func (c *Counter) SuspendForTrackingLoss() Result {
	cue := c.enterLowConfidence()
	if cue == nil {
		lc := Correction(CorrectionLowConfidence)
		cue = &lc
	}
	return c.result(cue, 0)
}

// Process advances the counter by one frame and returns the resulting
// phase, count, optional cue, and the confidence used for gating.
func (c *Counter) Process(frame Frame) Result {
	timestamp := frame.Timestamp

	// Discard stale smoothing/dwell state after a long gap (backgrounding)
	// without resetting the cumulative count.
	if c.hasLastSample && timestamp-c.lastSampleAt > c.cfg.SampleResetInterval {
		c.smoothedDepth = 0
		c.dwellActive = false
		c.bottomReached = false
	}
	c.lastSampleAt = timestamp
	c.hasLastSample = true

	hipMid, okHip := frame.HipMidpoint()
	kneeMid, okKnee := frame.KneeMidpoint()
	ankleMid, okAnkle := frame.AnkleMidpoint()
	if !okHip || !okKnee || !okAnkle {
		return c.result(c.enterLowConfidence(), 0)
	}

	confidence := math.Max(math.Min(frame.AverageLowerBodyConfidence(), 1), 0)
	if confidence < c.cfg.MinConfidence {
		return c.result(c.enterLowConfidence(), confidence)
	}

	if c.lowConfidence {
		c.lowConfidence = false
		// Restart from idle; resuming mid-rep from an uncertain baseline
		// risks false completions from stale geometry.
		c.phase = Idle()
		c.dwellActive = false
		c.bottomReached = false
	}

	hipDepth := math.Max(hipMid.Y-kneeMid.Y, 0)
	ankleBaseline := math.Max(ankleMid.Y-kneeMid.Y, 0.01)
	normalizedDepth := hipDepth / ankleBaseline

	c.smoothedDepth = c.cfg.SmoothingAlpha*normalizedDepth + (1-c.cfg.SmoothingAlpha)*c.smoothedDepth
	progress := c.clampedProgress(c.smoothedDepth)

	var cue *Cue
	switch c.phase.Kind {
	case PhaseIdle:
		c.dwellActive = false
		c.bottomReached = false
		if normalizedDepth >= c.cfg.DescentThreshold {
			c.dwellStart = timestamp
			c.dwellActive = true
			c.phase = Descending(progress)
		}

	case PhaseDescending:
		if normalizedDepth >= c.cfg.DescentThreshold {
			c.phase = Descending(progress)
			if !c.dwellActive {
				c.dwellStart = timestamp
				c.dwellActive = true
			}
			if c.dwellActive && timestamp-c.dwellStart >= c.cfg.MinDwellTime {
				c.bottomReached = true
			}
		} else if c.bottomReached {
			cue = c.advanceAscending(normalizedDepth, timestamp, progress)
		} else if c.dwellActive && timestamp-c.dwellStart >= c.cfg.InvalidMotionGrace {
			lc := Correction(CorrectionInsufficientDepth)
			cue = &lc
			c.correctionCounts[CorrectionInsufficientDepth]++
			c.phase = Idle()
			c.clearDescent()
		} else {
			// Too-brief partial motion; revert silently.
			c.phase = Idle()
			c.clearDescent()
		}

	case PhaseAscending:
		cue = c.advanceAscending(normalizedDepth, timestamp, progress)

	case PhaseRepCompleted:
		if c.hasLastRep && timestamp-c.lastRepCompletedAt >= c.cfg.RepCompletionHold {
			c.phase = Idle()
		} else {
			c.phase = RepCompleted(c.repCount, c.holdTimestamp(timestamp))
		}

	case PhasePausedLowConfidence:
		c.phase = Idle()
		c.clearDescent()
		if normalizedDepth >= c.cfg.DescentThreshold {
			c.phase = Descending(progress)
			c.dwellStart = timestamp
			c.dwellActive = true
		}
	}

	return c.result(cue, confidence)
}

// enterLowConfidence transitions into the paused phase and emits the
// correction cue once per low-confidence episode.
func (c *Counter) enterLowConfidence() *Cue {
	if c.lowConfidence {
		return nil
	}
	c.lowConfidence = true
	c.clearDescent()
	c.phase = PausedLowConfidence()
	c.correctionCounts[CorrectionLowConfidence]++
	cue := Correction(CorrectionLowConfidence)
	return &cue
}

func (c *Counter) clearDescent() {
	c.dwellActive = false
	c.bottomReached = false
}

func (c *Counter) advanceAscending(normalizedDepth, timestamp, progress float64) *Cue {
	if normalizedDepth <= c.cfg.ReleaseThreshold {
		c.repCount++
		if c.hasLastRep {
			c.tempoSamples = append(c.tempoSamples, timestamp-c.lastRepCompletedAt)
		}
		c.phase = RepCompleted(c.repCount, timestamp)
		c.lastRepCompletedAt = timestamp
		c.hasLastRep = true
		c.clearDescent()
		cue := Positive()
		return &cue
	}
	c.phase = Ascending(progress)
	return nil
}

func (c *Counter) clampedProgress(depth float64) float64 {
	span := math.Max(c.cfg.DescentThreshold-c.cfg.ReleaseThreshold, 0.001)
	normalized := (depth - c.cfg.ReleaseThreshold) / span
	return math.Max(math.Min(normalized, 1), 0)
}

func (c *Counter) holdTimestamp(fallback float64) float64 {
	if c.hasLastRep {
		return c.lastRepCompletedAt
	}
	return fallback
}

func (c *Counter) result(cue *Cue, confidence float64) Result {
	return Result{
		Phase:           c.phase,
		RepetitionCount: c.repCount,
		Cue:             cue,
		Confidence:      confidence,
	}
}
