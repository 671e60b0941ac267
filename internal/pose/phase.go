package pose

// PhaseKind discriminates the squat phases a session can be in.
type PhaseKind string

const (
	PhaseIdle                PhaseKind = "idle"
	PhaseDescending          PhaseKind = "descending"
	PhaseAscending           PhaseKind = "ascending"
	PhaseRepCompleted        PhaseKind = "rep_completed"
	PhasePausedLowConfidence PhaseKind = "paused_low_confidence"
)

// Phase is the current point in the rep cycle. Progress is meaningful for
// descending/ascending; RepCount and Timestamp for repCompleted. Phases are
// comparable values.
type Phase struct {
	Kind      PhaseKind
	Progress  float64
	RepCount  int
	Timestamp float64
}

// Idle returns the resting phase.
func Idle() Phase { return Phase{Kind: PhaseIdle} }

// Descending returns a descending phase at the given progress in [0,1].
func Descending(progress float64) Phase {
	return Phase{Kind: PhaseDescending, Progress: progress}
}

// Ascending returns an ascending phase at the given progress in [0,1].
func Ascending(progress float64) Phase {
	return Phase{Kind: PhaseAscending, Progress: progress}
}

// RepCompleted returns the transient completion phase for rep number count.
func RepCompleted(count int, timestamp float64) Phase {
	return Phase{Kind: PhaseRepCompleted, RepCount: count, Timestamp: timestamp}
}

// PausedLowConfidence returns the phase used while tracking is unreliable.
func PausedLowConfidence() Phase { return Phase{Kind: PhasePausedLowConfidence} }

// CueKind discriminates coaching cues.
type CueKind string

const (
	CuePositive   CueKind = "positive"
	CueCorrection CueKind = "correction"
)

// CorrectionReason explains a correction cue.
type CorrectionReason string

const (
	CorrectionInsufficientDepth CorrectionReason = "insufficient_depth"
	CorrectionInstability       CorrectionReason = "instability"
	CorrectionLowConfidence     CorrectionReason = "low_confidence"
)

// Cue is a coaching cue emitted for at most one processed frame.
type Cue struct {
	Kind   CueKind
	Reason CorrectionReason
}

// Positive returns the rep-scored cue.
func Positive() Cue { return Cue{Kind: CuePositive} }

// Correction returns a correction cue for the given reason.
func Correction(reason CorrectionReason) Cue {
	return Cue{Kind: CueCorrection, Reason: reason}
}
