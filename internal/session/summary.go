package session

import (
	"sort"
	"time"

	"github.com/claude/squatcoach/internal/pose"
)

// TempoInsight classifies the average gap between completed reps.
type TempoInsight string

const (
	TempoInsufficientData TempoInsight = "insufficient_data"
	TempoSteady           TempoInsight = "steady"
	TempoNeedsControl     TempoInsight = "needs_control"
	TempoExplosive        TempoInsight = "explosive"
)

// Title returns the headline for the insight card.
func (t TempoInsight) Title() string {
	switch t {
	case TempoSteady:
		return "Steady Tempo"
	case TempoNeedsControl:
		return "Slow It Down"
	case TempoExplosive:
		return "Explosive Power"
	default:
		return "Need more reps"
	}
}

// Subtitle returns the supporting copy for the insight card.
func (t TempoInsight) Subtitle() string {
	switch t {
	case TempoSteady:
		return "You maintained a consistent pace – keep stacking controlled reps."
	case TempoNeedsControl:
		return "Pace felt rushed. Focus on a smoother descent and hold at the bottom."
	case TempoExplosive:
		return "Powerful intent detected. Maintain control on the way down."
	default:
		return "Complete at least one full rep to see tempo insights."
	}
}

// CoachingNote aggregates one correction reason across the set.
type CoachingNote struct {
	Reason pose.CorrectionReason
	Count  int
}

// Message returns the user-facing coaching copy for the note.
func (n CoachingNote) Message() string {
	switch n.Reason {
	case pose.CorrectionInsufficientDepth:
		return "Hit depth: squeeze your hips below your knees to lock the rep."
	case pose.CorrectionInstability:
		return "Stabilize: plant your feet and control the ascent."
	case pose.CorrectionLowConfidence:
		return "Keep your body centered in frame for accurate tracking."
	default:
		return "Adjust your form."
	}
}

// SessionSummary is the immutable post-set result shown on the summary
// screen and attached to attempt logs.
type SessionSummary struct {
	AttemptIndex        int
	TotalReps           int
	TempoInsight        TempoInsight
	AverageTempoSeconds float64
	HasAverageTempo     bool
	CoachingNotes       []CoachingNote
	Duration            time.Duration
	GeneratedAt         time.Time
}

// CTAKind discriminates the summary screen's primary call to action.
type CTAKind string

const (
	CTAAwaitingDecision      CTAKind = "awaiting_decision"
	CTASecondAttemptEligible CTAKind = "second_attempt_eligible"
	CTALocked                CTAKind = "locked"
	CTAProUnlocked           CTAKind = "pro_unlocked"
)

// SummaryCTA is the quota-derived call to action accompanying a summary.
// Message is set only when locked.
type SummaryCTA struct {
	Kind    CTAKind
	Message string
}

// PrimaryButtonTitle returns the button label for the CTA.
func (c SummaryCTA) PrimaryButtonTitle() string {
	switch c.Kind {
	case CTASecondAttemptEligible:
		return "One more go"
	case CTALocked:
		return "Continue to Paywall"
	case CTAProUnlocked:
		return "Start Coaching"
	default:
		return "Checking eligibility…"
	}
}

// SummaryContext pairs the summary with its call to action.
type SummaryContext struct {
	Summary SessionSummary
	CTA     SummaryCTA
}

// SummaryInput carries everything needed to build a summary.
type SummaryInput struct {
	AttemptIndex int
	Snapshot     pose.Snapshot
	Duration     time.Duration
	GeneratedAt  time.Time
}

// NewSummary derives the tempo insight and coaching notes from a counter
// snapshot. Averages under 1s read as explosive, 1–2s as steady, and 2s or
// more as needing control; no samples means no insight.
func NewSummary(input SummaryInput) SessionSummary {
	insight, average, hasAverage := tempoInsight(input.Snapshot.TempoSamples)
	return SessionSummary{
		AttemptIndex:        input.AttemptIndex,
		TotalReps:           input.Snapshot.RepetitionCount,
		TempoInsight:        insight,
		AverageTempoSeconds: average,
		HasAverageTempo:     hasAverage,
		CoachingNotes:       coachingNotes(input.Snapshot.CorrectionCounts),
		Duration:            input.Duration,
		GeneratedAt:         input.GeneratedAt,
	}
}

func tempoInsight(samples []float64) (TempoInsight, float64, bool) {
	if len(samples) == 0 {
		return TempoInsufficientData, 0, false
	}
	total := 0.0
	for _, s := range samples {
		total += s
	}
	average := total / float64(len(samples))
	switch {
	case average < 1.0:
		return TempoExplosive, average, true
	case average < 2.0:
		return TempoSteady, average, true
	default:
		return TempoNeedsControl, average, true
	}
}

// coachingNotes orders notes most-frequent first, breaking ties by reason
// so the output is deterministic.
func coachingNotes(counts map[pose.CorrectionReason]int) []CoachingNote {
	notes := make([]CoachingNote, 0, len(counts))
	for reason, count := range counts {
		if count > 0 {
			notes = append(notes, CoachingNote{Reason: reason, Count: count})
		}
	}
	sort.Slice(notes, func(i, j int) bool {
		if notes[i].Count != notes[j].Count {
			return notes[i].Count > notes[j].Count
		}
		return notes[i].Reason < notes[j].Reason
	})
	return notes
}
