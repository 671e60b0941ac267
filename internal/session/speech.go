package session

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/claude/squatcoach/internal/pose"
)

// Throttle gates spoken cues: never while one is playing, and never within
// the cooldown of the previous one finishing. Pure value, no clock of its
// own.
type Throttle struct {
	Cooldown       time.Duration
	speaking       bool
	lastFinishedAt time.Time
	hasFinished    bool
}

// CanPlay reports whether a cue may start at the given time.
func (t Throttle) CanPlay(at time.Time) bool {
	if t.speaking {
		return false
	}
	if !t.hasFinished {
		return true
	}
	return at.Sub(t.lastFinishedAt) >= t.Cooldown
}

// MarkStarted records that an utterance began.
func (t *Throttle) MarkStarted() {
	t.speaking = true
}

// MarkFinished records that the current utterance ended at the given time.
func (t *Throttle) MarkFinished(at time.Time) {
	t.speaking = false
	t.lastFinishedAt = at
	t.hasFinished = true
}

// Synthesizer plays one phrase, blocking until it finishes or is stopped.
type Synthesizer interface {
	Speak(phrase string) error
	Stop()
}

// SpeechConfig selects phrases and the cooldown between utterances.
type SpeechConfig struct {
	Cooldown          time.Duration
	PositivePhrases   []string
	CorrectionPhrases map[pose.CorrectionReason]string
}

// DefaultSpeechConfig returns the production phrase set.
func DefaultSpeechConfig() SpeechConfig {
	return SpeechConfig{
		Cooldown: 3 * time.Second,
		PositivePhrases: []string{
			"Great depth!",
			"Nice squat!",
			"Strong rep!",
		},
		CorrectionPhrases: map[pose.CorrectionReason]string{
			pose.CorrectionInsufficientDepth: "Drop your hips lower.",
			pose.CorrectionInstability:       "Keep a steady pace.",
			pose.CorrectionLowConfidence:     "Step back into view.",
		},
	}
}

// SpeechManager turns coaching cues into throttled spoken phrases. Enqueue
// never blocks the caller; dropped cues (throttled) are silent by design
// since another cue will follow within a frame or two.
type SpeechManager struct {
	mu       sync.Mutex
	config   SpeechConfig
	throttle Throttle
	synth    Synthesizer
	clock    func() time.Time
	pick     func(n int) int
}

// NewSpeechManager creates a manager speaking through synth.
func NewSpeechManager(config SpeechConfig, synth Synthesizer) *SpeechManager {
	return &SpeechManager{
		config:   config,
		throttle: Throttle{Cooldown: config.Cooldown},
		synth:    synth,
		clock:    time.Now,
		pick:     rand.IntN,
	}
}

// Enqueue plays the cue if the throttle allows it, asynchronously.
func (m *SpeechManager) Enqueue(cue pose.Cue) {
	m.mu.Lock()
	if !m.throttle.CanPlay(m.clock()) {
		m.mu.Unlock()
		return
	}
	m.throttle.MarkStarted()
	phrase := m.phrase(cue)
	m.mu.Unlock()

	go func() {
		_ = m.synth.Speak(phrase) // speech failures are silent, not fatal
		m.mu.Lock()
		m.throttle.MarkFinished(m.clock())
		m.mu.Unlock()
	}()
}

// Stop cancels any in-flight utterance.
func (m *SpeechManager) Stop() {
	m.synth.Stop()
}

func (m *SpeechManager) phrase(cue pose.Cue) string {
	if cue.Kind == pose.CueCorrection {
		if phrase, ok := m.config.CorrectionPhrases[cue.Reason]; ok {
			return phrase
		}
		return "Adjust your form."
	}
	if len(m.config.PositivePhrases) == 0 {
		return "Great job!"
	}
	return m.config.PositivePhrases[m.pick(len(m.config.PositivePhrases))]
}
