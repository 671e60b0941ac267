package session

import (
	"sync"
	"testing"
	"time"

	"github.com/claude/squatcoach/internal/pose"
)

// TestThrottleBlocksWhileSpeaking verifies no overlap between utterances.
func TestThrottleBlocksWhileSpeaking(t *testing.T) {
	throttle := Throttle{Cooldown: 3 * time.Second}
	now := time.Unix(0, 0)

	if !throttle.CanPlay(now) {
		t.Fatal("fresh throttle should allow playback")
	}
	throttle.MarkStarted()
	if throttle.CanPlay(now.Add(10 * time.Second)) {
		t.Error("must not play while speaking, regardless of elapsed time")
	}
}

// TestThrottleEnforcesCooldown verifies the gap after an utterance ends.
func TestThrottleEnforcesCooldown(t *testing.T) {
	throttle := Throttle{Cooldown: 3 * time.Second}
	finished := time.Unix(100, 0)

	throttle.MarkStarted()
	throttle.MarkFinished(finished)

	if throttle.CanPlay(finished.Add(2 * time.Second)) {
		t.Error("playback inside the cooldown should be blocked")
	}
	if !throttle.CanPlay(finished.Add(3 * time.Second)) {
		t.Error("playback at exactly the cooldown should be allowed")
	}
}

type recordingSynth struct {
	mu      sync.Mutex
	phrases []string
	stops   int
	done    chan struct{}
}

func (s *recordingSynth) Speak(phrase string) error {
	s.mu.Lock()
	s.phrases = append(s.phrases, phrase)
	s.mu.Unlock()
	if s.done != nil {
		s.done <- struct{}{}
	}
	return nil
}

func (s *recordingSynth) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *recordingSynth) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.phrases...)
}

// TestSpeechManagerSpeaksCorrectionPhrase verifies cue-to-phrase mapping.
func TestSpeechManagerSpeaksCorrectionPhrase(t *testing.T) {
	synth := &recordingSynth{done: make(chan struct{}, 1)}
	manager := NewSpeechManager(DefaultSpeechConfig(), synth)

	manager.Enqueue(pose.Correction(pose.CorrectionInsufficientDepth))

	select {
	case <-synth.done:
	case <-time.After(2 * time.Second):
		t.Fatal("synthesizer never invoked")
	}
	if got := synth.spoken(); len(got) != 1 || got[0] != "Drop your hips lower." {
		t.Errorf("spoken phrases: %v", got)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) read() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestSpeechManagerDropsCuesInsideCooldown verifies throttled cues are
// silently discarded.
func TestSpeechManagerDropsCuesInsideCooldown(t *testing.T) {
	synth := &recordingSynth{done: make(chan struct{}, 8)}
	manager := NewSpeechManager(DefaultSpeechConfig(), synth)

	clock := &fakeClock{now: time.Unix(1000, 0)}
	manager.clock = clock.read

	manager.Enqueue(pose.Positive())
	select {
	case <-synth.done:
	case <-time.After(2 * time.Second):
		t.Fatal("first utterance never played")
	}

	// Inside the 3s cooldown relative to the first utterance finishing:
	// dropped whether the utterance is still marked speaking or already in
	// cooldown.
	clock.advance(time.Second)
	manager.Enqueue(pose.Positive())

	// Past the cooldown. Retry briefly: the first utterance's finish is
	// recorded asynchronously after Speak returns.
	clock.advance(5 * time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for len(synth.spoken()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("second utterance never played")
		}
		manager.Enqueue(pose.Positive())
		time.Sleep(5 * time.Millisecond)
	}

	if got := synth.spoken(); len(got) != 2 {
		t.Errorf("expected 2 utterances (middle cue dropped), got %d: %v", len(got), got)
	}
}

// TestSpeechManagerStopForwardsToSynthesizer verifies teardown.
func TestSpeechManagerStopForwardsToSynthesizer(t *testing.T) {
	synth := &recordingSynth{}
	manager := NewSpeechManager(DefaultSpeechConfig(), synth)

	manager.Stop()
	if synth.stops != 1 {
		t.Errorf("expected 1 stop call, got %d", synth.stops)
	}
}
