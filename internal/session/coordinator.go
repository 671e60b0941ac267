package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/claude/squatcoach/internal/pose"
)

// Camera is the capture collaborator. RequestPermissions blocks until the
// user answers; Start begins delivering frames to the coordinator.
type Camera interface {
	RequestPermissions(ctx context.Context) (bool, error)
	Start() error
	Stop()
}

// PosePipeline is the pose-detection collaborator.
type PosePipeline interface {
	Resume()
	Cancel()
}

// SpeechCoach voices coaching cues.
type SpeechCoach interface {
	Enqueue(cue pose.Cue)
	Stop()
}

// Output receives coordinator callbacks. Overlay frames are nil while the
// phase is pausedLowConfidence so the UI never draws a skeleton it can't
// trust, and on tracking loss.
type Output interface {
	StateChanged(state State)
	ResultUpdated(result pose.Result)
	OverlayUpdated(frame *pose.Frame, phase pose.Phase)
	SessionFailed(err Error)
}

// Coordinator drives the camera, pose pipeline, rep counter, and speech
// coach through the session machine. It owns its collaborators exclusively;
// Start and Stop must be serialized by the caller.
type Coordinator struct {
	mu      sync.Mutex
	machine Machine
	state   State

	camera   Camera
	pipeline PosePipeline
	counter  *pose.Counter
	speech   SpeechCoach
	output   Output
	log      *slog.Logger
}

// NewCoordinator wires the collaborators together.
func NewCoordinator(camera Camera, pipeline PosePipeline, counter *pose.Counter, speech SpeechCoach, output Output, log *slog.Logger) *Coordinator {
	c := &Coordinator{
		camera:   camera,
		pipeline: pipeline,
		counter:  counter,
		speech:   speech,
		output:   output,
		log:      log,
	}
	c.state = c.machine.InitialState()
	return c
}

// CurrentState returns the current session state.
func (c *Coordinator) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start resets the counter, requests camera permissions, and on grant
// configures and starts the live session.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.counter.Reset()
	c.applyLocked(Event{Kind: EventRequestPermissions})
	c.mu.Unlock()

	granted, err := c.camera.RequestPermissions(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		failure := Error{Kind: ErrCameraUnavailable, Detail: err.Error()}
		c.applyLocked(Event{Kind: EventFatalError, Err: failure})
		c.output.SessionFailed(failure)
		return
	}
	if !granted {
		c.applyLocked(Event{Kind: EventPermissionsDenied})
		c.output.SessionFailed(Error{Kind: ErrPermissionsDenied})
		return
	}
	c.applyLocked(Event{Kind: EventPermissionsGranted})
	c.configureAndStartLocked()
}

// Stop tears down all collaborators and resets the counter.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.camera.Stop()
	c.pipeline.Cancel()
	c.speech.Stop()
	c.counter.Reset()
	c.applyLocked(Event{Kind: EventSessionEnded})
}

// CaptureSummarySnapshot stops the live collaborators and returns the
// counter's cumulative results, resetting it for a subsequent attempt.
func (c *Coordinator) CaptureSummarySnapshot() pose.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.camera.Stop()
	c.pipeline.Cancel()
	c.speech.Stop()
	snapshot := c.counter.SnapshotResults()
	c.counter.Reset()
	return snapshot
}

// PresentSummary transitions the session to the summary state.
func (c *Coordinator) PresentSummary(summary *SummaryContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(Event{Kind: EventSummaryReady, Summary: summary})
}

// HandleFrame feeds one detected pose frame through the rep counter and
// fans the result out to the overlay, the state machine, the output, and
// the speech coach.
func (c *Coordinator) HandleFrame(frame pose.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := c.counter.Process(frame)
	var overlay *pose.Frame
	if result.Phase.Kind != pose.PhasePausedLowConfidence {
		overlay = &frame
	}
	c.dispatchLocked(result, overlay)
}

// HandleTrackingLoss reports that no pose could be decoded from the current
// capture stream.
func (c *Coordinator) HandleTrackingLoss() {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := c.counter.SuspendForTrackingLoss()
	c.dispatchLocked(result, nil)
}

// HandleBackground tears down capture when the app loses foreground. The
// counter keeps its cumulative count; only the camera and pipeline are
// rebuilt on resume.
func (c *Coordinator) HandleBackground() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipeline.Cancel()
	c.camera.Stop()
	c.applyLocked(Event{Kind: EventEnteredBackground})
}

// HandleForeground reconfigures and restarts capture after backgrounding.
func (c *Coordinator) HandleForeground() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(Event{Kind: EventResumedForeground})
	c.configureAndStartLocked()
}

// HandleInterruption reacts to a capture interruption (call, audio route).
func (c *Coordinator) HandleInterruption(interruption Interruption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipeline.Cancel()
	c.applyLocked(Event{Kind: EventInterruptionBegan, Interruption: interruption})
}

// HandleInterruptionEnded restarts capture after an interruption clears.
func (c *Coordinator) HandleInterruptionEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(Event{Kind: EventInterruptionEnded})
	c.configureAndStartLocked()
}

// HandleCameraError reports a fatal capture failure.
func (c *Coordinator) HandleCameraError(err Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(Event{Kind: EventFatalError, Err: err})
	c.output.SessionFailed(err)
}

func (c *Coordinator) configureAndStartLocked() {
	c.applyLocked(Event{Kind: EventConfigurationStarted})
	c.pipeline.Resume()
	if err := c.camera.Start(); err != nil {
		failure := Error{Kind: ErrConfigurationFailed, Detail: err.Error()}
		c.applyLocked(Event{Kind: EventConfigurationFailed, Err: failure})
		c.output.SessionFailed(failure)
		return
	}
	c.applyLocked(Event{Kind: EventConfigurationSucceeded, Phase: pose.Idle()})
}

func (c *Coordinator) dispatchLocked(result pose.Result, overlay *pose.Frame) {
	c.output.OverlayUpdated(overlay, result.Phase)
	c.applyLocked(Event{Kind: EventPosePhaseChanged, Phase: result.Phase})
	c.output.ResultUpdated(result)
	if result.Cue != nil {
		c.speech.Enqueue(*result.Cue)
		c.log.Debug("coaching cue", "kind", result.Cue.Kind, "reason", result.Cue.Reason)
	}
}

func (c *Coordinator) applyLocked(event Event) {
	next := c.machine.Transition(c.state, event)
	c.state = next
	c.log.Debug("session transition", "event", event.Kind, "state", next.Kind)
	c.output.StateChanged(next)
}
