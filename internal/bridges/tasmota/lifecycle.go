package tasmota

import (
	"sync"
	"time"
)

// Stage is a device's availability stage.
type Stage string

// Lifecycle stages.
const (
	// StageInit means the device is newly added or reconfigured and has
	// not yet produced a confirming status response.
	StageInit Stage = "init"

	// StageAvailable means the last poll was answered in time.
	StageAvailable Stage = "available"

	// StageUnavailable means the answer deadline elapsed or the device
	// announced itself offline.
	StageUnavailable Stage = "unavailable"
)

// Lifecycle timing defaults.
const (
	// defaultAnswerTimeout is how long a device has to answer a request
	// before the watchdog may mark it unavailable.
	defaultAnswerTimeout = 40 * time.Second

	// watchdogInterval is the shared tick driving CheckStatus across all
	// devices. Independent of the per-device poll cadence.
	watchdogInterval = 30 * time.Second
)

// Lifecycle tracks one device's availability state machine:
//
//	init -> available <-> unavailable
//
// Every outbound request arms an answer deadline; a shared watchdog tick
// calls CheckStatus to evaluate the deadline and to schedule re-polls.
// The explicit LWT "Offline" signal short-circuits the watchdog.
//
// Thread Safety: all methods are safe for concurrent use. The onChange
// callback is invoked without the internal lock held; calls are ordered
// per transition because transitions are serialized by the lock.
type Lifecycle struct {
	mu             sync.Mutex
	stage          Stage
	answerDeadline time.Time // zero when no answer is pending
	nextPoll       time.Time
	pollInterval   time.Duration
	answerTimeout  time.Duration

	now      func() time.Time
	onChange func(oldStage, newStage Stage)
}

// LifecycleConfig configures a device lifecycle.
type LifecycleConfig struct {
	// PollInterval is the per-device re-poll cadence.
	PollInterval time.Duration

	// AnswerTimeout overrides the default 40s answer window. Zero keeps
	// the default.
	AnswerTimeout time.Duration

	// OnChange, if set, is called after every stage transition.
	OnChange func(oldStage, newStage Stage)

	// Now overrides the clock for tests. Zero value uses time.Now.
	Now func() time.Time
}

// NewLifecycle creates a lifecycle in the init stage with an immediately
// due poll, so the first watchdog tick issues the initial status request.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	timeout := cfg.AnswerTimeout
	if timeout <= 0 {
		timeout = defaultAnswerTimeout
	}

	return &Lifecycle{
		stage:         StageInit,
		nextPoll:      now(),
		pollInterval:  cfg.PollInterval,
		answerTimeout: timeout,
		now:           now,
		onChange:      cfg.OnChange,
	}
}

// Stage returns the current stage.
func (l *Lifecycle) Stage() Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stage
}

// NoteRequest records that a request was sent. The answer deadline becomes
// the earliest of any pending deadline and now + answerTimeout: multiple
// in-flight requests share one deadline, the earliest expected answer.
func (l *Lifecycle) NoteRequest() {
	l.mu.Lock()
	defer l.mu.Unlock()

	deadline := l.now().Add(l.answerTimeout)
	if l.answerDeadline.IsZero() || deadline.Before(l.answerDeadline) {
		l.answerDeadline = deadline
	}
}

// NoteMessage records an inbound message for this device. While available,
// any message clears the pending answer deadline and defers the next poll
// by one interval.
func (l *Lifecycle) NoteMessage() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stage == StageAvailable {
		l.answerDeadline = time.Time{}
		l.nextPoll = l.now().Add(l.pollInterval)
	}
}

// MarkAvailable transitions to available after a qualifying response. The
// pending answer deadline is cleared.
func (l *Lifecycle) MarkAvailable() {
	l.mu.Lock()
	old := l.stage
	l.stage = StageAvailable
	l.answerDeadline = time.Time{}
	l.nextPoll = l.now().Add(l.pollInterval)
	l.mu.Unlock()

	l.notifyChange(old, StageAvailable)
}

// MarkOffline transitions to unavailable immediately, regardless of any
// watchdog deadline. Used for the LWT "Offline" signal. The next poll is
// left due so a poll goes out right away; a reappearing device then
// answers it and recovers.
func (l *Lifecycle) MarkOffline() {
	l.mu.Lock()
	old := l.stage
	l.stage = StageUnavailable
	l.answerDeadline = time.Time{}
	l.nextPoll = l.now()
	l.mu.Unlock()

	l.notifyChange(old, StageUnavailable)
}

// Reinit returns the lifecycle to init with an immediately due poll. Used
// when addressing settings change and the device must re-confirm.
func (l *Lifecycle) Reinit() {
	l.mu.Lock()
	old := l.stage
	l.stage = StageInit
	l.answerDeadline = time.Time{}
	l.nextPoll = l.now()
	l.mu.Unlock()

	l.notifyChange(old, StageInit)
}

// CheckStatus is the watchdog evaluation, run on the shared tick. It
// reports whether the device just became unavailable (deadline expired
// with no qualifying answer) and whether a poll is due. When a poll is
// due the next poll is rescheduled one interval out; the caller sends the
// request and calls NoteRequest.
func (l *Lifecycle) CheckStatus() (becameUnavailable, pollDue bool) {
	l.mu.Lock()
	now := l.now()
	var old Stage

	if l.stage == StageAvailable && !l.answerDeadline.IsZero() && !now.Before(l.answerDeadline) {
		old = l.stage
		l.stage = StageUnavailable
		l.answerDeadline = time.Time{}
		becameUnavailable = true
	}

	if !now.Before(l.nextPoll) {
		l.nextPoll = now.Add(l.pollInterval)
		pollDue = true
	}
	l.mu.Unlock()

	if becameUnavailable {
		l.notifyChange(old, StageUnavailable)
	}
	return becameUnavailable, pollDue
}

// SetTimings replaces the poll interval and answer timeout. Applied when
// a device's timing settings change without its addressing changing, so
// the lifecycle keeps its stage. A pending answer deadline is left as is;
// the new timeout takes effect from the next request.
func (l *Lifecycle) SetTimings(pollInterval, answerTimeout time.Duration) {
	if answerTimeout <= 0 {
		answerTimeout = defaultAnswerTimeout
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if pollInterval != l.pollInterval {
		l.nextPoll = l.now().Add(pollInterval)
	}
	l.pollInterval = pollInterval
	l.answerTimeout = answerTimeout
}

// AnswerPending reports whether an answer deadline is armed.
func (l *Lifecycle) AnswerPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.answerDeadline.IsZero()
}

func (l *Lifecycle) notifyChange(old, current Stage) {
	if old == current || l.onChange == nil {
		return
	}
	l.onChange(old, current)
}
