package tasmota

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasmolink/tasmolink/internal/device"
)

// Default discovery timings. One round of status requests goes out when
// the session starts; the session finishes when the candidate set stops
// growing between two consecutive polls. The timeout caps sessions on
// silent or busy networks.
const (
	defaultDiscoveryPoll    = 2 * time.Second
	defaultDiscoveryTimeout = 30 * time.Second
)

type sessionState int

const (
	sessionActive sessionState = iota
	sessionFinished
	sessionCancelled
)

// candidate accumulates the status responses of one device topic during a
// discovery session.
type candidate struct {
	swapped  bool
	messages map[string][]any
}

// Session is a single discovery run. The bridge feeds every stat-prefixed
// message into Collect; the session finishes on its own when the set of
// candidate devices quiesces (no new candidate between two polls) or when
// the timeout expires. Traffic from already-registered devices counts only
// toward the no-traffic/no-new-devices distinction, never toward
// quiescence.
type Session struct {
	id         string
	poll       time.Duration
	timeout    time.Duration
	exclude    map[string]struct{}
	classifier *Classifier

	mu           sync.Mutex
	state        sessionState
	candidates   map[string]*candidate
	messageCount int
	lastCount    int
	results      []*device.Device
	err          error

	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// sessionConfig configures a discovery session.
type sessionConfig struct {
	poll       time.Duration
	timeout    time.Duration
	exclude    []string
	classifier *Classifier
}

func newSession(cfg sessionConfig) *Session {
	if cfg.poll <= 0 {
		cfg.poll = defaultDiscoveryPoll
	}
	if cfg.timeout <= 0 {
		cfg.timeout = defaultDiscoveryTimeout
	}
	if cfg.classifier == nil {
		cfg.classifier = NewClassifier()
	}

	s := &Session{
		id:         uuid.New().String(),
		poll:       cfg.poll,
		timeout:    cfg.timeout,
		exclude:    make(map[string]struct{}, len(cfg.exclude)),
		classifier: cfg.classifier,
		candidates: make(map[string]*candidate),
		done:       make(chan struct{}),
		stop:       make(chan struct{}),
	}
	for _, topic := range cfg.exclude {
		s.exclude[topic] = struct{}{}
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Active reports whether the session is still collecting.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == sessionActive
}

// Done is closed when the session finishes, times out or is cancelled.
func (s *Session) Done() <-chan struct{} { return s.done }

// Results returns the discovered device descriptors. Valid once Done is
// closed; before that it returns ErrSessionActive.
func (s *Session) Results() ([]*device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == sessionActive {
		return nil, ErrSessionActive
	}
	return s.results, s.err
}

// Collect feeds one stat-prefixed message into the session. Messages for
// already-registered topics still count as traffic but are not collected
// as candidates.
func (s *Session) Collect(addr Address, payload []byte) {
	if addr.Prefix != PrefixStatus {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sessionActive {
		return
	}

	s.messageCount++

	if _, ignored := s.exclude[addr.DeviceTopic]; ignored {
		return
	}

	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return
	}

	cand, ok := s.candidates[addr.DeviceTopic]
	if !ok {
		cand = &candidate{swapped: addr.Swapped, messages: make(map[string][]any)}
		s.candidates[addr.DeviceTopic] = cand
	}
	for key, value := range body {
		if list, ok := value.([]any); ok {
			cand.messages[key] = append(cand.messages[key], list...)
			continue
		}
		cand.messages[key] = append(cand.messages[key], value)
	}
}

// run drives the poll/timeout loop. The bridge starts it in a goroutine
// after publishing the initial broadcast round.
func (s *Session) run() {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if s.tick() {
				return
			}
		case <-deadline.C:
			s.expire()
			return
		case <-s.stop:
			return
		}
	}
}

// tick checks the quiescence condition: at least one candidate has been
// collected and the candidate set has not grown since the previous tick.
// Further messages for known candidates and traffic from excluded topics
// never defer the finish. Returns true when the session finished.
func (s *Session) tick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sessionActive {
		return true
	}
	count := len(s.candidates)
	if count > 0 && count == s.lastCount {
		s.finishLocked()
		return true
	}
	s.lastCount = count
	return false
}

// expire ends the session at the timeout.
func (s *Session) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sessionActive {
		return
	}
	s.finishLocked()
}

// finishLocked synthesises device descriptors from the accumulated
// candidates and closes the session. Caller holds s.mu.
func (s *Session) finishLocked() {
	s.state = sessionFinished

	topics := make([]string, 0, len(s.candidates))
	for topic := range s.candidates {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		cand := s.candidates[topic]
		if dev := BuildDescriptor(topic, cand.swapped, cand.messages, s.classifier); dev != nil {
			s.results = append(s.results, dev)
		}
	}

	switch {
	case s.messageCount == 0:
		s.err = ErrNoTraffic
	case len(s.results) == 0:
		s.err = ErrNoNewDevices
	}

	s.stopOnce.Do(func() { close(s.stop) })
	close(s.done)
}

// Cancel aborts the session and discards its candidates.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sessionActive {
		return
	}
	s.state = sessionCancelled
	s.err = ErrSessionClosed
	s.stopOnce.Do(func() { close(s.stop) })
	close(s.done)
}
