// Package origin owns the world coordinate frame. Relocalizing pauses the
// camera session and restarts it with tracking reset, so the next reported
// camera pose becomes the new world origin.
package origin

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/worldtrack/internal/session"
	"github.com/banshee-data/worldtrack/internal/timeutil"
)

// Policy decides which newly created tracked objects trigger a relocalization.
type Policy string

const (
	// PolicyEveryNew relocalizes on every newly seen marker identity.
	PolicyEveryNew Policy = "every_new"
	// PolicyOnce relocalizes on the first marker ever seen, then never again.
	PolicyOnce Policy = "once"
	// PolicyNever never relocalizes automatically.
	PolicyNever Policy = "never"
)

// ParsePolicy validates a policy name. The empty string selects PolicyEveryNew.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyEveryNew:
		return PolicyEveryNew, nil
	case PolicyOnce, PolicyNever:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown relocalize policy %q (want every_new, once or never)", s)
}

// Reason records why a relocalization happened.
type Reason string

const (
	ReasonNewMarker Reason = "new_marker"
	ReasonManual    Reason = "manual"
)

// NoMarker is the marker id recorded for relocalizations not caused by a marker.
const NoMarker = -1

// Event describes a completed relocalization.
type Event struct {
	Epoch    uint64    `json:"epoch"`
	Reason   Reason    `json:"reason"`
	MarkerID int       `json:"marker_id"`
	At       time.Time `json:"at"`
}

// Observer is notified after each relocalization, on the caller's goroutine.
type Observer interface {
	OriginRelocalized(ev Event)
}

// Manager performs relocalizations. Epoch 0 is the origin the session
// started with; each relocalization increments it.
type Manager struct {
	session session.Session
	config  session.Configuration
	policy  Policy
	clock   timeutil.Clock

	mu        sync.Mutex
	epoch     uint64
	anchored  bool
	last      Event
	observers []Observer
}

// NewManager creates a manager that restarts s with cfg when relocalizing.
func NewManager(s session.Session, cfg session.Configuration, policy Policy, clock timeutil.Clock) *Manager {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if policy == "" {
		policy = PolicyEveryNew
	}
	return &Manager{
		session: s,
		config:  cfg,
		policy:  policy,
		clock:   clock,
	}
}

// AddObserver registers o for relocalization events.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Policy returns the configured policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// ShouldRelocalize reports whether a newly created object should trigger a
// relocalization under the configured policy.
func (m *Manager) ShouldRelocalize() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.policy {
	case PolicyNever:
		return false
	case PolicyOnce:
		return !m.anchored
	default:
		return true
	}
}

// ObjectCreated applies the policy for a newly created object and
// relocalizes if it says so.
func (m *Manager) ObjectCreated(markerID int) (bool, error) {
	if !m.ShouldRelocalize() {
		tracef("marker %d created, policy %s skips relocalization", markerID, m.policy)
		return false, nil
	}
	if _, err := m.Relocalize(ReasonNewMarker, markerID); err != nil {
		return false, err
	}
	return true, nil
}

// Relocalize pauses the session and restarts it with tracking reset and
// anchors removed. It is destructive: every world transform computed
// against the previous origin is stale afterwards. The epoch only advances
// when the restart succeeds.
func (m *Manager) Relocalize(reason Reason, markerID int) (Event, error) {
	m.mu.Lock()
	m.session.Pause()
	if err := m.session.Run(m.config, session.ResetOptions()); err != nil {
		m.mu.Unlock()
		opsf("relocalization (%s, marker %d) failed to restart session: %v", reason, markerID, err)
		return Event{}, fmt.Errorf("restart session: %w", err)
	}
	m.epoch++
	if reason == ReasonNewMarker {
		m.anchored = true
	}
	ev := Event{Epoch: m.epoch, Reason: reason, MarkerID: markerID, At: m.clock.Now()}
	m.last = ev
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	diagf("world origin reset: epoch=%d reason=%s marker=%d", ev.Epoch, ev.Reason, ev.MarkerID)
	for _, o := range observers {
		o.OriginRelocalized(ev)
	}
	return ev, nil
}

// Epoch returns the current origin epoch.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Last returns the most recent relocalization, if any.
func (m *Manager) Last() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.epoch > 0
}
