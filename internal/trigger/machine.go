// Package trigger implements hysteresis state machines over indicator
// values and the per-strategy supervisor that polls them.
//
// A machine avoids re-firing on threshold chatter: the value must first
// cross the threshold (Armed), then penetrate it by the hysteresis band
// before a Fire is emitted, and each Fire is followed by a cooldown during
// which the machine is inert.
package trigger

import (
	"fmt"
	"time"

	"hyperagent/pkg/types"
)

// State is the machine's position in the Watching/Armed/Cooldown cycle.
type State string

const (
	Watching State = "watching"
	Armed    State = "armed"
	Cooldown State = "cooldown"
)

// EventKind distinguishes real fires from near-miss context notes.
type EventKind string

const (
	EventFire     EventKind = "fire"
	EventNearMiss EventKind = "near_miss"
)

// Event is one machine output.
type Event struct {
	TriggerID   string
	Kind        EventKind
	Value       float64
	At          time.Time
	Description string
}

// Machine is the hysteresis state machine for one trigger of one strategy.
// Not safe for concurrent use; the owning supervisor is its only caller.
type Machine struct {
	spec        types.TriggerSpec
	state       State
	armedAt     time.Time
	lastFiredAt time.Time
	nearMisses  int
	inNearZone  bool // edge-detect so hovering emits one note, not one per poll
}

func NewMachine(spec types.TriggerSpec) *Machine {
	if spec.NearMissFraction == 0 {
		spec.NearMissFraction = 0.8
	}
	return &Machine{spec: spec, state: Watching}
}

func (m *Machine) State() State    { return m.state }
func (m *Machine) NearMisses() int { return m.nearMisses }

// Step feeds one indicator reading through the machine and returns the
// resulting event, if any.
func (m *Machine) Step(value float64, now time.Time) *Event {
	if m.state == Cooldown {
		if now.Sub(m.lastFiredAt) < time.Duration(m.spec.CooldownMinutes)*time.Minute {
			return nil
		}
		m.state = Watching
	}

	switch m.state {
	case Watching:
		if m.crossed(value) {
			m.state = Armed
			m.armedAt = now
			// The cross may already penetrate the full band; fire in the
			// same step rather than waiting a poll cycle.
			if m.beyondBand(value) {
				return m.fire(value, now)
			}
			return nil
		}
		if m.nearMiss(value) {
			if m.inNearZone {
				return nil
			}
			m.inNearZone = true
			m.nearMisses++
			return &Event{
				TriggerID:   m.spec.ID,
				Kind:        EventNearMiss,
				Value:       value,
				At:          now,
				Description: fmt.Sprintf("%s approached %s %v without crossing", m.spec.Indicator, m.spec.Operator, m.spec.Threshold),
			}
		}
		m.inNearZone = false

	case Armed:
		if m.beyondBand(value) {
			return m.fire(value, now)
		}
		if m.exited(value) {
			m.state = Watching
		}
	}
	return nil
}

func (m *Machine) fire(value float64, now time.Time) *Event {
	m.state = Cooldown
	m.lastFiredAt = now
	return &Event{
		TriggerID:   m.spec.ID,
		Kind:        EventFire,
		Value:       value,
		At:          now,
		Description: m.spec.Description,
	}
}

// crossed reports whether the value is inside the trigger zone.
func (m *Machine) crossed(v float64) bool {
	switch m.spec.Operator {
	case "<":
		return v < m.spec.Threshold
	case "<=":
		return v <= m.spec.Threshold
	case ">":
		return v > m.spec.Threshold
	case ">=":
		return v >= m.spec.Threshold
	}
	return false
}

// beyondBand reports whether the value penetrates the threshold by at least
// the hysteresis band.
func (m *Machine) beyondBand(v float64) bool {
	switch m.spec.Operator {
	case "<", "<=":
		return v <= m.spec.Threshold-m.spec.Hysteresis
	case ">", ">=":
		return v >= m.spec.Threshold+m.spec.Hysteresis
	}
	return false
}

// exited reports whether an armed value has retreated past the threshold
// plus the band, disarming the machine.
func (m *Machine) exited(v float64) bool {
	switch m.spec.Operator {
	case "<", "<=":
		return v > m.spec.Threshold+m.spec.Hysteresis
	case ">", ">=":
		return v < m.spec.Threshold-m.spec.Hysteresis
	}
	return false
}

// nearMiss reports whether a watching value entered the approach zone
// without crossing. The zone scales the threshold by the near-miss
// fraction, on the approach side of the operator.
func (m *Machine) nearMiss(v float64) bool {
	frac := m.spec.NearMissFraction
	switch m.spec.Operator {
	case "<", "<=":
		return v <= m.spec.Threshold/frac
	case ">", ">=":
		return v >= m.spec.Threshold*frac
	}
	return false
}
