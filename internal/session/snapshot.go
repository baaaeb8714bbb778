package session

import (
	"time"

	"github.com/saim20/willow/internal/dbus"
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Source says where an observation came from.
type Source int

const (
	SourceNone Source = iota
	SourcePoll
	SourceSignal
)

func (s Source) String() string {
	switch s {
	case SourcePoll:
		return "poll"
	case SourceSignal:
		return "signal"
	default:
		return "none"
	}
}

// Observation is one report of daemon status, stamped with the time it
// reached the client.
type Observation struct {
	Patch  dbus.StatusPatch
	Source Source
	At     time.Time
}

// Snapshot is the client's reconstruction of the daemon status.
type Snapshot struct {
	State  State
	Status dbus.Status
	// Known is false until the first observation after connecting.
	Known     bool
	UpdatedAt time.Time
	Source    Source
}

// Merge folds obs into cur. The observation that arrived last wins; one
// that arrived before the snapshot's current data is ignored and Merge
// reports false. Equal arrival times favour obs.
func Merge(cur Snapshot, obs Observation) (Snapshot, bool) {
	if cur.Known && obs.At.Before(cur.UpdatedAt) {
		return cur, false
	}
	next := cur
	next.Status = obs.Patch.Apply(cur.Status)
	next.Known = true
	next.UpdatedAt = obs.At
	next.Source = obs.Source
	return next, true
}

// observe converts a daemon event into a status observation. Events that
// carry no status report false.
func observe(ev dbus.Event, at time.Time) (Observation, bool) {
	var p dbus.StatusPatch
	switch e := ev.(type) {
	case dbus.StatusChangedEvent:
		p = e.Status
	case dbus.ModeChangedEvent:
		mode := e.NewMode
		p.CurrentMode = &mode
	case dbus.BufferChangedEvent:
		buf := e.Buffer
		p.CurrentBuffer = &buf
	default:
		return Observation{}, false
	}
	return Observation{Patch: p, Source: SourceSignal, At: at}, true
}
