// ABOUTME: The single agent slot and the policy for a second agent identifying.
// ABOUTME: Owned by the coordinator goroutine, so it carries no locking of its own.

package agent

import (
	"errors"
	"fmt"
	"time"
)

// ErrSlotOccupied indicates an agent is already connected.
var ErrSlotOccupied = errors.New("agent slot occupied")

// ErrUnknownPolicy indicates an unrecognized conflict policy name.
var ErrUnknownPolicy = errors.New("unknown conflict policy")

// ConflictPolicy decides what happens when an agent identifies while the slot is live.
type ConflictPolicy string

const (
	// PolicyReplace evicts the live agent before admitting the newcomer.
	PolicyReplace ConflictPolicy = "replace"
	// PolicyReject turns the newcomer away.
	PolicyReject ConflictPolicy = "reject"
)

// ParsePolicy maps a config value to a ConflictPolicy. Empty means replace.
func ParsePolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case "", PolicyReplace:
		return PolicyReplace, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Info is the metadata an agent declares when it identifies.
type Info struct {
	ID          string
	Name        string
	Version     string
	ConnectedAt time.Time
}

// Slot holds at most one live agent connection.
type Slot struct {
	connID string
	info   Info
}

// Fill admits connID as the agent. Returns ErrSlotOccupied if an agent is live.
func (s *Slot) Fill(connID string, info Info) error {
	if s.connID != "" {
		return ErrSlotOccupied
	}
	s.connID = connID
	s.info = info
	return nil
}

// Clear empties the slot if connID holds it and returns the departing agent's info.
func (s *Slot) Clear(connID string) (Info, bool) {
	if s.connID == "" || s.connID != connID {
		return Info{}, false
	}
	info := s.info
	s.connID = ""
	s.info = Info{}
	return info, true
}

// Occupied reports whether an agent is connected.
func (s *Slot) Occupied() bool {
	return s.connID != ""
}

// ConnID returns the live agent's connection id, or "".
func (s *Slot) ConnID() string {
	return s.connID
}

// Info returns the live agent's metadata.
func (s *Slot) Info() (Info, bool) {
	return s.info, s.connID != ""
}
