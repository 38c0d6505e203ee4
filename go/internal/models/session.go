package models

import "fmt"

// ParticipantID identifies one connection on the directory service.
type ParticipantID string

// SessionRole is assigned exactly once per room: Host created it, Guest joined it.
type SessionRole string

const (
	RoleHost  SessionRole = "HOST"
	RoleGuest SessionRole = "GUEST"
)

// Slot returns the seat owned by the role.
func (r SessionRole) Slot() Slot {
	if r == RoleGuest {
		return SlotGuest
	}
	return SlotHost
}

// Other returns the opposing role.
func (r SessionRole) Other() SessionRole {
	if r == RoleHost {
		return RoleGuest
	}
	return RoleHost
}

// Slot is a fixed seat within a session.
type Slot int

const (
	SlotHost  Slot = 0
	SlotGuest Slot = 1
)

// SlotCount is the number of seats in a room.
const SlotCount = 2

// Valid reports whether s is a seat index.
func (s Slot) Valid() bool {
	return s == SlotHost || s == SlotGuest
}

// Other returns the opposing seat.
func (s Slot) Other() Slot {
	return 1 - s
}

// Role returns the role that owns the seat.
func (s Slot) Role() SessionRole {
	if s == SlotGuest {
		return RoleGuest
	}
	return RoleHost
}

// ScoreKey is the shared property key under which the seat's score is replicated.
func (s Slot) ScoreKey() string {
	return fmt.Sprintf("Player%d", int(s)+1)
}

// ParticipantSlot binds a participant's presence announcement to a seat.
type ParticipantSlot struct {
	Slot       Slot          `json:"slot"`
	Role       SessionRole   `json:"role"`
	Originator ParticipantID `json:"originator"`
	ViewID     string        `json:"view_id"`
	Local      bool          `json:"local"`
}
