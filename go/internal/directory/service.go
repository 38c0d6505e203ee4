// Package directory defines the relay the two clients rendezvous through: room
// matchmaking, a per-room replicated property store and broadcast events.
//
// Every request is asynchronous. Results arrive as typed events on Events(), one
// per request, and join/create results echo the attempt counter the caller
// supplied so a caller can recognise answers to requests it has given up on.
package directory

import (
	"context"
	"errors"

	"github.com/mcdev12/symbolduel/go/internal/models"
)

// MaxPlayersPerRoom is the capacity of every room.
const MaxPlayersPerRoom = 2

var (
	ErrNotConnected = errors.New("not connected to directory")
	ErrNotInRoom    = errors.New("not in a room")
	ErrNoOpenRoom   = errors.New("no open room to join")
	ErrRoomExists   = errors.New("room identifier already in use")
	ErrRoomFull     = errors.New("room is full")
	ErrPropNotFound = errors.New("property not found")
)

// EventCode identifies a broadcast event kind.
type EventCode uint8

const (
	// EventInstantiateAvatar announces a participant's local view identifier.
	EventInstantiateAvatar EventCode = 123
	// EventStartRound carries the shared round seed from the Host.
	EventStartRound EventCode = 124
)

// RoomOptions describes a room creation request.
type RoomOptions struct {
	ID          string
	Visible     bool
	MaxPlayers  int
	CustomProps map[string][]byte
}

// Service is the relay as seen by one client.
type Service interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	JoinLobby(ctx context.Context) error
	JoinRandomRoom(ctx context.Context, attempt uint64) error
	CreateRoom(ctx context.Context, attempt uint64, opts RoomOptions) error
	LeaveRoom(ctx context.Context) error

	// RaiseCachedEvent broadcasts to every participant of the current room,
	// including the sender, and keeps the event for participants joining later.
	RaiseCachedEvent(ctx context.Context, code EventCode, payload []byte) error
	// RaiseEvent broadcasts to the participants currently in the room only.
	RaiseEvent(ctx context.Context, code EventCode, payload []byte) error

	SetProperty(ctx context.Context, key string, value []byte) error
	GetProperty(ctx context.Context, key string) ([]byte, error)

	LocalID() models.ParticipantID
	Events() <-chan Event
}

// PropertyStore is the slice of Service used for score replication.
type PropertyStore interface {
	SetProperty(ctx context.Context, key string, value []byte) error
	GetProperty(ctx context.Context, key string) ([]byte, error)
}

// Broadcaster is the slice of Service used for presence and round start.
type Broadcaster interface {
	RaiseCachedEvent(ctx context.Context, code EventCode, payload []byte) error
	RaiseEvent(ctx context.Context, code EventCode, payload []byte) error
	LocalID() models.ParticipantID
}
