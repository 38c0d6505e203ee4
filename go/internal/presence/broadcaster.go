// Package presence announces each participant exactly once per room and seats
// both participants into their fixed slots.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mcdev12/symbolduel/go/internal/directory"
	"github.com/mcdev12/symbolduel/go/internal/models"
	"github.com/rs/zerolog/log"
)

var ErrNoRoom = errors.New("presence: not in a room")

// Announcement is the payload of EventInstantiateAvatar.
type Announcement struct {
	ViewID string `json:"view_id"`
}

// Representation is a spawned avatar. Destroy removes it from the scene.
type Representation interface {
	Destroy()
}

// Spawner instantiates a representation for a seated participant.
type Spawner interface {
	Spawn(seat models.ParticipantSlot) Representation
}

// ParticipantEntered is published every time a seat is (re)filled.
type ParticipantEntered struct {
	Originator models.ParticipantID
	Slot       models.Slot
	Local      bool
}

type seat struct {
	info models.ParticipantSlot
	rep  Representation
}

// Broadcaster owns the presence handshake of one client.
type Broadcaster struct {
	bus     directory.Broadcaster
	spawner Spawner

	mu        sync.Mutex
	inRoom    bool
	role      models.SessionRole
	roomID    string
	localView string
	seats     [models.SlotCount]*seat
	bothFired bool
	entered   []func(ParticipantEntered)
	bothReady []func(roomID string)

	dispatchMu sync.Mutex
}

// NewBroadcaster returns a broadcaster that spawns through spawner.
func NewBroadcaster(bus directory.Broadcaster, spawner Spawner) *Broadcaster {
	return &Broadcaster{bus: bus, spawner: spawner}
}

// OnParticipantEntered registers fn for every seat fill.
func (b *Broadcaster) OnParticipantEntered(fn func(ParticipantEntered)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entered = append(b.entered, fn)
}

// OnBothPresent registers fn to run on the Host, once per room, when both
// seats are filled.
func (b *Broadcaster) OnBothPresent(fn func(roomID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bothReady = append(b.bothReady, fn)
}

// EnterRoom allocates the local view identifier and raises the cached
// announcement. Entering the same room twice announces once.
func (b *Broadcaster) EnterRoom(ctx context.Context, role models.SessionRole, roomID string) error {
	b.mu.Lock()
	if b.inRoom && b.roomID == roomID {
		b.mu.Unlock()
		return nil
	}
	stale := b.clearLocked()
	b.inRoom = true
	b.role = role
	b.roomID = roomID
	b.localView = uuid.NewString()
	view := b.localView
	b.mu.Unlock()
	destroyAll(stale)

	payload, err := json.Marshal(Announcement{ViewID: view})
	if err != nil {
		return fmt.Errorf("encode announcement: %w", err)
	}
	if err := b.bus.RaiseCachedEvent(ctx, directory.EventInstantiateAvatar, payload); err != nil {
		return fmt.Errorf("announce presence: %w", err)
	}
	log.Info().
		Str("room_id", roomID).
		Str("role", string(role)).
		Str("view_id", view).
		Msg("announced presence")
	return nil
}

// HandleEvent applies a delivered announcement. Other event codes are ignored.
func (b *Broadcaster) HandleEvent(ev directory.EventReceived) {
	if ev.Code != directory.EventInstantiateAvatar {
		return
	}
	var ann Announcement
	if err := json.Unmarshal(ev.Payload, &ann); err != nil {
		log.Warn().Err(err).Str("participant", string(ev.Sender)).Msg("dropping malformed presence announcement")
		return
	}

	b.mu.Lock()
	if !b.inRoom {
		b.mu.Unlock()
		log.Debug().Str("participant", string(ev.Sender)).Msg("presence announcement outside a room")
		return
	}
	local := ev.Sender == b.bus.LocalID()
	slot := b.role.Slot()
	if !local {
		slot = slot.Other()
	}
	info := models.ParticipantSlot{
		Slot:       slot,
		Role:       slot.Role(),
		Originator: ev.Sender,
		ViewID:     ann.ViewID,
		Local:      local,
	}

	// A repeated originator, or a different one claiming the seat, is replaced in place.
	var stale []Representation
	for i, s := range b.seats {
		if s != nil && (s.info.Originator == ev.Sender || models.Slot(i) == slot) {
			stale = append(stale, s.rep)
			b.seats[i] = nil
		}
	}
	next := &seat{info: info}
	b.seats[slot] = next

	fireBoth := false
	if b.role == models.RoleHost && !b.bothFired && b.seats[0] != nil && b.seats[1] != nil {
		b.bothFired = true
		fireBoth = true
	}
	roomID := b.roomID
	entered := append([]func(ParticipantEntered){}, b.entered...)
	both := append([]func(string){}, b.bothReady...)
	b.mu.Unlock()

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	destroyAll(stale)
	rep := b.spawner.Spawn(info)
	b.mu.Lock()
	if b.seats[slot] == next {
		next.rep = rep
		rep = nil
	}
	b.mu.Unlock()
	if rep != nil {
		// room was left while spawning
		rep.Destroy()
		return
	}

	log.Info().
		Str("room_id", roomID).
		Str("participant", string(ev.Sender)).
		Int("slot", int(slot)).
		Bool("local", local).
		Bool("replaced", len(stale) > 0).
		Msg("participant entered")

	e := ParticipantEntered{Originator: ev.Sender, Slot: slot, Local: local}
	for _, fn := range entered {
		fn(e)
	}
	if fireBoth {
		for _, fn := range both {
			fn(roomID)
		}
	}
}

// Reset destroys every representation. Call it when leaving the room.
func (b *Broadcaster) Reset() {
	b.mu.Lock()
	stale := b.clearLocked()
	b.mu.Unlock()

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	destroyAll(stale)
}

// PeerLeft destroys the other participant's representation and re-arms the
// both-present notification for whoever takes the seat next.
func (b *Broadcaster) PeerLeft() {
	b.mu.Lock()
	if !b.inRoom {
		b.mu.Unlock()
		return
	}
	remote := b.role.Slot().Other()
	var stale []Representation
	var originator models.ParticipantID
	if s := b.seats[remote]; s != nil {
		stale = append(stale, s.rep)
		originator = s.info.Originator
		b.seats[remote] = nil
	}
	b.bothFired = false
	roomID := b.roomID
	b.mu.Unlock()

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	destroyAll(stale)
	if originator != "" {
		log.Info().
			Str("room_id", roomID).
			Str("participant", string(originator)).
			Int("slot", int(remote)).
			Msg("participant left")
	}
}

// LocalView returns the identifier announced for this client in the current room.
func (b *Broadcaster) LocalView() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localView
}

// Seats returns the filled seats in slot order.
func (b *Broadcaster) Seats() []models.ParticipantSlot {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.ParticipantSlot
	for _, s := range b.seats {
		if s != nil {
			out = append(out, s.info)
		}
	}
	return out
}

func (b *Broadcaster) clearLocked() []Representation {
	var stale []Representation
	for i, s := range b.seats {
		if s != nil {
			stale = append(stale, s.rep)
			b.seats[i] = nil
		}
	}
	b.inRoom = false
	b.roomID = ""
	b.localView = ""
	b.bothFired = false
	return stale
}

func destroyAll(reps []Representation) {
	for _, r := range reps {
		if r != nil {
			r.Destroy()
		}
	}
}
