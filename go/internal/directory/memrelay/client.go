package memrelay

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/mcdev12/symbolduel/go/internal/directory"
	"github.com/mcdev12/symbolduel/go/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	opsBufferSize    = 64
	eventsBufferSize = 256
)

// Client is one participant's connection to a Relay. Requests are executed in
// order on the client's own goroutine and answered on Events().
type Client struct {
	relay  *Relay
	id     models.ParticipantID
	ops    chan func()
	events chan directory.Event
	done   chan struct{}
	once   sync.Once

	// guarded by relay.mu
	connected bool
	room      *room
}

var _ directory.Service = (*Client)(nil)

// NewClient attaches a new participant to the relay.
func NewClient(relay *Relay) *Client {
	c := &Client{
		relay:  relay,
		id:     models.ParticipantID(uuid.NewString()),
		ops:    make(chan func(), opsBufferSize),
		events: make(chan directory.Event, eventsBufferSize),
		done:   make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Client) loop() {
	for {
		select {
		case <-c.done:
			return
		case op := <-c.ops:
			op()
		}
	}
}

// Close stops the client's goroutine. Pending requests are dropped.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) enqueue(ctx context.Context, op func()) error {
	select {
	case c.ops <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return directory.ErrNotConnected
	}
}

func (c *Client) emit(ev directory.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// deliver hands ev to a member's own goroutine so per-client ordering holds.
func deliver(ctx context.Context, m *Client, ev directory.Event) {
	if err := m.enqueue(ctx, func() { m.emit(ev) }); err != nil {
		log.Debug().Err(err).Str("participant", string(m.id)).Msg("dropping relay delivery")
	}
}

func notifyCount(ctx context.Context, roomID string, members []*Client) {
	for _, m := range members {
		deliver(ctx, m, directory.ParticipantCountChanged{RoomID: roomID, Count: len(members)})
	}
}

func (c *Client) LocalID() models.ParticipantID { return c.id }

func (c *Client) Events() <-chan directory.Event { return c.events }

func (c *Client) Connect(ctx context.Context) error {
	return c.enqueue(ctx, func() {
		c.relay.mu.Lock()
		c.connected = true
		c.relay.mu.Unlock()
		c.emit(directory.ConnectedAck{Participant: c.id})
	})
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.enqueue(ctx, func() {
		c.relay.mu.Lock()
		roomID, rest := c.relay.removeLocked(c)
		c.connected = false
		c.relay.mu.Unlock()
		if roomID != "" {
			notifyCount(ctx, roomID, rest)
		}
		c.emit(directory.Disconnected{})
	})
}

// JoinLobby is implicit on this relay.
func (c *Client) JoinLobby(ctx context.Context) error {
	return nil
}

func (c *Client) JoinRandomRoom(ctx context.Context, attempt uint64) error {
	return c.enqueue(ctx, func() {
		c.relay.mu.Lock()
		if !c.connected {
			c.relay.mu.Unlock()
			c.emit(directory.JoinFailed{Attempt: attempt, Err: directory.ErrNotConnected})
			return
		}
		var joined *room
		for _, id := range c.relay.order {
			rm := c.relay.rooms[id]
			if rm.open() && !slices.Contains(rm.members, c) {
				joined = rm
				break
			}
		}
		if joined == nil {
			c.relay.mu.Unlock()
			c.emit(directory.JoinFailed{Attempt: attempt, Err: directory.ErrNoOpenRoom})
			return
		}
		c.relay.removeLocked(c)
		joined.members = append(joined.members, c)
		c.room = joined
		cached := slices.Clone(joined.cache)
		members := slices.Clone(joined.members)
		c.relay.mu.Unlock()

		c.emit(directory.JoinSucceeded{Attempt: attempt, RoomID: joined.id, Visible: joined.visible})
		for _, ev := range cached {
			c.emit(ev)
		}
		notifyCount(ctx, joined.id, members)
	})
}

func (c *Client) CreateRoom(ctx context.Context, attempt uint64, opts directory.RoomOptions) error {
	return c.enqueue(ctx, func() {
		c.relay.mu.Lock()
		if !c.connected {
			c.relay.mu.Unlock()
			c.emit(directory.CreateFailed{Attempt: attempt, RoomID: opts.ID, Err: directory.ErrNotConnected})
			return
		}
		if c.relay.failCreates > 0 {
			c.relay.failCreates--
			c.relay.mu.Unlock()
			c.emit(directory.CreateFailed{Attempt: attempt, RoomID: opts.ID, Err: directory.ErrRoomExists})
			return
		}
		if _, taken := c.relay.rooms[opts.ID]; taken {
			c.relay.mu.Unlock()
			c.emit(directory.CreateFailed{Attempt: attempt, RoomID: opts.ID, Err: directory.ErrRoomExists})
			return
		}
		capacity := opts.MaxPlayers
		if capacity <= 0 {
			capacity = directory.MaxPlayersPerRoom
		}
		props := make(map[string][]byte, len(opts.CustomProps))
		for k, v := range opts.CustomProps {
			props[k] = slices.Clone(v)
		}
		c.relay.removeLocked(c)
		rm := &room{id: opts.ID, visible: opts.Visible, max: capacity, members: []*Client{c}, props: props}
		c.relay.rooms[rm.id] = rm
		c.relay.order = append(c.relay.order, rm.id)
		c.room = rm
		c.relay.mu.Unlock()

		c.emit(directory.RoomCreated{Attempt: attempt, RoomID: rm.id, Visible: rm.visible})
		notifyCount(ctx, rm.id, []*Client{c})
	})
}

func (c *Client) LeaveRoom(ctx context.Context) error {
	return c.enqueue(ctx, func() {
		c.relay.mu.Lock()
		roomID, rest := c.relay.removeLocked(c)
		c.relay.mu.Unlock()
		if roomID == "" {
			return
		}
		notifyCount(ctx, roomID, rest)
		c.emit(directory.LeftRoom{RoomID: roomID})
	})
}

func (c *Client) raise(ctx context.Context, code directory.EventCode, payload []byte, cached bool) error {
	ev := directory.EventReceived{Code: code, Payload: slices.Clone(payload), Sender: c.id}
	c.relay.mu.Lock()
	rm := c.room
	if rm == nil {
		c.relay.mu.Unlock()
		return directory.ErrNotInRoom
	}
	if cached {
		rm.cache = append(rm.cache, ev)
	}
	members := slices.Clone(rm.members)
	c.relay.mu.Unlock()

	for _, m := range members {
		deliver(ctx, m, ev)
	}
	return nil
}

func (c *Client) RaiseCachedEvent(ctx context.Context, code directory.EventCode, payload []byte) error {
	return c.raise(ctx, code, payload, true)
}

func (c *Client) RaiseEvent(ctx context.Context, code directory.EventCode, payload []byte) error {
	return c.raise(ctx, code, payload, false)
}

func (c *Client) SetProperty(ctx context.Context, key string, value []byte) error {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	if c.room == nil {
		return directory.ErrNotInRoom
	}
	if c.relay.failWrites {
		return directory.ErrNotConnected
	}
	c.room.props[key] = slices.Clone(value)
	return nil
}

func (c *Client) GetProperty(ctx context.Context, key string) ([]byte, error) {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	if c.room == nil {
		return nil, directory.ErrNotInRoom
	}
	v, ok := c.room.props[key]
	if !ok {
		return nil, directory.ErrPropNotFound
	}
	return slices.Clone(v), nil
}

// Props returns a copy of every property of the client's current room.
func (c *Client) Props() map[string][]byte {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	if c.room == nil {
		return nil
	}
	return maps.Clone(c.room.props)
}
