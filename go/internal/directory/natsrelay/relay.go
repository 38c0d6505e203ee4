// Package natsrelay implements the directory service on NATS JetStream.
//
// Rooms are entries of a key/value bucket; creating one is a KV create, so two
// clients racing for the same identifier see exactly one winner. Room
// properties live in a second bucket. Cached events are stream messages
// replayed to every late joiner through an ordered consumer, uncached events
// are plain core NATS publishes.
package natsrelay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/symbolduel/go/internal/directory"
	"github.com/mcdev12/symbolduel/go/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const (
	senderHeader     = "Sender-ID"
	opsBufferSize    = 64
	eventsBufferSize = 256
	casRetries       = 5
)

// Relay is one participant's connection to the NATS-backed directory.
type Relay struct {
	cfg    Config
	id     models.ParticipantID
	ops    chan func()
	events chan directory.Event
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	nc         *nats.Conn
	js         jetstream.JetStream
	rooms      jetstream.KeyValue
	props      jetstream.KeyValue
	roomID     string
	roomCancel context.CancelFunc
	cached     jetstream.ConsumeContext
	live       *nats.Subscription
}

var _ directory.Service = (*Relay)(nil)

// New returns an unconnected relay client. Call Connect to reach the server.
func New(cfg Config) *Relay {
	r := &Relay{
		cfg:    cfg,
		id:     models.ParticipantID(uuid.NewString()),
		ops:    make(chan func(), opsBufferSize),
		events: make(chan directory.Event, eventsBufferSize),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Relay) loop() {
	for {
		select {
		case <-r.done:
			return
		case op := <-r.ops:
			op()
		}
	}
}

// Close drops the connection and stops the request goroutine.
func (r *Relay) Close() error {
	r.once.Do(func() { close(r.done) })
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopRoomLocked()
	if r.nc != nil {
		r.nc.Close()
		r.nc = nil
	}
	return nil
}

func (r *Relay) enqueue(ctx context.Context, op func()) error {
	select {
	case r.ops <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return directory.ErrNotConnected
	}
}

func (r *Relay) emit(ev directory.Event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

func (r *Relay) requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
}

func (r *Relay) LocalID() models.ParticipantID { return r.id }

func (r *Relay) Events() <-chan directory.Event { return r.events }

func (r *Relay) Connect(ctx context.Context) error {
	return r.enqueue(ctx, func() {
		if err := r.connect(); err != nil {
			log.Error().Err(err).Str("url", r.cfg.URL).Msg("failed to connect to relay")
			r.emit(directory.ConnectFailed{Err: err})
			return
		}
		r.emit(directory.ConnectedAck{Participant: r.id})
	})
}

func (r *Relay) connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nc != nil && r.nc.IsConnected() {
		return nil
	}

	opts := []nats.Option{
		nats.Name(fmt.Sprintf("symbolduel-%s", r.id)),
		nats.MaxReconnects(r.cfg.MaxReconnects),
		nats.ReconnectWait(r.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			r.emit(directory.Disconnected{Err: nc.LastError()})
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(r.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("create JetStream context: %w", err)
	}

	ctx, cancel := r.requestCtx()
	defer cancel()

	rooms, err := ensureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      r.cfg.RoomsBucket,
		Description: "Open and running rooms",
		History:     1,
		TTL:         r.cfg.RoomTTL,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("ensure rooms bucket: %w", err)
	}
	props, err := ensureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      r.cfg.PropsBucket,
		Description: "Replicated room properties",
		History:     1,
		TTL:         r.cfg.RoomTTL,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("ensure props bucket: %w", err)
	}
	if err := r.ensureStream(ctx, js); err != nil {
		nc.Close()
		return fmt.Errorf("ensure stream: %w", err)
	}

	r.nc, r.js, r.rooms, r.props = nc, js, rooms, props
	log.Info().Str("url", nc.ConnectedUrl()).Str("participant", string(r.id)).Msg("connected to relay")
	return nil
}

func ensureBucket(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, err
	}
	kv, err = js.CreateKeyValue(ctx, cfg)
	if errors.Is(err, jetstream.ErrBucketExists) {
		return js.KeyValue(ctx, cfg.Bucket)
	}
	return kv, err
}

func (r *Relay) ensureStream(ctx context.Context, js jetstream.JetStream) error {
	sc := jetstream.StreamConfig{
		Name:        r.cfg.StreamName,
		Description: "Cached room events replayed to late joiners",
		Subjects:    []string{r.cfg.cachedSubject("*", "*", "*")},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      r.cfg.EventsMaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}

	if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	log.Debug().Str("stream", r.cfg.StreamName).Msg("JetStream stream ready")
	return nil
}

func (r *Relay) Disconnect(ctx context.Context) error {
	return r.enqueue(ctx, func() {
		r.leave()
		r.mu.Lock()
		nc := r.nc
		r.nc = nil
		r.mu.Unlock()
		if nc == nil {
			r.emit(directory.Disconnected{})
			return
		}
		// ClosedHandler reports the disconnection.
		nc.Close()
	})
}

// JoinLobby is implicit: every connected client can see the rooms bucket.
func (r *Relay) JoinLobby(ctx context.Context) error {
	return nil
}

func (r *Relay) JoinRandomRoom(ctx context.Context, attempt uint64) error {
	return r.enqueue(ctx, func() {
		roomID, err := r.joinRandom()
		if err != nil {
			log.Debug().Err(err).Uint64("attempt", attempt).Msg("random join failed")
			r.emit(directory.JoinFailed{Attempt: attempt, Err: err})
			return
		}
		ctx := r.answer(roomID, directory.JoinSucceeded{Attempt: attempt, RoomID: roomID, Visible: true})
		r.startRoom(ctx, roomID)
	})
}

func (r *Relay) joinRandom() (string, error) {
	r.mu.Lock()
	rooms := r.rooms
	r.mu.Unlock()
	if rooms == nil {
		return "", directory.ErrNotConnected
	}

	ctx, cancel := r.requestCtx()
	defer cancel()

	lister, err := rooms.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return "", directory.ErrNoOpenRoom
		}
		return "", fmt.Errorf("list rooms: %w", err)
	}
	defer lister.Stop()

	for key := range lister.Keys() {
		entry, err := rooms.Get(ctx, key)
		if err != nil {
			continue
		}
		rec, err := decodeRoom(entry.Value())
		if err != nil || !rec.open(r.id) {
			continue
		}
		rec.Members = append(rec.Members, r.id)
		data, err := rec.encode()
		if err != nil {
			continue
		}
		// A concurrent joiner bumps the revision and makes this update fail.
		if _, err := rooms.Update(ctx, key, data, entry.Revision()); err != nil {
			log.Debug().Err(err).Str("room_id", key).Msg("lost race for room")
			continue
		}
		return key, nil
	}
	return "", directory.ErrNoOpenRoom
}

func (r *Relay) CreateRoom(ctx context.Context, attempt uint64, opts directory.RoomOptions) error {
	return r.enqueue(ctx, func() {
		if err := r.createRoom(opts); err != nil {
			r.emit(directory.CreateFailed{Attempt: attempt, RoomID: opts.ID, Err: err})
			return
		}
		ctx := r.answer(opts.ID, directory.RoomCreated{Attempt: attempt, RoomID: opts.ID, Visible: opts.Visible})
		r.startRoom(ctx, opts.ID)
	})
}

func (r *Relay) createRoom(opts directory.RoomOptions) error {
	r.mu.Lock()
	rooms, props := r.rooms, r.props
	r.mu.Unlock()
	if rooms == nil {
		return directory.ErrNotConnected
	}

	capacity := opts.MaxPlayers
	if capacity <= 0 {
		capacity = directory.MaxPlayersPerRoom
	}
	rec := roomRecord{
		ID:         opts.ID,
		Visible:    opts.Visible,
		MaxPlayers: capacity,
		Members:    []models.ParticipantID{r.id},
		CreatedAt:  time.Now().UTC(),
	}
	data, err := rec.encode()
	if err != nil {
		return fmt.Errorf("encode room: %w", err)
	}

	ctx, cancel := r.requestCtx()
	defer cancel()

	if _, err := rooms.Create(ctx, opts.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return directory.ErrRoomExists
		}
		return fmt.Errorf("create room: %w", err)
	}
	for k, v := range opts.CustomProps {
		if _, err := props.Put(ctx, r.cfg.propKey(opts.ID, k), v); err != nil {
			log.Warn().Err(err).Str("room_id", opts.ID).Str("key", k).Msg("failed to seed room property")
		}
	}
	return nil
}

// answer records roomID as the current room and then emits the join or create
// answer, so a caller reacting to it can raise events right away. The returned
// context ends when the room is left.
func (r *Relay) answer(roomID string, ev directory.Event) context.Context {
	r.mu.Lock()
	r.stopRoomLocked()
	ctx, cancel := context.WithCancel(context.Background())
	r.roomID = roomID
	r.roomCancel = cancel
	r.mu.Unlock()

	r.emit(ev)
	return ctx
}

// startRoom begins watching the head count and delivering room events. It runs
// after the answer has been emitted so cached replays follow it.
func (r *Relay) startRoom(ctx context.Context, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil || r.nc == nil {
		return
	}

	watcher, err := r.rooms.Watch(ctx, roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to watch room")
	} else {
		go r.watchCount(ctx, roomID, watcher)
	}

	cons, err := r.js.OrderedConsumer(ctx, r.cfg.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{r.cfg.cachedSubject(roomID, "*", "*")},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to create cached event consumer")
	} else {
		cc, err := cons.Consume(func(msg jetstream.Msg) {
			r.deliver(msg.Subject(), msg.Headers(), msg.Data())
		})
		if err != nil {
			log.Error().Err(err).Str("room_id", roomID).Msg("failed to consume cached events")
		} else {
			r.cached = cc
		}
	}

	sub, err := r.nc.Subscribe(r.cfg.liveSubject(roomID, "*"), func(msg *nats.Msg) {
		r.deliver(msg.Subject, msg.Header, msg.Data)
	})
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to subscribe to live events")
	} else {
		r.live = sub
	}
}

func (r *Relay) watchCount(ctx context.Context, roomID string, watcher jetstream.KeyWatcher) {
	defer watcher.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				// end of initial values
				continue
			}
			count := 0
			if entry.Operation() == jetstream.KeyValuePut {
				if rec, err := decodeRoom(entry.Value()); err == nil {
					count = len(rec.Members)
				}
			}
			r.emit(directory.ParticipantCountChanged{RoomID: roomID, Count: count})
		}
	}
}

func (r *Relay) deliver(subject string, header nats.Header, data []byte) {
	parts := strings.Split(subject, ".")
	code, err := strconv.ParseUint(parts[len(parts)-1], 10, 8)
	if err != nil {
		log.Warn().Str("subject", subject).Msg("dropping event with malformed subject")
		return
	}
	r.emit(directory.EventReceived{
		Code:    directory.EventCode(code),
		Payload: data,
		Sender:  models.ParticipantID(header.Get(senderHeader)),
	})
}

func (r *Relay) stopRoomLocked() {
	if r.roomCancel != nil {
		r.roomCancel()
		r.roomCancel = nil
	}
	if r.cached != nil {
		r.cached.Stop()
		r.cached = nil
	}
	if r.live != nil {
		if err := r.live.Unsubscribe(); err != nil {
			log.Debug().Err(err).Msg("failed to unsubscribe live events")
		}
		r.live = nil
	}
}

func (r *Relay) LeaveRoom(ctx context.Context) error {
	return r.enqueue(ctx, func() {
		if roomID := r.leave(); roomID != "" {
			r.emit(directory.LeftRoom{RoomID: roomID})
		}
	})
}

// leave removes this participant and its cached events from its room, deleting
// the room and everything cached in it once nobody is left.
func (r *Relay) leave() string {
	r.mu.Lock()
	roomID := r.roomID
	rooms, js := r.rooms, r.js
	r.stopRoomLocked()
	r.roomID = ""
	r.mu.Unlock()
	if roomID == "" || rooms == nil {
		return roomID
	}

	ctx, cancel := r.requestCtx()
	defer cancel()

	for i := 0; i < casRetries; i++ {
		entry, err := rooms.Get(ctx, roomID)
		if err != nil {
			return roomID
		}
		rec, err := decodeRoom(entry.Value())
		if err != nil {
			return roomID
		}
		remaining := rec.Members[:0]
		for _, m := range rec.Members {
			if m != r.id {
				remaining = append(remaining, m)
			}
		}
		rec.Members = remaining
		if len(rec.Members) == 0 {
			if err := rooms.Delete(ctx, roomID, jetstream.LastRevision(entry.Revision())); err != nil {
				continue
			}
			r.purgeEvents(ctx, js, roomID, r.cfg.cachedSubject(roomID, "*", "*"))
			return roomID
		}
		data, err := rec.encode()
		if err != nil {
			return roomID
		}
		if _, err := rooms.Update(ctx, roomID, data, entry.Revision()); err == nil {
			r.purgeEvents(ctx, js, roomID, r.leaverSubject(roomID))
			return roomID
		}
	}
	log.Warn().Str("room_id", roomID).Msg("gave up removing participant from room")
	return roomID
}

// leaverSubject matches every cached event this participant raised in roomID.
func (r *Relay) leaverSubject(roomID string) string {
	return r.cfg.cachedSubject(roomID, string(r.id), "*")
}

func (r *Relay) purgeEvents(ctx context.Context, js jetstream.JetStream, roomID, subject string) {
	stream, err := js.Stream(ctx, r.cfg.StreamName)
	if err != nil {
		return
	}
	if err := stream.Purge(ctx, jetstream.WithPurgeSubject(subject)); err != nil {
		log.Debug().Err(err).Str("room_id", roomID).Str("subject", subject).Msg("failed to purge room events")
	}
}

func (r *Relay) currentRoom() (string, *nats.Conn, jetstream.JetStream, jetstream.KeyValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nc == nil {
		return "", nil, nil, nil, directory.ErrNotConnected
	}
	if r.roomID == "" {
		return "", nil, nil, nil, directory.ErrNotInRoom
	}
	return r.roomID, r.nc, r.js, r.props, nil
}

func (r *Relay) RaiseCachedEvent(ctx context.Context, code directory.EventCode, payload []byte) error {
	roomID, _, js, _, err := r.currentRoom()
	if err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: r.cfg.cachedSubject(roomID, string(r.id), subjectCode(code)),
		Data:    payload,
		Header:  nats.Header{senderHeader: []string{string(r.id)}},
	}
	if _, err := js.PublishMsg(ctx, msg, jetstream.WithExpectStream(r.cfg.StreamName)); err != nil {
		return fmt.Errorf("publish cached event: %w", err)
	}
	return nil
}

func (r *Relay) RaiseEvent(ctx context.Context, code directory.EventCode, payload []byte) error {
	roomID, nc, _, _, err := r.currentRoom()
	if err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: r.cfg.liveSubject(roomID, subjectCode(code)),
		Data:    payload,
		Header:  nats.Header{senderHeader: []string{string(r.id)}},
	}
	if err := nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (r *Relay) SetProperty(ctx context.Context, key string, value []byte) error {
	roomID, _, _, props, err := r.currentRoom()
	if err != nil {
		return err
	}
	if _, err := props.Put(ctx, r.cfg.propKey(roomID, key), value); err != nil {
		return fmt.Errorf("put property %s: %w", key, err)
	}
	return nil
}

func (r *Relay) GetProperty(ctx context.Context, key string) ([]byte, error) {
	roomID, _, _, props, err := r.currentRoom()
	if err != nil {
		return nil, err
	}
	entry, err := props.Get(ctx, r.cfg.propKey(roomID, key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, directory.ErrPropNotFound
		}
		return nil, fmt.Errorf("get property %s: %w", key, err)
	}
	return entry.Value(), nil
}
