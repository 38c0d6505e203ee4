package memrelay

import (
	"context"
	"testing"
	"time"

	"github.com/mcdev12/symbolduel/go/internal/directory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, c *Client) directory.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay event")
		return nil
	}
}

// nextOf skips events until one of type T arrives.
func nextOf[T directory.Event](t *testing.T, c *Client) T {
	t.Helper()
	for {
		if ev, ok := next(t, c).(T); ok {
			return ev
		}
	}
}

func connected(t *testing.T, relay *Relay) *Client {
	t.Helper()
	c := NewClient(relay)
	t.Cleanup(c.Close)
	require.NoError(t, c.Connect(context.Background()))
	ack := nextOf[directory.ConnectedAck](t, c)
	assert.Equal(t, c.LocalID(), ack.Participant)
	return c
}

func TestJoinRandomWithNoRoomsFails(t *testing.T) {
	c := connected(t, NewRelay())

	require.NoError(t, c.JoinRandomRoom(context.Background(), 7))
	failed := nextOf[directory.JoinFailed](t, c)
	assert.Equal(t, uint64(7), failed.Attempt)
	assert.ErrorIs(t, failed.Err, directory.ErrNoOpenRoom)
}

func TestJoinBeforeConnectFails(t *testing.T) {
	c := NewClient(NewRelay())
	defer c.Close()

	require.NoError(t, c.JoinRandomRoom(context.Background(), 1))
	failed := nextOf[directory.JoinFailed](t, c)
	assert.ErrorIs(t, failed.Err, directory.ErrNotConnected)
}

func TestCreateThenJoin(t *testing.T) {
	ctx := context.Background()
	relay := NewRelay()
	host := connected(t, relay)
	guest := connected(t, relay)

	require.NoError(t, host.CreateRoom(ctx, 1, directory.RoomOptions{ID: "room-a", Visible: true, MaxPlayers: 2}))
	created := nextOf[directory.RoomCreated](t, host)
	assert.Equal(t, "room-a", created.RoomID)
	assert.Equal(t, 1, nextOf[directory.ParticipantCountChanged](t, host).Count)

	require.NoError(t, guest.JoinRandomRoom(ctx, 3))
	joined := nextOf[directory.JoinSucceeded](t, guest)
	assert.Equal(t, uint64(3), joined.Attempt)
	assert.Equal(t, "room-a", joined.RoomID)

	assert.Equal(t, 2, nextOf[directory.ParticipantCountChanged](t, host).Count)
	assert.Equal(t, 2, nextOf[directory.ParticipantCountChanged](t, guest).Count)
	assert.Equal(t, 2, relay.Members("room-a"))
}

func TestFullAndInvisibleRoomsAreNotJoinable(t *testing.T) {
	ctx := context.Background()
	relay := NewRelay()
	a, b, c := connected(t, relay), connected(t, relay), connected(t, relay)

	require.NoError(t, a.CreateRoom(ctx, 1, directory.RoomOptions{ID: "private", Visible: false}))
	nextOf[directory.RoomCreated](t, a)

	require.NoError(t, b.JoinRandomRoom(ctx, 1))
	assert.ErrorIs(t, nextOf[directory.JoinFailed](t, b).Err, directory.ErrNoOpenRoom)

	require.NoError(t, b.CreateRoom(ctx, 2, directory.RoomOptions{ID: "public", Visible: true}))
	nextOf[directory.RoomCreated](t, b)
	require.NoError(t, c.JoinRandomRoom(ctx, 1))
	nextOf[directory.JoinSucceeded](t, c)

	d := connected(t, relay)
	require.NoError(t, d.JoinRandomRoom(ctx, 1))
	assert.ErrorIs(t, nextOf[directory.JoinFailed](t, d).Err, directory.ErrNoOpenRoom)
}

func TestCreateCollision(t *testing.T) {
	ctx := context.Background()
	relay := NewRelay()
	relay.Reserve("taken")
	c := connected(t, relay)

	require.NoError(t, c.CreateRoom(ctx, 4, directory.RoomOptions{ID: "taken", Visible: true}))
	failed := nextOf[directory.CreateFailed](t, c)
	assert.Equal(t, uint64(4), failed.Attempt)
	assert.ErrorIs(t, failed.Err, directory.ErrRoomExists)

	relay.FailNextCreates(1)
	require.NoError(t, c.CreateRoom(ctx, 5, directory.RoomOptions{ID: "fresh", Visible: true}))
	assert.ErrorIs(t, nextOf[directory.CreateFailed](t, c).Err, directory.ErrRoomExists)

	require.NoError(t, c.CreateRoom(ctx, 6, directory.RoomOptions{ID: "fresh", Visible: true}))
	assert.Equal(t, uint64(6), nextOf[directory.RoomCreated](t, c).Attempt)
}

func TestCachedEventsReplayToLateJoiner(t *testing.T) {
	ctx := context.Background()
	relay := NewRelay()
	host := connected(t, relay)
	guest := connected(t, relay)

	require.NoError(t, host.CreateRoom(ctx, 1, directory.RoomOptions{ID: "r", Visible: true}))
	nextOf[directory.RoomCreated](t, host)

	require.NoError(t, host.RaiseCachedEvent(ctx, directory.EventInstantiateAvatar, []byte("host-view")))
	require.NoError(t, host.RaiseEvent(ctx, directory.EventStartRound, []byte("ignored")))
	own := nextOf[directory.EventReceived](t, host)
	assert.Equal(t, host.LocalID(), own.Sender)

	require.NoError(t, guest.JoinRandomRoom(ctx, 1))
	require.IsType(t, directory.JoinSucceeded{}, nextOf[directory.JoinSucceeded](t, guest))
	replayed := nextOf[directory.EventReceived](t, guest)
	assert.Equal(t, directory.EventInstantiateAvatar, replayed.Code)
	assert.Equal(t, []byte("host-view"), replayed.Payload)
	assert.Equal(t, host.LocalID(), replayed.Sender)

	count := nextOf[directory.ParticipantCountChanged](t, guest)
	assert.Equal(t, 2, count.Count)
}

func TestRaiseOutsideRoom(t *testing.T) {
	c := connected(t, NewRelay())
	assert.ErrorIs(t, c.RaiseEvent(context.Background(), directory.EventStartRound, nil), directory.ErrNotInRoom)
	assert.ErrorIs(t, c.SetProperty(context.Background(), "Player1", []byte("1")), directory.ErrNotInRoom)
}

func TestPropertiesAreShared(t *testing.T) {
	ctx := context.Background()
	relay := NewRelay()
	host := connected(t, relay)
	guest := connected(t, relay)

	require.NoError(t, host.CreateRoom(ctx, 1, directory.RoomOptions{
		ID:          "r",
		Visible:     true,
		CustomProps: map[string][]byte{"Player1": []byte("0")},
	}))
	nextOf[directory.RoomCreated](t, host)
	require.NoError(t, guest.JoinRandomRoom(ctx, 1))
	nextOf[directory.JoinSucceeded](t, guest)

	require.NoError(t, guest.SetProperty(ctx, "Player2", []byte("200")))
	v, err := host.GetProperty(ctx, "Player2")
	require.NoError(t, err)
	assert.Equal(t, []byte("200"), v)

	v, err = guest.GetProperty(ctx, "Player1")
	require.NoError(t, err)
	assert.Equal(t, []byte("0"), v)

	_, err = host.GetProperty(ctx, "missing")
	assert.ErrorIs(t, err, directory.ErrPropNotFound)

	relay.FailPropertyWrites(true)
	assert.Error(t, host.SetProperty(ctx, "Player1", []byte("5")))
	raw, ok := relay.Property("r", "Player1")
	require.True(t, ok)
	assert.Equal(t, []byte("0"), raw)
	assert.Len(t, host.Props(), 2)
}

func TestLeavingLastMemberRemovesRoom(t *testing.T) {
	ctx := context.Background()
	relay := NewRelay()
	host := connected(t, relay)
	guest := connected(t, relay)

	require.NoError(t, host.CreateRoom(ctx, 1, directory.RoomOptions{ID: "r", Visible: true}))
	nextOf[directory.RoomCreated](t, host)
	require.NoError(t, guest.JoinRandomRoom(ctx, 1))
	nextOf[directory.JoinSucceeded](t, guest)

	require.NoError(t, guest.LeaveRoom(ctx))
	assert.Equal(t, "r", nextOf[directory.LeftRoom](t, guest).RoomID)
	for {
		if ev := nextOf[directory.ParticipantCountChanged](t, host); ev.Count == 1 {
			break
		}
	}
	assert.Equal(t, 1, relay.RoomCount())

	require.NoError(t, host.Disconnect(ctx))
	nextOf[directory.Disconnected](t, host)
	assert.Equal(t, 0, relay.RoomCount())
}

func TestLeaverCachedEventsAreDropped(t *testing.T) {
	ctx := context.Background()
	relay := NewRelay()
	host := connected(t, relay)
	guest := connected(t, relay)

	require.NoError(t, host.CreateRoom(ctx, 1, directory.RoomOptions{ID: "r", Visible: true}))
	nextOf[directory.RoomCreated](t, host)
	require.NoError(t, host.RaiseCachedEvent(ctx, directory.EventInstantiateAvatar, []byte("host-view")))

	require.NoError(t, guest.JoinRandomRoom(ctx, 1))
	nextOf[directory.JoinSucceeded](t, guest)
	require.NoError(t, guest.RaiseCachedEvent(ctx, directory.EventInstantiateAvatar, []byte("guest-view")))
	assert.Equal(t, 2, relay.CachedEvents("r"))

	require.NoError(t, guest.LeaveRoom(ctx))
	nextOf[directory.LeftRoom](t, guest)
	assert.Equal(t, 1, relay.CachedEvents("r"))

	late := connected(t, relay)
	require.NoError(t, late.JoinRandomRoom(ctx, 1))
	nextOf[directory.JoinSucceeded](t, late)
	replayed := nextOf[directory.EventReceived](t, late)
	assert.Equal(t, host.LocalID(), replayed.Sender)
	assert.Equal(t, []byte("host-view"), replayed.Payload)
	assert.Equal(t, 2, nextOf[directory.ParticipantCountChanged](t, late).Count)
}
