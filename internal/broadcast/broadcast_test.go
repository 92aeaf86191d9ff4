package broadcast

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jason-s-yu/tictactoe/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// recv waits briefly for the next envelope on a subscription.
func recv(t *testing.T, sub Subscription) Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return Envelope{}
}

func assertSilent(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case env := <-sub.Events():
		t.Fatalf("unexpected envelope %s on %s", env.Type, env.Room)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestParseRoom(t *testing.T) {
	id := uuid.New()

	kind, got, err := ParseRoom(GameRoom(id))
	require.NoError(t, err)
	assert.Equal(t, RoomGame, kind)
	assert.Equal(t, id, got)

	kind, _, err = ParseRoom(LobbyRoom(id))
	require.NoError(t, err)
	assert.Equal(t, RoomLobby, kind)

	for _, bad := range []string{"", "game", "game.nope", "chat." + id.String()} {
		_, _, err := ParseRoom(bad)
		assert.ErrorIs(t, err, models.ErrValidation, bad)
	}
}

func TestMemoryHubRoutesByRoom(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub(quietLogger())
	roomA, roomB := GameRoom(uuid.New()), GameRoom(uuid.New())

	subA, _ := hub.Subscribe(ctx)
	subB, _ := hub.Subscribe(ctx)
	require.NoError(t, subA.Join(ctx, roomA))
	require.NoError(t, subA.Join(ctx, roomA)) // idempotent
	require.NoError(t, subB.Join(ctx, roomB))

	env, err := NewEnvelope(roomA, EventGameAbandoned, uuid.New(), GameAbandoned{GameID: uuid.New()})
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, env))

	got := recv(t, subA)
	assert.Equal(t, env.ID, got.ID)
	assertSilent(t, subA)
	assertSilent(t, subB)

	require.NoError(t, subA.Leave(ctx, roomA))
	require.NoError(t, hub.Publish(ctx, env))
	assertSilent(t, subA)

	require.NoError(t, subA.Close())
	require.NoError(t, subA.Close())
	_, ok := <-subA.Events()
	assert.False(t, ok)
}

func TestRedisHubDeliversAcrossClients(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	pubClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	subClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		pubClient.Close()
		subClient.Close()
	})

	publisher := NewRedisHub(pubClient, quietLogger())
	subscriber := NewRedisHub(subClient, quietLogger())

	lobbyID := uuid.New()
	room := LobbyRoom(lobbyID)
	sub, err := subscriber.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Join(ctx, room))

	sender := uuid.New()
	Emit(ctx, publisher, quietLogger(), room, EventInviteeReadyUpdated, sender,
		InviteeReadyUpdated{LobbyID: lobbyID, InviteeReady: true})

	env := recv(t, sub)
	assert.Equal(t, room, env.Room)
	assert.Equal(t, EventInviteeReadyUpdated, env.Type)
	assert.Equal(t, sender, env.SenderID)

	var payload InviteeReadyUpdated
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, lobbyID, payload.LobbyID)
	assert.True(t, payload.InviteeReady)
}

func TestRedisHubCloseWithoutJoin(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	sub, err := NewRedisHub(rdb, quietLogger()).Subscribe(context.Background())
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	_, ok := <-sub.Events()
	assert.False(t, ok)
}
