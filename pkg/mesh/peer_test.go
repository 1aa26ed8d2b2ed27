package mesh

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// wsPair returns both ends of a real websocket connection.
func wsPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	server = <-accepted
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func testPeer(t *testing.T) *peer {
	t.Helper()
	client, _ := wsPair(t)
	p := newPeer(uuid.New(), client, true, zaptest.NewLogger(t))
	p.onFrame = func(*peer, frame) {}
	return p
}

func TestPeerCloseFailsOnlyItsPendingSlots(t *testing.T) {
	p, q := testPeer(t), testPeer(t)

	// c1 and c2 wait on p; c3 has one slot on p and one on q
	c1 := newCall(Unicast(p.id), "op", []uuid.UUID{p.id})
	c2 := newCall(Unicast(p.id), "op", []uuid.UUID{p.id})
	c3 := newCall(Broadcast(), "op", []uuid.UUID{p.id, q.id})
	require.NoError(t, p.track(c1, c1.slots[0].ID))
	require.NoError(t, p.track(c2, c2.slots[0].ID))
	require.NoError(t, p.track(c3, c3.slots[0].ID))
	require.NoError(t, q.track(c3, c3.slots[1].ID))

	p.close("test")

	for _, c := range []*Call{c1, c2} {
		resp, ok := c.Responses()
		require.True(t, ok)
		assert.Equal(t, "connection lost", resp[0].Error)
	}
	assert.False(t, c3.Ready())
	assert.Equal(t, 1, q.pendingLen())

	require.True(t, c3.complete(c3.slots[1].ID, Message{}, ""))
	resp, ok := c3.Responses()
	require.True(t, ok)
	assert.Equal(t, "connection lost", resp[0].Error)
	assert.Empty(t, resp[1].Error)

	c4 := newCall(Unicast(p.id), "op", []uuid.UUID{p.id})
	assert.ErrorIs(t, p.track(c4, c4.slots[0].ID), ErrConnectionLost)

	// closing twice is harmless
	p.close("again")
	assert.True(t, p.isClosed())
}

func TestPeerResolve(t *testing.T) {
	p := testPeer(t)
	c := newCall(Unicast(p.id), "op", []uuid.UUID{p.id})
	corr := c.slots[0].ID
	require.NoError(t, p.track(c, corr))

	assert.Same(t, c, p.resolve(corr))
	assert.Nil(t, p.resolve(corr))
	assert.Nil(t, p.resolve("unknown"))
	assert.Zero(t, p.pendingLen())
}

func TestPeerCompactsCollectedCalls(t *testing.T) {
	p := testPeer(t)
	for range compactThreshold + 44 {
		c := newCall(Unicast(p.id), "op", []uuid.UUID{p.id})
		require.NoError(t, p.track(c, c.slots[0].ID))
	}
	require.Equal(t, compactThreshold+44, p.pendingLen())

	runtime.GC()

	kept := newCall(Unicast(p.id), "op", []uuid.UUID{p.id})
	require.NoError(t, p.track(kept, kept.slots[0].ID))
	assert.Less(t, p.pendingLen(), 8)
	assert.Same(t, kept, p.resolve(kept.slots[0].ID))
	runtime.KeepAlive(kept)
}

func TestPeerSendAndReadLoop(t *testing.T) {
	client, server := wsPair(t)
	logger := zaptest.NewLogger(t)

	frames := make(chan frame, 1)
	a := newPeer(uuid.New(), client, true, logger)
	a.onFrame = func(*peer, frame) {}
	b := newPeer(uuid.New(), server, false, logger)
	b.onFrame = func(_ *peer, f frame) { frames <- f }
	closed := make(chan struct{})
	b.onClose = func(*peer) { close(closed) }
	b.start()

	require.NoError(t, a.send(frame{Opcode: "move", ID: "c1", Body: Message{"x": "1"}}))
	f := <-frames
	assert.Equal(t, "move", f.Opcode)
	assert.Equal(t, "c1", f.ID)
	assert.Equal(t, "1", f.Body["x"])

	// remote side going away closes the peer
	a.close("test")
	<-closed
	assert.True(t, b.isClosed())
}
