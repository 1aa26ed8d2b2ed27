package mesh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/identity"
	"github.com/ryandielhenn/zephyrmesh/pkg/registry"
)

// entry is the record for one remote id. A record is either dialing, reserved
// for an inbound handshake in progress, or active once p is set. ready is
// closed when it settles; waiters that see errSuperseded look again.
type entry struct {
	ready      chan struct{}
	p          *peer
	err        error
	dialing    bool
	superseded chan struct{}
}

func newEntry() *entry {
	return &entry{ready: make(chan struct{}), superseded: make(chan struct{})}
}

func (e *entry) active() bool { return e.p != nil }

// connManager keeps at most one live channel per remote id.
type connManager struct {
	self             uuid.UUID
	hostname         string
	auth             *identity.Authenticator
	snapshot         func() *registry.Snapshot
	dialer           *websocket.Dialer
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	logger           *zap.Logger
	onFrame          func(*peer, frame)

	ctx context.Context

	// mu guards entries and every settle of an entry
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	closed  bool
}

func lessID(a, b uuid.UUID) bool { return bytes.Compare(a[:], b[:]) < 0 }

// settle completes e once. Called with mu held.
func (cm *connManager) settle(e *entry, err error) {
	select {
	case <-e.ready:
		return
	default:
	}
	e.err = err
	close(e.ready)
}

// get returns the live channel to id, dialing it if needed. Concurrent
// callers share one dial.
func (cm *connManager) get(ctx context.Context, id uuid.UUID) (*peer, error) {
	for {
		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return nil, ErrClosed
		}
		e, ok := cm.entries[id]
		if !ok {
			e = newEntry()
			e.dialing = true
			cm.entries[id] = e
			go cm.connect(id, e)
		}
		cm.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if errors.Is(e.err, errSuperseded) {
			continue
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.p, nil
	}
}

func (cm *connManager) connect(id uuid.UUID, e *entry) {
	conn, err := cm.dial(id, e.superseded)

	cm.mu.Lock()
	switch {
	case cm.entries[id] != e:
		// an inbound channel was adopted, or the manager closed, while dialing
		err = errSuperseded
	case err != nil:
		delete(cm.entries, id)
	default:
		e.p = cm.register(id, conn, true)
	}
	cm.settle(e, err)
	cm.mu.Unlock()

	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		if !errors.Is(err, errSuperseded) {
			cm.logger.Warn("dial failed", zap.Stringer("peer", id), zap.Error(err))
		}
		return
	}
	e.p.start()
}

// register wraps conn in a peer bound to this manager. Called with mu held.
func (cm *connManager) register(id uuid.UUID, conn *websocket.Conn, outbound bool) *peer {
	p := newPeer(id, conn, outbound, cm.logger)
	p.onFrame = cm.onFrame
	p.onClose = cm.release
	telemetry.ActivePeers.Inc()
	p.logger.Info("channel established")
	return p
}

func (cm *connManager) dial(id uuid.UUID, superseded <-chan struct{}) (*websocket.Conn, error) {
	d, ok := cm.snapshot().Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	addr, ok := registry.SelectAddress(d, cm.hostname)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, id)
	}

	ts, pw := cm.auth.Sign(cm.self)
	ctx, cancel := context.WithTimeout(cm.ctx, cm.dialTimeout)
	defer cancel()
	conn, resp, err := cm.dialer.DialContext(ctx, dialURL(addr, id, cm.self, ts, pw), nil)
	if err == nil {
		return conn, nil
	}
	if resp == nil {
		return nil, fmt.Errorf("mesh: dial %s: %w", addr, err)
	}
	if resp.StatusCode != http.StatusConflict {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, resp.Status)
	}

	// the peer is dialing us and its channel wins; wait for it to arrive
	t := time.NewTimer(cm.handshakeTimeout)
	defer t.Stop()
	select {
	case <-superseded:
		return nil, errSuperseded
	case <-t.C:
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, resp.Status)
	case <-cm.ctx.Done():
		return nil, ErrClosed
	}
}

// admit reserves the record for an authenticated inbound handshake from id.
// A dialer with the higher id loses to any record we already hold; a lower
// id supersedes it.
func (cm *connManager) admit(id uuid.UUID) (*entry, error) {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil, ErrClosed
	}
	old, exists := cm.entries[id]
	if exists && lessID(cm.self, id) {
		cm.mu.Unlock()
		return nil, errConflict
	}
	e := newEntry()
	cm.entries[id] = e
	var stale *peer
	if exists {
		stale = cm.supersede(old)
	}
	cm.mu.Unlock()

	if stale != nil {
		stale.close("superseded")
	}
	return e, nil
}

// supersede retires a record that has just been replaced in entries and
// returns its peer, if any, for the caller to close outside mu.
func (cm *connManager) supersede(old *entry) *peer {
	switch {
	case old.active():
		return old.p
	case old.dialing:
		close(old.superseded)
	default:
		cm.settle(old, errSuperseded)
	}
	return nil
}

// adopt turns a reserved record into an active inbound channel.
func (cm *connManager) adopt(id uuid.UUID, e *entry, conn *websocket.Conn) {
	cm.mu.Lock()
	if cm.closed || cm.entries[id] != e {
		cm.mu.Unlock()
		_ = conn.Close()
		return
	}
	e.p = cm.register(id, conn, false)
	cm.settle(e, nil)
	cm.mu.Unlock()
	e.p.start()
}

// abandon drops a reservation whose upgrade failed.
func (cm *connManager) abandon(id uuid.UUID, e *entry) {
	cm.mu.Lock()
	if cm.entries[id] == e {
		delete(cm.entries, id)
	}
	cm.settle(e, errSuperseded)
	cm.mu.Unlock()
}

// release drops the record for a closed peer unless it was already replaced.
func (cm *connManager) release(p *peer) {
	cm.mu.Lock()
	if e, ok := cm.entries[p.id]; ok && e.p == p {
		delete(cm.entries, p.id)
	}
	cm.mu.Unlock()
	telemetry.ActivePeers.Dec()
}

// evict force-closes channels to services that left the membership.
func (cm *connManager) evict(ids []uuid.UUID) {
	var victims []*peer
	cm.mu.Lock()
	for _, id := range ids {
		if e, ok := cm.entries[id]; ok && e.active() {
			victims = append(victims, e.p)
		}
	}
	cm.mu.Unlock()
	for _, p := range victims {
		p.close("evicted")
	}
}

func (cm *connManager) closeAll() {
	var victims []*peer
	cm.mu.Lock()
	cm.closed = true
	for _, e := range cm.entries {
		switch {
		case e.active():
			victims = append(victims, e.p)
		case e.dialing:
			close(e.superseded)
		default:
			cm.settle(e, ErrClosed)
		}
	}
	cm.entries = make(map[uuid.UUID]*entry)
	cm.mu.Unlock()

	for _, p := range victims {
		p.close("shutdown")
	}
}

func (cm *connManager) lookup(id uuid.UUID) (*peer, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	e, ok := cm.entries[id]
	if !ok || !e.active() {
		return nil, false
	}
	return e.p, true
}

// peers lists ids with an active channel, sorted.
func (cm *connManager) peers() []uuid.UUID {
	cm.mu.Lock()
	out := make([]uuid.UUID, 0, len(cm.entries))
	for id, e := range cm.entries {
		if e.active() {
			out = append(out, id)
		}
	}
	cm.mu.Unlock()
	slices.SortFunc(out, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return out
}
