package mesh

import (
	"errors"
	"sync"
	"time"
	"weak"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 20 * time.Second
	maxFrameSize = 4 << 20
	closeGrace   = time.Second

	// pending maps larger than this are swept for collected calls on insert
	compactThreshold = 256
)

// peer is one live channel to a remote service. Pending slots are held
// weakly: a caller that drops its Call lets it be collected, and the slot is
// swept out of the map later.
type peer struct {
	id       uuid.UUID
	outbound bool
	conn     *websocket.Conn
	logger   *zap.Logger

	onFrame func(*peer, frame)
	onClose func(*peer)

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]weak.Pointer[Call]
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(id uuid.UUID, conn *websocket.Conn, outbound bool, logger *zap.Logger) *peer {
	dir := "inbound"
	if outbound {
		dir = "outbound"
	}
	return &peer{
		id:       id,
		outbound: outbound,
		conn:     conn,
		logger:   logger.With(zap.Stringer("peer", id), zap.String("dir", dir)),
		pending:  make(map[string]weak.Pointer[Call]),
		done:     make(chan struct{}),
	}
}

func (p *peer) start() {
	go p.readLoop()
	go p.pingLoop()
}

// track registers a pending slot for corr. It fails once the peer is closed
// so the slot can be completed by the caller instead.
func (p *peer) track(c *Call, corr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrConnectionLost
	}
	if len(p.pending) >= compactThreshold {
		for k, wp := range p.pending {
			if wp.Value() == nil {
				delete(p.pending, k)
			}
		}
	}
	p.pending[corr] = weak.Make(c)
	return nil
}

// resolve removes and returns the call waiting on corr, or nil if it is
// unknown or already collected.
func (p *peer) resolve(corr string) *Call {
	p.mu.Lock()
	wp, ok := p.pending[corr]
	delete(p.pending, corr)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return wp.Value()
}

func (p *peer) pendingLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *peer) send(f frame) error {
	b, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return p.write(b)
}

func (p *peer) write(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, b)
}

// close tears the channel down once and fails every pending slot with
// "connection lost".
func (p *peer) close(reason string) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		pending := p.pending
		p.pending = nil
		p.mu.Unlock()

		close(p.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		_ = p.conn.Close()

		for corr, wp := range pending {
			if c := wp.Value(); c != nil {
				c.complete(corr, nil, ErrConnectionLost.Error())
			}
		}

		telemetry.ChannelsClosed.WithLabelValues(reason).Inc()
		p.logger.Info("channel closed", zap.String("reason", reason), zap.Int("pending", len(pending)))
		if p.onClose != nil {
			p.onClose(p)
		}
	})
}

func (p *peer) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *peer) readLoop() {
	p.conn.SetReadLimit(maxFrameSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, b, err := p.conn.ReadMessage()
		if err != nil {
			reason := "read_error"
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				reason = "remote_closed"
			}
			if !p.isClosed() && reason == "read_error" {
				p.logger.Debug("read failed", zap.Error(err))
			}
			p.close(reason)
			return
		}
		f, err := decodeFrame(b)
		if err != nil {
			p.logger.Warn("dropping frame", zap.Error(err))
			continue
		}
		p.onFrame(p, f)
	}
}

func (p *peer) pingLoop() {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			p.writeMu.Unlock()
			if err != nil {
				p.close("keepalive")
				return
			}
		}
	}
}
