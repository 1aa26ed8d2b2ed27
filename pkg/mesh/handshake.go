package mesh

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/identity"
)

const handshakePattern = "GET /mesh/{id}"

func dialURL(addr string, remote, self uuid.UUID, ts int64, pw string) string {
	q := url.Values{}
	q.Set("s", self.String())
	q.Set("ts", strconv.FormatInt(ts, 10))
	q.Set("pw", pw)
	u := url.URL{Scheme: "ws", Host: addr, Path: "/mesh/" + remote.String(), RawQuery: q.Encode()}
	return u.String()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// peers are authenticated by credential, not origin
	CheckOrigin: func(*http.Request) bool { return true },
}

// serveHandshake authenticates an inbound channel and hands it to the
// connection manager. No acknowledgement frame follows the upgrade.
func (m *Mesh) serveHandshake(w http.ResponseWriter, r *http.Request) {
	target, err := uuid.Parse(r.PathValue("id"))
	if err != nil || target != m.ident.ID {
		m.reject(w, r, http.StatusNotFound, "wrong_target")
		return
	}

	requester, err := m.authenticate(r.URL.Query())
	if err != nil {
		code, reason := rejection(err)
		m.reject(w, r, code, reason)
		return
	}
	e, err := m.conns.admit(requester)
	if err != nil {
		code, reason := rejection(err)
		m.reject(w, r, code, reason)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		m.logger.Debug("upgrade failed", zap.Stringer("peer", requester), zap.Error(err))
		m.conns.abandon(requester, e)
		return
	}
	m.conns.adopt(requester, e, conn)
}

func (m *Mesh) authenticate(q url.Values) (uuid.UUID, error) {
	s := q.Get("s")
	if s == "" {
		return uuid.Nil, identity.ErrNilRequester
	}
	requester, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse requester: %w", err)
	}
	ts, err := strconv.ParseInt(q.Get("ts"), 10, 64)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse timestamp: %w", err)
	}
	return requester, m.auth.Verify(requester, ts, q.Get("pw"))
}

func (m *Mesh) reject(w http.ResponseWriter, r *http.Request, code int, reason string) {
	telemetry.AuthRejections.WithLabelValues(reason).Inc()
	m.logger.Info("handshake rejected",
		zap.String("remote", r.RemoteAddr),
		zap.String("requester", r.URL.Query().Get("s")),
		zap.String("reason", reason))
	http.Error(w, reason, code)
}
