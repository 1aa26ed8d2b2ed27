package mesh

import (
	"errors"
	"net/http"

	"github.com/ryandielhenn/zephyrmesh/pkg/identity"
)

var (
	ErrNilRequest    = errors.New("mesh: nil request")
	ErrEmptyOpcode   = errors.New("mesh: empty opcode")
	ErrNotStarted    = errors.New("mesh: not started")
	ErrClosed        = errors.New("mesh: closed")
	ErrHandlerExists = errors.New("mesh: handler already registered")

	ErrUnknownPeer       = errors.New("mesh: peer not in membership")
	ErrNoRoute           = errors.New("mesh: peer has no usable address")
	ErrConnectionLost    = errors.New("connection lost")
	ErrHandshakeRejected = errors.New("mesh: handshake rejected")
	ErrMalformedFrame    = errors.New("mesh: malformed frame")

	// dial lost a simultaneous-connect race to a channel the peer opened
	errSuperseded = errors.New("mesh: channel superseded")
	// acceptor already holds a channel for this requester
	errConflict = errors.New("mesh: duplicate channel")
)

// rejection maps a handshake failure to its HTTP status and metric label.
func rejection(err error) (int, string) {
	switch {
	case errors.Is(err, identity.ErrNilRequester):
		return http.StatusBadRequest, "nil_requester"
	case errors.Is(err, identity.ErrStaleTimestamp):
		return http.StatusForbidden, "stale_timestamp"
	case errors.Is(err, identity.ErrBadCredential):
		return http.StatusUnauthorized, "bad_credential"
	case errors.Is(err, errConflict):
		return http.StatusConflict, "duplicate_channel"
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable, "closed"
	default:
		return http.StatusBadRequest, "malformed"
	}
}
