package identity

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/minio/sha256-simd"
)

// DefaultWindow is how far a handshake timestamp may drift from the
// verifier's clock, in either direction.
const DefaultWindow = 60 * time.Second

var (
	ErrNilRequester   = errors.New("identity: requester id is nil")
	ErrStaleTimestamp = errors.New("identity: timestamp outside accepted window")
	ErrBadCredential  = errors.New("identity: credential mismatch")
)

// Credential returns hex(sha256(requester ++ be64(ts) ++ secret)).
func Credential(requester uuid.UUID, ts int64, secret []byte) string {
	buf := make([]byte, 0, len(requester)+8+len(secret))
	buf = append(buf, requester[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts))
	buf = append(buf, secret...)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// Authenticator signs outbound handshakes and verifies inbound ones.
type Authenticator struct {
	secret []byte
	clock  clock.Clock
	window time.Duration
}

func NewAuthenticator(secret []byte, clk clock.Clock) *Authenticator {
	if clk == nil {
		clk = clock.New()
	}
	return &Authenticator{
		secret: append([]byte(nil), secret...),
		clock:  clk,
		window: DefaultWindow,
	}
}

// Sign produces the (ts, pw) pair a requester presents to a peer.
func (a *Authenticator) Sign(requester uuid.UUID) (int64, string) {
	ts := a.clock.Now().Unix()
	return ts, Credential(requester, ts, a.secret)
}

// Verify checks a claimed requester id, its timestamp and credential.
// The window is inclusive on both ends.
func (a *Authenticator) Verify(requester uuid.UUID, ts int64, pw string) error {
	if requester == uuid.Nil {
		return ErrNilRequester
	}
	skew := a.clock.Now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(a.window/time.Second) {
		return ErrStaleTimestamp
	}
	want := Credential(requester, ts, a.secret)
	if subtle.ConstantTimeCompare([]byte(want), []byte(pw)) != 1 {
		return ErrBadCredential
	}
	return nil
}
