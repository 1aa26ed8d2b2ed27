package identity

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	_, err := New(Config{App: "g", Secret: "s"})
	require.ErrorIs(t, err, ErrNoType)

	_, err = New(Config{Type: "logic", Secret: "s"})
	require.ErrorIs(t, err, ErrNoApp)

	_, err = New(Config{Type: "logic", App: "g"})
	require.ErrorIs(t, err, ErrNoSecret)

	id, err := New(Config{Type: "logic", App: "g", Secret: "s", Hostname: "box"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id.ID)
	assert.Equal(t, "box", id.Hostname)
	assert.False(t, id.ZoneStart.IsZero())
}

func TestNewIDsAreRandom(t *testing.T) {
	a, err := New(Config{Type: "logic", App: "g", Secret: "s", Hostname: "h"})
	require.NoError(t, err)
	b, err := New(Config{Type: "logic", App: "g", Secret: "s", Hostname: "h"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestCredentialDeterministic(t *testing.T) {
	id := uuid.MustParse("6f1c1c8e-6a48-4c62-9d0c-4a7d1b1d7a10")
	a := Credential(id, 1700000000, []byte("secret"))
	b := Credential(id, 1700000000, []byte("secret"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, Credential(id, 1700000001, []byte("secret")))
	assert.NotEqual(t, a, Credential(id, 1700000000, []byte("other")))
	assert.NotEqual(t, a, Credential(uuid.New(), 1700000000, []byte("secret")))
}

func TestVerifyWindow(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	auth := NewAuthenticator([]byte("secret"), clk)
	req := uuid.New()
	now := clk.Now().Unix()

	cases := []struct {
		name string
		ts   int64
		err  error
	}{
		{"now", now, nil},
		{"past boundary", now - 60, nil},
		{"future boundary", now + 60, nil},
		{"past stale", now - 61, ErrStaleTimestamp},
		{"future stale", now + 61, ErrStaleTimestamp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := auth.Verify(req, tc.ts, Credential(req, tc.ts, []byte("secret")))
			if tc.err == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestVerifyRejections(t *testing.T) {
	clk := clock.NewMock()
	auth := NewAuthenticator([]byte("secret"), clk)
	req := uuid.New()
	ts := clk.Now().Unix()

	require.ErrorIs(t, auth.Verify(uuid.Nil, ts, Credential(uuid.Nil, ts, []byte("secret"))), ErrNilRequester)
	require.ErrorIs(t, auth.Verify(req, ts, Credential(req, ts, []byte("wrong"))), ErrBadCredential)
	require.ErrorIs(t, auth.Verify(req, ts, ""), ErrBadCredential)
}

func TestSignRoundTrip(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(42 * time.Hour)
	signer := NewAuthenticator([]byte("k"), clk)
	verifier := NewAuthenticator([]byte("k"), clk)
	req := uuid.New()

	ts, pw := signer.Sign(req)
	assert.Equal(t, clk.Now().Unix(), ts)
	require.NoError(t, verifier.Verify(req, ts, pw))

	clk.Add(61 * time.Second)
	require.ErrorIs(t, verifier.Verify(req, ts, pw), ErrStaleTimestamp)
}
