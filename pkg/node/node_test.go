package node

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/identity"
	"github.com/ryandielhenn/zephyrmesh/pkg/kv"
	"github.com/ryandielhenn/zephyrmesh/pkg/mesh"
	"github.com/ryandielhenn/zephyrmesh/pkg/registry"
)

type testService struct {
	mesh *mesh.Mesh
	reg  *registry.Registry
	node *Node
}

func (s *testService) url(path string) string { return "http://" + s.mesh.Addr() + path }

func startService(t *testing.T, store *kv.Store, typ string) *testService {
	t.Helper()
	ident, err := identity.New(identity.Config{Type: typ, App: "game", Secret: "s3cret", Hostname: "box"})
	require.NoError(t, err)
	logger := zap.NewNop()
	reg, err := registry.New(store, ident, registry.Config{Advertise: []string{"127.0.0.1"}}, logger, nil)
	require.NoError(t, err)
	m := mesh.New(ident, reg, logger, mesh.WithListenAddr("127.0.0.1:0"))
	n := NewNode(m, logger)
	require.NoError(t, n.Register())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return &testService{mesh: m, reg: reg, node: n}
}

func get(t *testing.T, u string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func post(t *testing.T, u, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(u, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func TestHealthzAndInfo(t *testing.T) {
	s := startService(t, kv.NewStore(1<<20), "logic")

	code, body := get(t, s.url("/healthz"))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(body))

	code, body = get(t, s.url("/info"))
	require.Equal(t, http.StatusOK, code)
	var st Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, s.mesh.Self().ID.String(), st.ID)
	assert.Equal(t, "logic", st.Type)
	assert.Equal(t, "game", st.App)
	assert.Equal(t, s.mesh.Addr(), st.Addr)
	assert.Equal(t, map[string]int{"logic": 1}, st.Members)
	assert.Empty(t, st.Peers)
	assert.Equal(t, []string{OpInfo, OpPing}, st.Opcodes)
}

func TestRegisterTwiceFails(t *testing.T) {
	s := startService(t, kv.NewStore(1<<20), "logic")
	require.ErrorIs(t, s.node.Register(), mesh.ErrHandlerExists)
}

func TestSendLoopbackPing(t *testing.T) {
	s := startService(t, kv.NewStore(1<<20), "logic")

	code, body := post(t, s.url("/rpc/"+OpPing), `{"payload":"hi"}`)
	require.Equal(t, http.StatusOK, code, string(body))

	var out sendResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "loopback()", out.Target)
	assert.Equal(t, OpPing, out.Opcode)
	require.Len(t, out.Responses, 1)
	r := out.Responses[0]
	assert.Equal(t, s.mesh.Self().ID.String(), r.Target)
	assert.Empty(t, r.Error)
	assert.Equal(t, "hi", r.Body["payload"])
	assert.Equal(t, "logic", r.Body["type"])
}

func TestSendMulticastAcrossServices(t *testing.T) {
	store := kv.NewStore(1 << 20)
	a, b, gate := startService(t, store, "logic"), startService(t, store, "logic"), startService(t, store, "gate")
	for _, s := range []*testService{a, b, gate} {
		require.NoError(t, s.reg.Scan(context.Background()))
	}

	code, body := post(t, gate.url("/rpc/"+OpPing+"?target=multicast&type=logic"), `{"payload":"x"}`)
	require.Equal(t, http.StatusOK, code, string(body))
	var out sendResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Responses, 2)

	var got []string
	for _, r := range out.Responses {
		assert.Empty(t, r.Error)
		assert.Equal(t, r.Target, r.Body["id"])
		got = append(got, r.Target)
	}
	assert.ElementsMatch(t, []string{a.mesh.Self().ID.String(), b.mesh.Self().ID.String()}, got)

	code, body = get(t, gate.url("/info"))
	require.Equal(t, http.StatusOK, code)
	var st Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, map[string]int{"logic": 2, "gate": 1}, st.Members)
	assert.Len(t, st.Peers, 2)

	// mesh.info over the mesh returns the remote's status
	code, body = post(t, gate.url("/rpc/"+OpInfo+"?target=unicast&id="+a.mesh.Self().ID.String()), `{}`)
	require.Equal(t, http.StatusOK, code, string(body))
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Responses, 1)
	assert.Equal(t, "logic", out.Responses[0].Body["type"])
}

func TestCloseDuringGatewayRequest(t *testing.T) {
	store := kv.NewStore(1 << 20)
	gate, b := startService(t, store, "gate"), startService(t, store, "logic")
	started := make(chan struct{})
	var once sync.Once
	require.NoError(t, b.mesh.Handlers().Add("block", func(ctx context.Context, _ uuid.UUID, _, _ mesh.Message) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}))
	for _, s := range []*testService{gate, b} {
		require.NoError(t, s.reg.Scan(context.Background()))
	}

	type result struct {
		code int
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		u := gate.url("/rpc/block?timeout=30s&target=unicast&id=" + b.mesh.Self().ID.String())
		resp, err := http.Post(u, "application/json", strings.NewReader(`{}`))
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		done <- result{code: resp.StatusCode, body: body, err: err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("remote handler never ran")
	}

	begin := time.Now()
	require.NoError(t, gate.mesh.Close())
	assert.Less(t, time.Since(begin), 2*time.Second)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, http.StatusOK, r.code, string(r.body))
		var out sendResponse
		require.NoError(t, json.Unmarshal(r.body, &out))
		require.Len(t, out.Responses, 1)
		assert.Equal(t, "connection lost", out.Responses[0].Error)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway request still blocked after Close")
	}
}

func TestSendUnknownOpcodeReportsSlotError(t *testing.T) {
	s := startService(t, kv.NewStore(1<<20), "logic")

	code, body := post(t, s.url("/rpc/nope"), "")
	require.Equal(t, http.StatusOK, code, string(body))
	var out sendResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Responses, 1)
	assert.Equal(t, `no handler registered for opcode "nope"`, out.Responses[0].Error)
}

func TestSendRejectsBadInput(t *testing.T) {
	s := startService(t, kv.NewStore(1<<20), "logic")

	for _, path := range []string{
		"/rpc/" + OpPing + "?target=sideways",
		"/rpc/" + OpPing + "?target=unicast&id=nope",
		"/rpc/" + OpPing + "?timeout=-1s",
	} {
		code, _ := post(t, s.url(path), `{}`)
		assert.Equal(t, http.StatusBadRequest, code, path)
	}
	code, _ := post(t, s.url("/rpc/"+OpPing), `[1]`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestParseTarget(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		query string
		want  mesh.Target
		err   bool
	}{
		{"", mesh.Loopback(), false},
		{"target=loopback", mesh.Loopback(), false},
		{"target=broadcast", mesh.Broadcast(), false},
		{"target=unicast&id=" + id.String(), mesh.Unicast(id), false},
		{"target=multicast&type=logic", mesh.Multicast("logic"), false},
		{"target=randomcast&type=logic", mesh.Randomcast("logic"), false},
		{"target=hashcast&type=logic&key=u1", mesh.Hashcast("logic", "u1"), false},
		{"target=hashcast&type=logic", mesh.Target{}, true},
		{"target=multicast", mesh.Target{}, true},
		{"target=unicast", mesh.Target{}, true},
		{"target=anycast&type=logic", mesh.Target{}, true},
	}
	for _, tt := range tests {
		q, err := url.ParseQuery(tt.query)
		require.NoError(t, err)
		got, err := ParseTarget(q)
		if tt.err {
			assert.ErrorIs(t, err, ErrBadTarget, tt.query)
			continue
		}
		require.NoError(t, err, tt.query)
		assert.Equal(t, tt.want, got, tt.query)
	}
}
