package mesh

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopHandler(context.Context, uuid.UUID, Message, Message) error { return nil }

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()

	require.NoError(t, r.Add("b", nopHandler))
	require.NoError(t, r.Add("a", nopHandler))
	require.ErrorIs(t, r.Add("a", nopHandler), ErrHandlerExists)
	require.ErrorIs(t, r.Add("", nopHandler), ErrEmptyOpcode)
	assert.Equal(t, []string{"a", "b"}, r.Opcodes())

	called := false
	r.Set("a", func(context.Context, uuid.UUID, Message, Message) error {
		called = true
		return nil
	})
	h, ok := r.Get("a")
	require.True(t, ok)
	require.NoError(t, h(context.Background(), uuid.Nil, Message{}, Message{}))
	assert.True(t, called)

	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	_, ok = r.Get("a")
	assert.False(t, ok)

	// a handler fetched before removal stays callable
	assert.NoError(t, h(context.Background(), uuid.Nil, Message{}, Message{}))
}

type greetReq struct {
	Name string `json:"name"`
}

type greetResp struct {
	Greeting string `json:"greeting"`
	From     string `json:"from"`
}

func TestBind(t *testing.T) {
	h := Bind(func(_ context.Context, from uuid.UUID, req *greetReq) (*greetResp, error) {
		if req.Name == "" {
			return nil, errors.New("name required")
		}
		return &greetResp{Greeting: "hello " + req.Name, From: from.String()}, nil
	})

	from := uuid.New()
	out := Message{}
	require.NoError(t, h(context.Background(), from, out, Message{"name": "ana"}))
	assert.Equal(t, "hello ana", out["greeting"])
	assert.Equal(t, from.String(), out["from"])

	err := h(context.Background(), from, Message{}, Message{})
	assert.EqualError(t, err, "name required")

	err = h(context.Background(), from, Message{}, Message{"name": 7})
	assert.ErrorContains(t, err, "decode request")
}

func TestBindNilResponse(t *testing.T) {
	h := Bind(func(context.Context, uuid.UUID, *greetReq) (*greetResp, error) { return nil, nil })
	out := Message{}
	require.NoError(t, h(context.Background(), uuid.New(), out, Message{}))
	assert.Empty(t, out)
}

func TestContextHelpers(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
	_, ok = RequesterFromContext(context.Background())
	assert.False(t, ok)

	m := &Mesh{}
	from := uuid.New()
	ctx := handlerContext(context.Background(), m, from)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, m, got)
	id, ok := RequesterFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, from, id)
}
