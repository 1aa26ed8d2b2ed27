package mesh

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Handler services one opcode. It fills out and returns nil, or returns an
// error whose text is sent back to the caller as the slot's error.
type Handler func(ctx context.Context, from uuid.UUID, out, in Message) error

// Bind adapts a typed function into a Handler. The request body is decoded
// into Req and a non-nil response is merged into the reply.
func Bind[Req, Resp any](fn func(ctx context.Context, from uuid.UUID, req *Req) (*Resp, error)) Handler {
	return func(ctx context.Context, from uuid.UUID, out, in Message) error {
		var req Req
		if err := in.Decode(&req); err != nil {
			return fmt.Errorf("decode request: %w", err)
		}
		resp, err := fn(ctx, from, &req)
		if err != nil {
			return err
		}
		if resp == nil {
			return nil
		}
		return out.Encode(resp)
	}
}

// HandlerRegistry maps opcodes to handlers. It may change while requests are
// in flight; Get hands out the function value, never a reference into the map.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Add registers h under opcode, failing if the opcode is taken.
func (r *HandlerRegistry) Add(opcode string, h Handler) error {
	if opcode == "" {
		return ErrEmptyOpcode
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[opcode]; exists {
		return fmt.Errorf("%w: %q", ErrHandlerExists, opcode)
	}
	r.handlers[opcode] = h
	return nil
}

// Set registers h under opcode, replacing any previous handler.
func (r *HandlerRegistry) Set(opcode string, h Handler) {
	r.mu.Lock()
	r.handlers[opcode] = h
	r.mu.Unlock()
}

func (r *HandlerRegistry) Remove(opcode string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[opcode]
	delete(r.handlers, opcode)
	return ok
}

func (r *HandlerRegistry) Get(opcode string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[opcode]
	r.mu.RUnlock()
	return h, ok
}

func (r *HandlerRegistry) Opcodes() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		out = append(out, op)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

type ctxKey int

const (
	meshKey ctxKey = iota
	requesterKey
)

// FromContext returns the mesh serving the current handler, so handlers can
// issue their own requests.
func FromContext(ctx context.Context) (*Mesh, bool) {
	m, ok := ctx.Value(meshKey).(*Mesh)
	return m, ok
}

// RequesterFromContext returns the id of the service that sent the request.
func RequesterFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(requesterKey).(uuid.UUID)
	return id, ok
}

func handlerContext(ctx context.Context, m *Mesh, from uuid.UUID) context.Context {
	ctx = context.WithValue(ctx, meshKey, m)
	return context.WithValue(ctx, requesterKey, from)
}
