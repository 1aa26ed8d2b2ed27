package mesh

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
)

// Response is one target's slot in a Call.
type Response struct {
	Target    uuid.UUID
	ID        string // correlation id
	Body      Message
	Error     string
	Completed bool
}

// Err returns the slot's error string as an error, or nil.
func (r Response) Err() error {
	if r.Error == "" {
		return nil
	}
	return errors.New(r.Error)
}

// Call is one logical request fanned out to every resolved target. It is
// ready once every slot has completed, with success or an error, and never
// exposes partial results.
type Call struct {
	target Target
	opcode string

	mu        sync.Mutex
	slots     []Response
	index     map[string]int
	remaining int
	done      chan struct{}
}

func newCall(target Target, opcode string, targets []uuid.UUID) *Call {
	c := &Call{
		target:    target,
		opcode:    opcode,
		slots:     make([]Response, len(targets)),
		index:     make(map[string]int, len(targets)),
		remaining: len(targets),
		done:      make(chan struct{}),
	}
	for i, id := range targets {
		corr := uuid.NewString()
		for _, dup := c.index[corr]; dup; _, dup = c.index[corr] {
			corr = uuid.NewString()
		}
		c.index[corr] = i
		c.slots[i] = Response{Target: id, ID: corr}
	}
	if c.remaining == 0 {
		close(c.done)
	} else {
		telemetry.InFlightCalls.Inc()
	}
	return c
}

func (c *Call) Target() Target { return c.target }
func (c *Call) Opcode() string { return c.opcode }
func (c *Call) Len() int       { return len(c.slots) }

// Done is closed exactly once, when the last slot completes.
func (c *Call) Done() <-chan struct{} { return c.done }

func (c *Call) Ready() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Responses returns every slot once the call is ready, and false before.
func (c *Call) Responses() ([]Response, bool) {
	if !c.Ready() {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.slots), true
}

// Wait blocks until the call is ready or ctx ends. The mesh applies no
// timeout of its own.
func (c *Call) Wait(ctx context.Context) ([]Response, error) {
	select {
	case <-c.done:
		resp, _ := c.Responses()
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete fills the slot for corr. Unknown or already completed slots are
// ignored and report false.
func (c *Call) complete(corr string, body Message, errMsg string) bool {
	c.mu.Lock()
	i, ok := c.index[corr]
	if !ok || c.slots[i].Completed {
		c.mu.Unlock()
		return false
	}
	c.slots[i].Body = body
	c.slots[i].Error = errMsg
	c.slots[i].Completed = true
	c.remaining--
	last := c.remaining == 0
	c.mu.Unlock()

	telemetry.ResponsesTotal.WithLabelValues(c.opcode, telemetry.Status(errMsg)).Inc()
	if last {
		telemetry.InFlightCalls.Dec()
		close(c.done)
	}
	return true
}
