package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
)

// dispatch sends one slot of c. It never blocks the caller.
func (m *Mesh) dispatch(ctx context.Context, c *Call, slot Response, opcode string, req *outbound) {
	if slot.Target == m.ident.ID {
		go func() {
			in, err := req.message()
			if err != nil {
				c.complete(slot.ID, nil, err.Error())
				return
			}
			out := Message{}
			errMsg := m.invoke(m.ctx, m.ident.ID, opcode, out, in)
			c.complete(slot.ID, out, errMsg)
		}()
		return
	}

	go func() {
		p, err := m.conns.get(ctx, slot.Target)
		if err != nil {
			c.complete(slot.ID, nil, err.Error())
			return
		}
		if err := p.track(c, slot.ID); err != nil {
			c.complete(slot.ID, nil, err.Error())
			return
		}
		if err := p.write(req.frame(slot.ID)); err != nil {
			p.logger.Warn("write failed", zap.String("opcode", opcode), zap.Error(err))
			// fails this slot along with every other one pending on p
			p.close("write_error")
		}
	}()
}

// notify delivers a request that expects no reply. Failures are only logged.
func (m *Mesh) notify(id uuid.UUID, opcode string, req *outbound) {
	if id == m.ident.ID {
		go func() {
			in, err := req.message()
			if err != nil {
				m.logger.Warn("notify dropped", zap.String("opcode", opcode), zap.Error(err))
				return
			}
			m.invoke(m.ctx, id, opcode, Message{}, in)
		}()
		return
	}
	go func() {
		p, err := m.conns.get(m.ctx, id)
		if err != nil {
			m.logger.Warn("notify dropped", zap.Stringer("peer", id), zap.String("opcode", opcode), zap.Error(err))
			return
		}
		if err := p.write(req.frame("")); err != nil {
			p.close("write_error")
		}
	}()
}

// handleFrame is called from a peer's read loop for every decoded frame.
func (m *Mesh) handleFrame(p *peer, f frame) {
	if f.isReply() {
		c := p.resolve(f.ID)
		if c == nil {
			p.logger.Debug("reply without pending slot", zap.String("id", f.ID))
			return
		}
		c.complete(f.ID, f.Body, f.Error)
		return
	}
	go m.serve(p, f)
}

// serve runs the handler for an inbound request and replies on the channel
// it arrived on.
func (m *Mesh) serve(p *peer, f frame) {
	out := Message{}
	errMsg := m.invoke(m.ctx, p.id, f.Opcode, out, f.Body)
	if f.ID == "" {
		return
	}
	if err := p.send(frame{ID: f.ID, Error: errMsg, Body: out}); err != nil {
		p.logger.Warn("reply failed", zap.String("opcode", f.Opcode), zap.Error(err))
		p.close("write_error")
	}
}

// invoke runs the handler for opcode and returns the error text to report,
// or "" on success. Panics are recovered into the error text.
func (m *Mesh) invoke(ctx context.Context, from uuid.UUID, opcode string, out, in Message) (errMsg string) {
	h, ok := m.handlers.Get(opcode)
	if !ok {
		return fmt.Sprintf("no handler registered for opcode %q", opcode)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("handler panic",
				zap.String("opcode", opcode),
				zap.Stringer("from", from),
				zap.Any("panic", r),
				zap.Stack("stack"))
			errMsg = fmt.Sprintf("handler panic: %v", r)
		}
		telemetry.HandlerDuration.WithLabelValues(opcode).Observe(time.Since(start).Seconds())
	}()

	if err := h(handlerContext(ctx, m, from), from, out, in); err != nil {
		return err.Error()
	}
	return ""
}
