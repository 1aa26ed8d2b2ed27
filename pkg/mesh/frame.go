package mesh

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	keyOpcode = "@opcode"
	keyID     = "@uuid"
	keyError  = "@error"
)

func isReserved(k string) bool {
	return strings.HasPrefix(k, "@")
}

// frame is one wire message. A frame carrying an opcode is a request;
// one carrying only a correlation id is a reply.
type frame struct {
	Opcode string
	ID     string
	Error  string
	Body   Message
}

func (f frame) isReply() bool { return f.Opcode == "" }

func encodeFrame(f frame) ([]byte, error) {
	out := make(map[string]any, len(f.Body)+3)
	for k, v := range f.Body {
		if isReserved(k) {
			continue
		}
		out[k] = v
	}
	if f.Opcode != "" {
		out[keyOpcode] = f.Opcode
	}
	if f.ID != "" {
		out[keyID] = f.ID
	}
	if f.Error != "" {
		out[keyError] = f.Error
	}
	return json.Marshal(out)
}

func decodeFrame(b []byte) (frame, error) {
	var raw map[string]any
	if err := unmarshalNumbers(b, &raw); err != nil {
		return frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if raw == nil {
		return frame{}, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}

	var f frame
	for _, k := range []string{keyOpcode, keyID, keyError} {
		v, ok := raw[k]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return frame{}, fmt.Errorf("%w: %s is not a string", ErrMalformedFrame, k)
		}
		switch k {
		case keyOpcode:
			if s == "" {
				return frame{}, fmt.Errorf("%w: empty %s", ErrMalformedFrame, keyOpcode)
			}
			f.Opcode = s
		case keyID:
			f.ID = s
		case keyError:
			f.Error = s
		}
	}
	if f.Opcode == "" && f.ID == "" {
		return frame{}, fmt.Errorf("%w: neither %s nor %s", ErrMalformedFrame, keyOpcode, keyID)
	}

	f.Body = make(Message, len(raw))
	for k, v := range raw {
		if !isReserved(k) {
			f.Body[k] = v
		}
	}
	return f, nil
}

// outbound is a request body encoded once at launch. Every recipient gets
// the same bytes stamped with its own correlation id; the local recipient
// decodes a private copy.
type outbound struct {
	opcode []byte // quoted
	body   []byte // JSON object without reserved keys
}

func newOutbound(opcode string, req Message) (*outbound, error) {
	fields := make(map[string]any, len(req))
	for k, v := range req {
		if !isReserved(k) {
			fields[k] = v
		}
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("mesh: encode request: %w", err)
	}
	op, err := json.Marshal(opcode)
	if err != nil {
		return nil, err
	}
	return &outbound{opcode: op, body: body}, nil
}

// frame returns the wire bytes for one recipient. An empty id marks a
// notification.
func (o *outbound) frame(id string) []byte {
	out := make([]byte, 0, len(o.opcode)+len(id)+len(o.body)+24)
	out = append(out, `{"`+keyOpcode+`":`...)
	out = append(out, o.opcode...)
	if id != "" {
		out = append(out, `,"`+keyID+`":`...)
		idq, _ := json.Marshal(id)
		out = append(out, idq...)
	}
	if len(o.body) > 2 {
		out = append(out, ',')
		out = append(out, o.body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out
}

// message decodes a private copy of the body.
func (o *outbound) message() (Message, error) {
	m := Message{}
	if err := unmarshalNumbers(o.body, &m); err != nil {
		return nil, err
	}
	return m, nil
}
