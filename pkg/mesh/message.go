package mesh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// Message is the body of a request or reply: a JSON object minus the
// reserved "@" keys, which the frame codec owns.
type Message map[string]any

// NewMessage converts any JSON-marshalable value into a Message.
func NewMessage(v any) (Message, error) {
	m := Message{}
	if err := m.Encode(v); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode merges the JSON object form of v into m.
func (m Message) Encode(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := unmarshalNumbers(b, &fields); err != nil {
		return fmt.Errorf("mesh: message must encode as a JSON object: %w", err)
	}
	for k, val := range fields {
		if isReserved(k) {
			continue
		}
		m[k] = val
	}
	return nil
}

// Decode unmarshals the message into v.
func (m Message) Decode(v any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Clone is a shallow copy; nested values are shared.
func (m Message) Clone() Message {
	if m == nil {
		return Message{}
	}
	return maps.Clone(m)
}

// numbers stay json.Number so large integer ids survive a round trip
func unmarshalNumbers(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}
