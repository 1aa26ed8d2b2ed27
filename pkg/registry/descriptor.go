package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Descriptor is the record a service instance publishes about itself. A new
// publish replaces it wholesale.
type Descriptor struct {
	ID        uuid.UUID         `json:"service_id"`
	Type      string            `json:"service_type"`
	Index     int               `json:"service_index"`
	App       string            `json:"application_name"`
	ZoneID    int               `json:"zone_id"`
	ZoneStart int64             `json:"zone_start_time"`
	Hostname  string            `json:"hostname"`
	Addresses []string          `json:"addresses"`
	Data      map[string]string `json:"service_data,omitempty"`
}

func Key(app string, id uuid.UUID) string {
	return Prefix(app) + id.String()
}

func Prefix(app string) string {
	return app + "/service/"
}

func (d Descriptor) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// ParseEntry decodes a registry value stored under key. The id is taken from
// the key when the value carries none, and must agree with it otherwise.
func ParseEntry(key string, value []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(value, &d); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %w", ErrMalformedEntry, err)
	}

	idx := strings.LastIndexByte(key, '/')
	keyID, err := uuid.Parse(key[idx+1:])
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: key %q: %w", ErrMalformedEntry, key, err)
	}
	switch {
	case d.ID == uuid.Nil:
		d.ID = keyID
	case d.ID != keyID:
		return Descriptor{}, fmt.Errorf("%w: key id %s, value id %s", ErrMalformedEntry, keyID, d.ID)
	}
	if d.Type == "" {
		return Descriptor{}, fmt.Errorf("%w: missing service_type", ErrMalformedEntry)
	}
	return d, nil
}
