// Package identity holds the immutable description of this mesh instance and
// the shared-secret credential used to authenticate peer channels.
package identity

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoType   = errors.New("identity: service type is required")
	ErrNoApp    = errors.New("identity: application name is required")
	ErrNoSecret = errors.New("identity: shared secret is required")
)

// Identity is created once at startup and never changes.
type Identity struct {
	ID        uuid.UUID
	Type      string
	Index     int
	App       string
	ZoneID    int
	ZoneStart time.Time
	Hostname  string
	Data      map[string]string
	Secret    []byte
}

// Config is the static part of an Identity; the id is always random.
type Config struct {
	Type      string
	Index     int
	App       string
	ZoneID    int
	ZoneStart time.Time
	Hostname  string
	Data      map[string]string
	Secret    string
}

func New(cfg Config) (*Identity, error) {
	if cfg.Type == "" {
		return nil, ErrNoType
	}
	if cfg.App == "" {
		return nil, ErrNoApp
	}
	if cfg.Secret == "" {
		return nil, ErrNoSecret
	}

	host := cfg.Hostname
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("identity: resolve hostname: %w", err)
		}
		host = h
	}
	start := cfg.ZoneStart
	if start.IsZero() {
		start = time.Now()
	}

	data := make(map[string]string, len(cfg.Data))
	for k, v := range cfg.Data {
		data[k] = v
	}

	return &Identity{
		ID:        uuid.New(),
		Type:      cfg.Type,
		Index:     cfg.Index,
		App:       cfg.App,
		ZoneID:    cfg.ZoneID,
		ZoneStart: start.Truncate(time.Second),
		Hostname:  host,
		Data:      data,
		Secret:    []byte(cfg.Secret),
	}, nil
}

func (id *Identity) String() string {
	return fmt.Sprintf("%s/%s#%d(%s)", id.App, id.Type, id.Index, id.ID)
}
