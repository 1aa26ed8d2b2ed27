// Package registry publishes this instance's descriptor to a shared key/value
// store and periodically scans the store to build the membership snapshot
// the mesh resolves targets against.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/identity"
)

var (
	ErrMalformedEntry = errors.New("registry: malformed entry")
	ErrNoAddresses    = errors.New("registry: no addresses to publish")
	ErrInvalidTTL     = errors.New("registry: ttl must exceed publish interval")
)

// Config controls publish/scan cadence. Defaults: publish every 3s, scan
// every 3s, TTL 10s.
type Config struct {
	PublishInterval time.Duration
	ScanInterval    time.Duration
	TTL             time.Duration
	// Advertise overrides interface discovery when non-empty.
	Advertise []string
}

func (c *Config) applyDefaults() {
	if c.PublishInterval <= 0 {
		c.PublishInterval = 3 * time.Second
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 3 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 10 * time.Second
	}
}

// ChangeFunc observes membership changes after a snapshot swap.
type ChangeFunc func(joined, left []uuid.UUID)

type Registry struct {
	store  Store
	self   *identity.Identity
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock

	port atomic.Int64
	snap atomic.Pointer[Snapshot]
	gen  atomic.Uint64

	// serialises scans so generations and diffs are applied in order
	scanMu sync.Mutex

	mu        sync.Mutex
	listeners []ChangeFunc
}

func New(store Store, self *identity.Identity, cfg Config, logger *zap.Logger, clk clock.Clock) (*Registry, error) {
	cfg.applyDefaults()
	if cfg.TTL <= cfg.PublishInterval {
		return nil, fmt.Errorf("%w: ttl %s, publish interval %s", ErrInvalidTTL, cfg.TTL, cfg.PublishInterval)
	}
	if clk == nil {
		clk = clock.New()
	}
	r := &Registry{
		store:  store,
		self:   self,
		cfg:    cfg,
		logger: logger.Named("registry"),
		clock:  clk,
	}
	r.snap.Store(emptySnapshot)
	return r, nil
}

// SetPort records the bound listen port used for discovered addresses.
func (r *Registry) SetPort(port int) {
	r.port.Store(int64(port))
}

// Snapshot returns the current membership view. It is never nil.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

func (r *Registry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Descriptor builds the descriptor this instance publishes right now.
func (r *Registry) Descriptor() (Descriptor, error) {
	port := int(r.port.Load())
	var addrs []string
	if len(r.cfg.Advertise) > 0 {
		for _, a := range r.cfg.Advertise {
			addrs = append(addrs, NormalizeHostPort(a, strconv.Itoa(port)))
		}
	} else {
		found, err := LocalAddresses(port)
		if err != nil {
			return Descriptor{}, fmt.Errorf("registry: discover addresses: %w", err)
		}
		addrs = found
	}
	if len(addrs) == 0 {
		return Descriptor{}, ErrNoAddresses
	}

	data := make(map[string]string, len(r.self.Data))
	for k, v := range r.self.Data {
		data[k] = v
	}
	return Descriptor{
		ID:        r.self.ID,
		Type:      r.self.Type,
		Index:     r.self.Index,
		App:       r.self.App,
		ZoneID:    r.self.ZoneID,
		ZoneStart: r.self.ZoneStart.Unix(),
		Hostname:  r.self.Hostname,
		Addresses: addrs,
		Data:      data,
	}, nil
}

// Publish writes the current descriptor with the configured TTL.
func (r *Registry) Publish(ctx context.Context) error {
	d, err := r.Descriptor()
	if err != nil {
		return err
	}
	b, err := d.Marshal()
	if err != nil {
		return fmt.Errorf("registry: encode descriptor: %w", err)
	}
	if err := r.store.Set(ctx, Key(r.self.App, r.self.ID), b, r.cfg.TTL); err != nil {
		return fmt.Errorf("registry: publish: %w", err)
	}
	return nil
}

// Scan reads every descriptor in this namespace and swaps in a new snapshot.
// Malformed or foreign entries are skipped. On store failure the previous
// snapshot stays in place.
func (r *Registry) Scan(ctx context.Context) error {
	entries, err := r.store.Scan(ctx, Prefix(r.self.App))
	if err != nil {
		return fmt.Errorf("registry: scan: %w", err)
	}

	descs := make([]Descriptor, 0, len(entries))
	for key, value := range entries {
		d, err := ParseEntry(key, value)
		if err != nil {
			r.logger.Warn("skipping registry entry", zap.String("key", key), zap.Error(err))
			continue
		}
		if d.App != r.self.App {
			r.logger.Warn("skipping foreign registry entry",
				zap.String("key", key), zap.String("app", d.App))
			continue
		}
		descs = append(descs, d)
	}

	r.scanMu.Lock()
	next := NewSnapshot(r.gen.Add(1), descs)
	prev := r.snap.Swap(next)
	r.scanMu.Unlock()

	telemetry.Members.Set(float64(next.Len()))

	joined, left := next.Diff(prev)
	for _, id := range joined {
		d, _ := next.Lookup(id)
		r.logger.Info("service joined",
			zap.Stringer("id", id),
			zap.String("type", d.Type),
			zap.Int("index", d.Index),
			zap.Strings("addresses", d.Addresses))
	}
	for _, id := range left {
		d, _ := prev.Lookup(id)
		r.logger.Info("service left", zap.Stringer("id", id), zap.String("type", d.Type))
	}
	if len(joined) > 0 || len(left) > 0 {
		r.notify(joined, left)
	}
	return nil
}

func (r *Registry) notify(joined, left []uuid.UUID) {
	r.mu.Lock()
	ls := append([]ChangeFunc(nil), r.listeners...)
	r.mu.Unlock()
	for _, fn := range ls {
		fn(joined, left)
	}
}

// Run publishes and scans immediately, then on their tickers until ctx ends.
// A failed cycle is logged and retried on the next tick.
func (r *Registry) Run(ctx context.Context) error {
	r.cycle(ctx, "publish", r.Publish)
	r.cycle(ctx, "scan", r.Scan)

	pub := r.clock.Ticker(r.cfg.PublishInterval)
	defer pub.Stop()
	scan := r.clock.Ticker(r.cfg.ScanInterval)
	defer scan.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pub.C:
			r.cycle(ctx, "publish", r.Publish)
		case <-scan.C:
			r.cycle(ctx, "scan", r.Scan)
		}
	}
}

func (r *Registry) cycle(ctx context.Context, op string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("registry cycle failed", zap.String("op", op), zap.Error(err))
		}
		telemetry.RegistryCycles.WithLabelValues(op, "error").Inc()
		return
	}
	telemetry.RegistryCycles.WithLabelValues(op, "ok").Inc()
}
