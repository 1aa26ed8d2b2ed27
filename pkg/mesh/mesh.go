// Package mesh connects every service of an application into a full mesh of
// authenticated websocket channels and routes JSON requests between them by
// id, by type, or to everyone.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/identity"
	"github.com/ryandielhenn/zephyrmesh/pkg/registry"
)

const (
	DefaultListenAddr       = ":0"
	DefaultDialTimeout      = 5 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second

	shutdownTimeout = 5 * time.Second
)

type options struct {
	listenAddr       string
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	metrics          bool
	clock            clock.Clock
}

type Option func(*options)

// WithListenAddr sets the address the mesh listener binds, e.g. ":7000".
func WithListenAddr(addr string) Option { return func(o *options) { o.listenAddr = addr } }

func WithDialTimeout(d time.Duration) Option { return func(o *options) { o.dialTimeout = d } }

// WithHandshakeTimeout bounds the websocket handshake and how long a dialer
// that lost a simultaneous connect waits for the peer's own channel.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithMetrics mounts the Prometheus handler at /metrics on the mesh listener.
func WithMetrics() Option { return func(o *options) { o.metrics = true } }

// WithClock sets the clock used to sign and verify handshakes.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

const (
	stateNew int32 = iota
	stateRunning
	stateClosed
)

type Mesh struct {
	ident    *identity.Identity
	reg      *registry.Registry
	logger   *zap.Logger
	opts     options
	auth     *identity.Authenticator
	handlers *HandlerRegistry
	conns    *connManager
	mux      *http.ServeMux

	state atomic.Int32

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	ln     net.Listener
	srv    *http.Server
	eg     *errgroup.Group
}

func New(ident *identity.Identity, reg *registry.Registry, logger *zap.Logger, opts ...Option) *Mesh {
	o := options{
		listenAddr:       DefaultListenAddr,
		dialTimeout:      DefaultDialTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}

	m := &Mesh{
		ident:    ident,
		reg:      reg,
		logger:   logger.Named("mesh"),
		opts:     o,
		auth:     identity.NewAuthenticator(ident.Secret, o.clock),
		handlers: NewHandlerRegistry(),
		mux:      http.NewServeMux(),
	}
	m.conns = &connManager{
		self:             ident.ID,
		hostname:         ident.Hostname,
		auth:             m.auth,
		snapshot:         reg.Snapshot,
		dialer:           &websocket.Dialer{HandshakeTimeout: o.handshakeTimeout},
		dialTimeout:      o.dialTimeout,
		handshakeTimeout: o.handshakeTimeout,
		logger:           m.logger.Named("conn"),
		onFrame:          m.handleFrame,
		entries:          make(map[uuid.UUID]*entry),
	}

	m.mux.HandleFunc(handshakePattern, m.serveHandshake)
	if o.metrics {
		m.mux.Handle("/metrics", telemetry.MetricsHandler())
	}
	reg.OnChange(func(_, left []uuid.UUID) {
		if len(left) > 0 {
			m.conns.evict(left)
		}
	})
	return m
}

// Start binds the listener, publishes this service and takes a first
// membership scan, then keeps the registry loop and HTTP server running in
// the background until Close.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state.Load() {
	case stateRunning:
		return nil
	case stateClosed:
		return ErrClosed
	}

	ln, err := net.Listen("tcp", m.opts.listenAddr)
	if err != nil {
		return fmt.Errorf("mesh: listen %s: %w", m.opts.listenAddr, err)
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		m.reg.SetPort(tcp.Port)
	}
	if err := m.reg.Publish(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	if err := m.reg.Scan(ctx); err != nil {
		m.logger.Warn("initial scan failed", zap.Error(err))
	}

	// outlives the start context
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.conns.ctx = m.ctx
	m.ln = ln
	m.srv = &http.Server{Handler: m.mux, ReadHeaderTimeout: 10 * time.Second}

	eg, egctx := errgroup.WithContext(m.ctx)
	eg.Go(func() error { return m.reg.Run(egctx) })
	eg.Go(func() error {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mesh: serve: %w", err)
		}
		return nil
	})
	m.eg = eg
	m.state.Store(stateRunning)

	m.logger.Info("mesh started",
		zap.Stringer("id", m.ident.ID),
		zap.String("type", m.ident.Type),
		zap.Int("index", m.ident.Index),
		zap.String("addr", ln.Addr().String()))
	return nil
}

// Close closes every channel, failing their pending slots, then stops the
// listener and waits for background loops to exit. m.mu is not held while
// waiting.
func (m *Mesh) Close() error {
	m.mu.Lock()
	prev := m.state.Swap(stateClosed)
	srv, eg, cancel := m.srv, m.eg, m.cancel
	m.mu.Unlock()
	if prev != stateRunning {
		return nil
	}

	m.conns.closeAll()
	cancel()

	var errs error
	ctx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	errs = multierr.Append(errs, srv.Shutdown(ctx))
	errs = multierr.Append(errs, eg.Wait())
	m.logger.Info("mesh stopped", zap.Error(errs))
	return errs
}

// Addr returns the bound listen address, or "" before Start.
func (m *Mesh) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return ""
	}
	return m.ln.Addr().String()
}

// Handle mounts an extra HTTP route on the mesh listener.
func (m *Mesh) Handle(pattern string, h http.Handler) { m.mux.Handle(pattern, h) }

func (m *Mesh) Handlers() *HandlerRegistry   { return m.handlers }
func (m *Mesh) Self() *identity.Identity     { return m.ident }
func (m *Mesh) Snapshot() *registry.Snapshot { return m.reg.Snapshot() }
func (m *Mesh) Peers() []uuid.UUID           { return m.conns.peers() }

func (m *Mesh) check(opcode string, req Message) error {
	if req == nil {
		return ErrNilRequest
	}
	if opcode == "" {
		return ErrEmptyOpcode
	}
	switch m.state.Load() {
	case stateNew:
		return ErrNotStarted
	case stateClosed:
		return ErrClosed
	}
	return nil
}

// Launch resolves target against the current membership and sends req to
// every recipient without blocking. ctx bounds connection setup only; the
// returned Call carries no timeout of its own.
func (m *Mesh) Launch(ctx context.Context, target Target, opcode string, req Message) (*Call, error) {
	if err := m.check(opcode, req); err != nil {
		return nil, err
	}
	ob, err := newOutbound(opcode, req)
	if err != nil {
		return nil, err
	}
	ids := Resolve(target, m.reg.Snapshot(), m.ident.ID)
	c := newCall(target, opcode, ids)
	telemetry.CallsTotal.WithLabelValues(target.Kind.String()).Inc()

	for _, slot := range slices.Clone(c.slots) {
		m.dispatch(ctx, c, slot, opcode, ob)
	}
	return c, nil
}

// Request is Launch followed by Wait.
func (m *Mesh) Request(ctx context.Context, target Target, opcode string, req Message) ([]Response, error) {
	c, err := m.Launch(ctx, target, opcode, req)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx)
}

// Notify sends req to every recipient of target and expects no reply.
func (m *Mesh) Notify(target Target, opcode string, req Message) error {
	if err := m.check(opcode, req); err != nil {
		return err
	}
	ob, err := newOutbound(opcode, req)
	if err != nil {
		return err
	}
	for _, id := range Resolve(target, m.reg.Snapshot(), m.ident.ID) {
		m.notify(id, opcode, ob)
	}
	return nil
}
