package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/config"
	"github.com/ryandielhenn/zephyrmesh/pkg/identity"
	"github.com/ryandielhenn/zephyrmesh/pkg/kv"
	"github.com/ryandielhenn/zephyrmesh/pkg/logger"
	"github.com/ryandielhenn/zephyrmesh/pkg/mesh"
	"github.com/ryandielhenn/zephyrmesh/pkg/node"
	"github.com/ryandielhenn/zephyrmesh/pkg/registry"
)

// set with -ldflags "-X main.version=... -X main.gitSHA=..."
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	path := flag.String("config", os.Getenv("MESH_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.LoadConfig(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newStore,
			newIdentity,
			newRegistry,
			newMesh,
			node.NewNode,
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
		fx.Invoke(run),
	)
	app.Run()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(cfg.Log.Level)
}

// newStore picks the registry backend. The memory backend only sees services
// in this process and suits single-binary deployments and local runs.
func newStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (registry.Store, error) {
	if cfg.Registry.Backend == config.BackendMemory {
		log.Warn("using in-process registry; other processes will not be discovered")
		return kv.NewStore(8 << 20), nil
	}

	log.Info("creating etcd client", zap.Strings("endpoints", cfg.Registry.Endpoints))
	cli, err := registry.NewEtcdClient(cfg.Registry.Endpoints, cfg.Registry.DialTimeout)
	if err != nil {
		return nil, err
	}
	store := registry.NewEtcdStore(cli, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return store.Close() },
	})
	return store, nil
}

func newIdentity(cfg *config.Config) (*identity.Identity, error) {
	return identity.New(identity.Config{
		Type:     cfg.Service.Type,
		Index:    cfg.Service.Index,
		App:      cfg.Service.App,
		ZoneID:   cfg.Service.ZoneID,
		Hostname: cfg.Service.Hostname,
		Data:     cfg.Service.Data,
		Secret:   cfg.Service.Secret,
	})
}

func newRegistry(store registry.Store, self *identity.Identity, cfg *config.Config, log *zap.Logger) (*registry.Registry, error) {
	return registry.New(store, self, registry.Config{
		PublishInterval: cfg.Registry.PublishInterval,
		ScanInterval:    cfg.Registry.ScanInterval,
		TTL:             cfg.Registry.TTL,
		Advertise:       cfg.Service.Advertise,
	}, log, nil)
}

func newMesh(self *identity.Identity, reg *registry.Registry, cfg *config.Config, log *zap.Logger) *mesh.Mesh {
	return mesh.New(self, reg, log,
		mesh.WithListenAddr(cfg.Service.ListenAddr),
		mesh.WithDialTimeout(cfg.Service.DialTimeout),
		mesh.WithHandshakeTimeout(cfg.Service.HandshakeTimeout),
		mesh.WithMetrics(),
	)
}

func run(lc fx.Lifecycle, m *mesh.Mesh, n *node.Node, log *zap.Logger) error {
	telemetry.SetBuildInfo(version, gitSHA)
	if err := n.Register(); err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := m.Start(ctx); err != nil {
				return err
			}
			log.Info("meshd listening", zap.String("addr", m.Addr()), zap.String("version", version))
			return nil
		},
		OnStop: func(context.Context) error {
			return m.Close()
		},
	})
	return nil
}
