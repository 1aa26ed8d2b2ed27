package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrmesh/pkg/identity"
	"github.com/ryandielhenn/zephyrmesh/pkg/logger"
	"github.com/ryandielhenn/zephyrmesh/pkg/mesh"
	"github.com/ryandielhenn/zephyrmesh/pkg/node"
	"github.com/ryandielhenn/zephyrmesh/pkg/registry"
)

func main() {
	endpoints := flag.String("etcd", "http://localhost:2379", "comma separated etcd endpoints")
	app := flag.String("app", "game", "application namespace")
	secret := flag.String("secret", os.Getenv("MESH_SERVICE_SECRET"), "shared mesh secret")
	kind := flag.String("target", "randomcast", "target kind: unicast|multicast|randomcast|hashcast|broadcast")
	typ := flag.String("type", "logic", "service type to target")
	op := flag.String("op", node.OpPing, "opcode")
	n := flag.Int("n", 5000, "requests")
	conc := flag.Int("c", 32, "concurrency")
	valSize := flag.Int("val", 128, "payload size bytes")
	flag.Parse()

	if err := run(*endpoints, *app, *secret, *kind, *typ, *op, *n, *conc, *valSize); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(endpoints, app, secret, kind, typ, op string, n, conc, valSize int) error {
	if n <= 0 || conc <= 0 {
		return fmt.Errorf("-n and -c must be positive")
	}
	log, err := logger.New("warn")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cli, err := registry.NewEtcdClient(strings.Split(endpoints, ","), 5*time.Second)
	if err != nil {
		return err
	}
	store := registry.NewEtcdStore(cli, log)
	defer store.Close()

	self, err := identity.New(identity.Config{Type: "bench", App: app, Secret: secret})
	if err != nil {
		return err
	}
	reg, err := registry.New(store, self, registry.Config{}, log, nil)
	if err != nil {
		return err
	}
	m := mesh.New(self, reg, log)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Close()

	ids := m.Snapshot().OfType(typ)
	if len(ids) == 0 && kind != "broadcast" {
		return fmt.Errorf("no %q services registered under %q", typ, app)
	}

	payload := strings.Repeat("x", valSize)
	var failed atomic.Int64
	latencies := make([]time.Duration, n)

	g := new(errgroup.Group)
	g.SetLimit(conc)
	start := time.Now()
	for i := range n {
		g.Go(func() error {
			var target mesh.Target
			switch kind {
			case "unicast":
				target = mesh.Unicast(ids[i%len(ids)])
			case "multicast":
				target = mesh.Multicast(typ)
			case "hashcast":
				target = mesh.Hashcast(typ, fmt.Sprintf("k%d", i))
			case "broadcast":
				target = mesh.Broadcast()
			default:
				target = mesh.Randomcast(typ)
			}
			rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			t0 := time.Now()
			resp, err := m.Request(rctx, target, op, mesh.Message{"payload": payload})
			latencies[i] = time.Since(t0)
			if err != nil {
				failed.Add(1)
				return nil
			}
			for _, r := range resp {
				if r.Error != "" {
					failed.Add(1)
					log.Debug("slot failed", zap.Stringer("target", r.Target), zap.String("error", r.Error))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	dur := time.Since(start)

	slices.Sort(latencies)
	fmt.Printf("Completed %d requests in %s (%.2f req/s), %d failed\n", n, dur, float64(n)/dur.Seconds(), failed.Load())
	fmt.Printf("p50=%s p99=%s max=%s\n", latencies[n/2], latencies[n*99/100], latencies[n-1])
	return nil
}
