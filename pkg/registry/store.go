package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Store is the slice of a key/value registry the mesh needs: a SET with a
// time-to-live, and a prefix scan returning key -> value.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
}

func NewEtcdClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

type etcdLease struct {
	id  clientv3.LeaseID
	ttl int64
}

// EtcdStore maps SET-with-TTL onto one etcd lease per key: each Set refreshes
// the key's lease and rewrites the value under it. If the process stops
// publishing, the lease lapses and etcd deletes the key.
type EtcdStore struct {
	cli    *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]etcdLease
}

func NewEtcdStore(cli *clientv3.Client, logger *zap.Logger) *EtcdStore {
	return &EtcdStore{
		cli:    cli,
		logger: logger.Named("etcd"),
		leases: make(map[string]etcdLease),
	}
}

func (s *EtcdStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lease, err := s.refreshLease(ctx, key, secs)
	if err != nil {
		return err
	}
	_, err = s.cli.Put(ctx, key, string(value), clientv3.WithLease(lease))
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		// lease expired between keepalive and put
		delete(s.leases, key)
		if lease, err = s.grant(ctx, key, secs); err != nil {
			return err
		}
		_, err = s.cli.Put(ctx, key, string(value), clientv3.WithLease(lease))
	}
	if err != nil {
		return fmt.Errorf("etcd put %s: %w", key, err)
	}
	return nil
}

func (s *EtcdStore) refreshLease(ctx context.Context, key string, secs int64) (clientv3.LeaseID, error) {
	if l, ok := s.leases[key]; ok && l.ttl == secs {
		_, err := s.cli.KeepAliveOnce(ctx, l.id)
		if err == nil {
			return l.id, nil
		}
		if !errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return 0, fmt.Errorf("etcd keepalive %s: %w", key, err)
		}
		s.logger.Debug("lease expired, granting a new one", zap.String("key", key))
		delete(s.leases, key)
	}
	return s.grant(ctx, key, secs)
}

func (s *EtcdStore) grant(ctx context.Context, key string, secs int64) (clientv3.LeaseID, error) {
	resp, err := s.cli.Grant(ctx, secs)
	if err != nil {
		return 0, fmt.Errorf("etcd grant %s: %w", key, err)
	}
	s.leases[key] = etcdLease{id: resp.ID, ttl: secs}
	return resp.ID, nil
}

func (s *EtcdStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	resp, err := s.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd scan %s: %w", prefix, err)
	}
	out := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out, nil
}

// Close revokes nothing: published keys are left to expire with their leases.
func (s *EtcdStore) Close() error {
	return s.cli.Close()
}
