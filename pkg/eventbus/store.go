package eventbus

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Store is the key space the event bus reads and writes.
type Store interface {
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	List(ctx context.Context, prefix string) (map[string]string, error)
}

// EtcdStore implements Store over an etcd client.
type EtcdStore struct {
	kv clientv3.KV
}

// NewEtcdStore wraps an etcd KV.
func NewEtcdStore(kv clientv3.KV) *EtcdStore {
	return &EtcdStore{kv: kv}
}

// Put implements Store.
func (s *EtcdStore) Put(ctx context.Context, key, value string) error {
	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// Get implements Store.
func (s *EtcdStore) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// List implements Store.
func (s *EtcdStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := s.kv.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key)] = string(kv.Value)
	}
	return out, nil
}

// Dialer hands out one etcd client per environment host.
type Dialer struct {
	port        int
	dialTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*clientv3.Client
}

// NewDialer creates a dialer connecting to port on every host.
func NewDialer(port int, dialTimeout time.Duration) *Dialer {
	return &Dialer{
		port:        port,
		dialTimeout: dialTimeout,
		clients:     make(map[string]*clientv3.Client),
	}
}

// Endpoint returns the etcd endpoint of host.
func (d *Dialer) Endpoint(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(d.port))
}

// Client returns the client of host, dialling it on first use.
func (d *Dialer) Client(host string) (*clientv3.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[host]; ok {
		return c, nil
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{d.Endpoint(host)},
		DialTimeout: d.dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", d.Endpoint(host), err)
	}
	d.clients[host] = c
	return c, nil
}

// Forget closes and drops the client of host.
func (d *Dialer) Forget(host string) error {
	d.mu.Lock()
	c, ok := d.clients[host]
	delete(d.clients, host)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// Close closes every client.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for host, c := range d.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close client of %s: %w", host, err)
		}
		delete(d.clients, host)
	}
	return firstErr
}
