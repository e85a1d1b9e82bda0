package eventbus

import (
	"context"

	"github.com/cloudconductor/conductor/pkg/engine"
	"github.com/cloudconductor/conductor/pkg/telemetry"
)

// StoreFunc returns the key space of the environment at host.
type StoreFunc func(ctx context.Context, host string) (Store, error)

// Bus fires events at any environment, addressed by its frontend host.
type Bus struct {
	stores StoreFunc
	cfg    Config
	logger *telemetry.Logger
}

// NewBus creates a bus resolving hosts through stores.
func NewBus(stores StoreFunc, cfg Config, logger *telemetry.Logger) *Bus {
	return &Bus{stores: stores, cfg: cfg, logger: logger}
}

// NewEtcdBus creates a bus talking to the etcd endpoint of every host
// through dialer.
func NewEtcdBus(dialer *Dialer, cfg Config, logger *telemetry.Logger) *Bus {
	return NewBus(func(_ context.Context, host string) (Store, error) {
		c, err := dialer.Client(host)
		if err != nil {
			return nil, engine.NewTransientError("failed to reach the event bus", err).
				WithCode(engine.ErrCodeEventFailed).WithResource(host)
		}
		return NewEtcdStore(c), nil
	}, cfg, logger)
}

// Client returns an event client for the environment at host.
func (b *Bus) Client(ctx context.Context, host string) (*Client, error) {
	store, err := b.stores(ctx, host)
	if err != nil {
		return nil, err
	}
	return NewClient(store, b.cfg, b.logger), nil
}

// SyncFire implements engine.EventBus.
func (b *Bus) SyncFire(ctx context.Context, host, name string, payload map[string]interface{}, opts engine.FireOptions) error {
	if host == "" {
		return engine.NewPermanentError("environment has no frontend address", nil).
			WithCode(engine.ErrCodeEventFailed).WithOperation(name)
	}
	c, err := b.Client(ctx, host)
	if err != nil {
		return err
	}
	return c.SyncFire(ctx, name, payload, opts)
}

var _ engine.EventBus = (*Bus)(nil)
