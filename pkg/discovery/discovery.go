// Package discovery answers service discovery queries against the etcd
// endpoint running on an environment's frontend host.
package discovery

import (
	"context"
	"time"

	"github.com/cloudconductor/conductor/pkg/engine"
	"github.com/cloudconductor/conductor/pkg/eventbus"
	"github.com/cloudconductor/conductor/pkg/telemetry"
)

// Endpoint is the view of one environment's discovery service.
type Endpoint interface {
	// Ping returns an error unless the service answers.
	Ping(ctx context.Context) error

	// Nodes returns the catalogued node names.
	Nodes(ctx context.Context) ([]string, error)
}

// EndpointFunc returns the endpoint at host.
type EndpointFunc func(ctx context.Context, host string) (Endpoint, error)

// Client implements engine.Discovery.
type Client struct {
	endpoints   EndpointFunc
	pingTimeout time.Duration
	logger      *telemetry.Logger
}

// New creates a discovery client. A zero pingTimeout defaults to 5s.
func New(endpoints EndpointFunc, pingTimeout time.Duration, logger *telemetry.Logger) *Client {
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Client{
		endpoints:   endpoints,
		pingTimeout: pingTimeout,
		logger:      logger.NewComponentLogger("discovery"),
	}
}

// NewEtcd creates a discovery client sharing the event bus dialer.
func NewEtcd(dialer *eventbus.Dialer, cfg eventbus.Config, pingTimeout time.Duration, logger *telemetry.Logger) *Client {
	return New(func(_ context.Context, host string) (Endpoint, error) {
		c, err := dialer.Client(host)
		if err != nil {
			return nil, err
		}
		return &etcdEndpoint{
			ping: func(ctx context.Context) error {
				_, err := c.Status(ctx, dialer.Endpoint(host))
				return err
			},
			events: eventbus.NewClient(eventbus.NewEtcdStore(c), cfg, logger),
		}, nil
	}, pingTimeout, logger)
}

// IsRunning reports whether the discovery service at host answers. A host
// that cannot be reached is not running; that is not an error.
func (c *Client) IsRunning(ctx context.Context, host string) (bool, error) {
	if host == "" {
		return false, nil
	}
	ep, err := c.endpoints(ctx, host)
	if err != nil {
		c.logger.WithError(err).WithField("host", host).Debug("discovery endpoint unreachable")
		return false, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()
	if err := ep.Ping(pingCtx); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		c.logger.WithError(err).WithField("host", host).Debug("discovery service not answering")
		return false, nil
	}
	return true, nil
}

// ListNodes returns the nodes registered at host.
func (c *Client) ListNodes(ctx context.Context, host string) ([]string, error) {
	ep, err := c.endpoints(ctx, host)
	if err != nil {
		return nil, engine.NewTransientError("failed to reach service discovery", err).
			WithCode(engine.ErrCodeDependencyFailed).WithResource(host)
	}
	nodes, err := ep.Nodes(ctx)
	if err != nil {
		return nil, engine.NewTransientError("failed to list nodes", err).
			WithCode(engine.ErrCodeDependencyFailed).WithResource(host)
	}
	return nodes, nil
}

type etcdEndpoint struct {
	ping   func(ctx context.Context) error
	events *eventbus.Client
}

func (e *etcdEndpoint) Ping(ctx context.Context) error {
	return e.ping(ctx)
}

func (e *etcdEndpoint) Nodes(ctx context.Context) ([]string, error) {
	return e.events.Nodes(ctx)
}

var _ engine.Discovery = (*Client)(nil)
