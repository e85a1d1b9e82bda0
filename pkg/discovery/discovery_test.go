package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudconductor/conductor/pkg/engine"
)

type fakeEndpoint struct {
	pingErr  error
	nodes    []string
	nodesErr error
}

func (f *fakeEndpoint) Ping(context.Context) error { return f.pingErr }

func (f *fakeEndpoint) Nodes(context.Context) ([]string, error) { return f.nodes, f.nodesErr }

func endpoints(m map[string]*fakeEndpoint) EndpointFunc {
	return func(_ context.Context, host string) (Endpoint, error) {
		ep, ok := m[host]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return ep, nil
	}
}

func TestClient_IsRunning(t *testing.T) {
	c := New(endpoints(map[string]*fakeEndpoint{
		"up":      {},
		"booting": {pingErr: errors.New("context deadline exceeded")},
	}), 0, nil)
	ctx := context.Background()

	tests := map[string]bool{"up": true, "booting": false, "unknown": false, "": false}
	for host, want := range tests {
		got, err := c.IsRunning(ctx, host)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", host, err)
		}
		if got != want {
			t.Errorf("%q: expected %v, got %v", host, want, got)
		}
	}
}

func TestClient_IsRunningHonoursCancellation(t *testing.T) {
	c := New(endpoints(map[string]*fakeEndpoint{
		"booting": {pingErr: context.Canceled},
	}), 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.IsRunning(ctx, "booting"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestClient_ListNodes(t *testing.T) {
	c := New(endpoints(map[string]*fakeEndpoint{
		"up":     {nodes: []string{"db-1", "web-1"}},
		"broken": {nodesErr: errors.New("etcdserver: request timed out")},
	}), 0, nil)
	ctx := context.Background()

	nodes, err := c.ListNodes(ctx, "up")
	if err != nil {
		t.Fatalf("failed to list nodes: %v", err)
	}
	if len(nodes) != 2 || nodes[0] != "db-1" {
		t.Errorf("unexpected nodes %v", nodes)
	}

	for _, host := range []string{"broken", "unknown"} {
		if _, err := c.ListNodes(ctx, host); !engine.IsTransient(err) {
			t.Errorf("%s: expected a transient error, got %v", host, err)
		}
	}
}
