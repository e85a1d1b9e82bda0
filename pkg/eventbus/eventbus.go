// Package eventbus fires named events at the nodes of an environment and
// collects their results through the environment's etcd key space.
//
// Key layout below the configured prefix:
//
//	nodes/<node>                  node catalog, written by the nodes
//	events/<id>                   event record, written by Fire
//	events/<id>/results/<node>    node result, written by the nodes
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloudconductor/conductor/pkg/engine"
	"github.com/cloudconductor/conductor/pkg/telemetry"
)

// Config configures the event bus.
type Config struct {
	// Prefix is the root of the event bus key space.
	Prefix string

	// PollInterval is the wait between two result scans.
	PollInterval time.Duration

	// WaitTimeout bounds Wait when the caller does not set a timeout.
	WaitTimeout time.Duration

	// LogLines is the number of log lines per failed node kept in errors.
	LogLines int
}

// DefaultConfig returns the event bus defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:       "/cloudconductor",
		PollInterval: 5 * time.Second,
		WaitTimeout:  30 * time.Minute,
		LogLines:     20,
	}
}

// Event is a fired event.
type Event struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name"`
	Payload map[string]interface{} `json:"payload"`
	Targets []string               `json:"targets"`
	FiredAt time.Time              `json:"fired_at"`
}

// Result is the outcome of an event on one node.
type Result struct {
	Node       string    `json:"node"`
	ReturnCode int       `json:"return_code"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Log        string    `json:"log,omitempty"`
}

// Succeeded reports whether the node handled the event.
func (r Result) Succeeded() bool {
	return r.ReturnCode == 0
}

// Client fires events over one environment's key space.
type Client struct {
	store  Store
	cfg    Config
	logger *telemetry.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client over store. Zero config fields take defaults.
func NewClient(store Store, cfg Config, logger *telemetry.Logger) *Client {
	defaults := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = defaults.Prefix
	}
	if cfg.PollInterval < 0 {
		cfg.PollInterval = 0
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaults.WaitTimeout
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = defaults.LogLines
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Client{
		store:  store,
		cfg:    cfg,
		logger: logger.NewComponentLogger("eventbus"),
		now:    time.Now,
		sleep:  sleep,
	}
}

// Nodes returns the names in the node catalog, sorted.
func (c *Client) Nodes(ctx context.Context) ([]string, error) {
	prefix := c.key("nodes") + "/"
	entries, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	nodes := make([]string, 0, len(entries))
	for key := range entries {
		name := strings.TrimPrefix(key, prefix)
		if name != "" && !strings.Contains(name, "/") {
			nodes = append(nodes, name)
		}
	}
	sort.Strings(nodes)
	return nodes, nil
}

// Fire records an event for nodes, or for every catalogued node when nodes
// is empty. Requested nodes missing from the catalog are dropped.
func (c *Client) Fire(ctx context.Context, name string, payload map[string]interface{}, nodes []string) (*Event, error) {
	catalog, err := c.Nodes(ctx)
	if err != nil {
		return nil, err
	}

	targets := catalog
	if len(nodes) > 0 {
		targets = nil
		for _, n := range nodes {
			if contains(catalog, n) && !contains(targets, n) {
				targets = append(targets, n)
			}
		}
		sort.Strings(targets)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	ev := &Event{
		ID:      uuid.New().String(),
		Name:    name,
		Payload: payload,
		Targets: targets,
		FiredAt: c.now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", name, err)
	}
	if err := c.store.Put(ctx, c.key("events", ev.ID), string(data)); err != nil {
		return nil, err
	}

	c.logger.WithFields(map[string]interface{}{
		"event":    name,
		"event_id": ev.ID,
		"targets":  targets,
	}).Debug("event fired")
	return ev, nil
}

// Results returns the results reported so far, sorted by node.
func (c *Client) Results(ctx context.Context, ev *Event) ([]Result, error) {
	prefix := c.key("events", ev.ID, "results") + "/"
	entries, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(entries))
	for key, value := range entries {
		var r Result
		if err := json.Unmarshal([]byte(value), &r); err != nil {
			return nil, fmt.Errorf("failed to decode result %s: %w", key, err)
		}
		if r.Node == "" {
			r.Node = strings.TrimPrefix(key, prefix)
		}
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Node < results[j].Node })
	return results, nil
}

// Wait polls the results of ev until every target reported or timeout
// elapses. A zero timeout uses the configured default.
func (c *Client) Wait(ctx context.Context, ev *Event, timeout time.Duration) ([]Result, error) {
	if timeout <= 0 {
		timeout = c.cfg.WaitTimeout
	}
	deadline := c.now().Add(timeout)

	for {
		results, err := c.Results(ctx, ev)
		if err != nil {
			return nil, err
		}
		if pending := missing(ev.Targets, results); len(pending) == 0 {
			return results, nil
		} else if !c.now().Before(deadline) {
			return results, engine.NewTransientError(
				fmt.Sprintf("%s event timed out waiting for %s", ev.Name, strings.Join(pending, ", ")), nil).
				WithCode(engine.ErrCodeTimeout).
				WithDetail("pending", pending)
		}
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

// SyncFire fires an event, waits for every target and fails when any node
// returned a non-zero code.
func (c *Client) SyncFire(ctx context.Context, name string, payload map[string]interface{}, opts engine.FireOptions) error {
	ev, err := c.Fire(ctx, name, payload, opts.Nodes)
	if err != nil {
		return err
	}
	results, err := c.Wait(ctx, ev, opts.Timeout)
	if err != nil {
		return engine.NewTransientError(fmt.Sprintf("%s event did not finish", name), err).
			WithCode(engine.ErrCodeEventFailed).
			WithOperation(name)
	}
	return c.check(ev, results)
}

func (c *Client) check(ev *Event, results []Result) error {
	var failed []string
	excerpts := make(map[string]string)
	for _, r := range results {
		if r.Succeeded() {
			continue
		}
		failed = append(failed, fmt.Sprintf("%s (return code %d)", r.Node, r.ReturnCode))
		excerpts[r.Node] = tail(r.Log, c.cfg.LogLines)
	}
	if len(failed) == 0 {
		return nil
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "%s event failed on %s", ev.Name, strings.Join(failed, ", "))
	for _, r := range results {
		if excerpt, ok := excerpts[r.Node]; ok && excerpt != "" {
			fmt.Fprintf(&msg, "\n--- %s ---\n%s", r.Node, excerpt)
		}
	}
	return engine.NewPermanentError(msg.String(), nil).
		WithCode(engine.ErrCodeEventFailed).
		WithOperation(ev.Name).
		WithDetail("event_id", ev.ID).
		WithDetail("logs", excerpts)
}

func (c *Client) key(parts ...string) string {
	return strings.TrimRight(c.cfg.Prefix, "/") + "/" + strings.Join(parts, "/")
}

func missing(targets []string, results []Result) []string {
	reported := make(map[string]bool, len(results))
	for _, r := range results {
		reported[r.Node] = true
	}
	var out []string
	for _, t := range targets {
		if !reported[t] {
			out = append(out, t)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
