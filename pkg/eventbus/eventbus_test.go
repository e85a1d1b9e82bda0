package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudconductor/conductor/pkg/engine"
)

// fakeStore is an in-memory key space. onPut lets tests play the nodes.
type fakeStore struct {
	mu    sync.Mutex
	data  map[string]string
	onPut func(s *fakeStore, key, value string)
}

func newFakeStore(nodes ...string) *fakeStore {
	s := &fakeStore{data: make(map[string]string)}
	for _, n := range nodes {
		s.data["/cloudconductor/nodes/"+n] = `{"roles":["web"]}`
	}
	return s
}

func (s *fakeStore) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.data[key] = value
	hook := s.onPut
	s.mu.Unlock()
	if hook != nil {
		hook(s, key, value)
	}
	return nil
}

func (s *fakeStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *fakeStore) List(_ context.Context, prefix string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (s *fakeStore) report(eventKey, node string, code int, log string) {
	data, _ := json.Marshal(Result{Node: node, ReturnCode: code, Log: log})
	s.mu.Lock()
	s.data[eventKey+"/results/"+node] = string(data)
	s.mu.Unlock()
}

// respond makes every target answer with the return code in codes, 0 when absent.
func respond(codes map[string]int) func(s *fakeStore, key, value string) {
	return func(s *fakeStore, key, value string) {
		if strings.Contains(key, "/results/") {
			return
		}
		var ev Event
		if err := json.Unmarshal([]byte(value), &ev); err != nil {
			return
		}
		for _, n := range ev.Targets {
			s.report(key, n, codes[n], fmt.Sprintf("line 1\nline 2\n%s done", n))
		}
	}
}

func newTestClient(store Store) *Client {
	c := NewClient(store, Config{PollInterval: time.Second, WaitTimeout: time.Minute, LogLines: 2}, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.sleep = func(ctx context.Context, d time.Duration) error {
		now = now.Add(d)
		return ctx.Err()
	}
	return c
}

func TestClient_FireTargetsCatalog(t *testing.T) {
	store := newFakeStore("web-1", "db-1")
	c := newTestClient(store)

	ev, err := c.Fire(context.Background(), "configure", map[string]interface{}{"a": 1}, nil)
	if err != nil {
		t.Fatalf("failed to fire event: %v", err)
	}
	if strings.Join(ev.Targets, ",") != "db-1,web-1" {
		t.Errorf("expected every catalogued node, got %v", ev.Targets)
	}
	if _, ok, _ := store.Get(context.Background(), "/cloudconductor/events/"+ev.ID); !ok {
		t.Error("expected the event record to be written")
	}

	ev, err = c.Fire(context.Background(), "deploy", nil, []string{"web-1", "unknown", "web-1"})
	if err != nil {
		t.Fatalf("failed to fire event: %v", err)
	}
	if strings.Join(ev.Targets, ",") != "web-1" {
		t.Errorf("expected filtered targets, got %v", ev.Targets)
	}
}

func TestClient_SyncFireSucceeds(t *testing.T) {
	store := newFakeStore("web-1", "db-1")
	store.onPut = respond(nil)
	c := newTestClient(store)

	if err := c.SyncFire(context.Background(), "configure", nil, engine.FireOptions{}); err != nil {
		t.Fatalf("failed to fire event: %v", err)
	}
}

func TestClient_SyncFireReportsFailedNodes(t *testing.T) {
	store := newFakeStore("web-1", "db-1")
	store.onPut = respond(map[string]int{"db-1": 3})
	c := newTestClient(store)

	err := c.SyncFire(context.Background(), "deploy", nil, engine.FireOptions{})
	if !engine.IsEventError(err) {
		t.Fatalf("expected EVENT_FAILED, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "db-1 (return code 3)") {
		t.Errorf("expected the failed node in %q", msg)
	}
	if !strings.Contains(msg, "line 2\ndb-1 done") || strings.Contains(msg, "line 1") {
		t.Errorf("expected the last two log lines only in %q", msg)
	}
	if strings.Contains(msg, "web-1") {
		t.Errorf("expected succeeded nodes to be left out of %q", msg)
	}
}

func TestClient_WaitTimesOut(t *testing.T) {
	store := newFakeStore("web-1", "db-1")
	store.onPut = func(s *fakeStore, key, value string) {
		if !strings.Contains(key, "/results/") {
			s.report(key, "web-1", 0, "")
		}
	}
	c := newTestClient(store)

	err := c.SyncFire(context.Background(), "restore", nil, engine.FireOptions{Timeout: 10 * time.Second})
	if !engine.IsEventError(err) || !engine.HasCode(err, engine.ErrCodeTimeout) {
		t.Fatalf("expected a timed out EVENT_FAILED, got %v", err)
	}
	if !strings.Contains(err.Error(), "db-1") {
		t.Errorf("expected the pending node in %v", err)
	}
}

func TestClient_NoTargets(t *testing.T) {
	c := newTestClient(newFakeStore())
	if err := c.SyncFire(context.Background(), "spec", nil, engine.FireOptions{}); err != nil {
		t.Errorf("expected an event without nodes to succeed, got %v", err)
	}
}

func TestBus_SyncFire(t *testing.T) {
	store := newFakeStore("web-1")
	store.onPut = respond(nil)
	var hosts []string
	bus := NewBus(func(_ context.Context, host string) (Store, error) {
		hosts = append(hosts, host)
		return store, nil
	}, Config{PollInterval: 0}, nil)

	if err := bus.SyncFire(context.Background(), "10.0.0.1", "configure", nil, engine.FireOptions{}); err != nil {
		t.Fatalf("failed to fire event: %v", err)
	}
	if len(hosts) != 1 || hosts[0] != "10.0.0.1" {
		t.Errorf("expected the frontend host to be dialled, got %v", hosts)
	}

	if err := bus.SyncFire(context.Background(), "", "configure", nil, engine.FireOptions{}); !engine.IsEventError(err) {
		t.Errorf("expected EVENT_FAILED without a frontend address, got %v", err)
	}
}

func TestDialer_Endpoint(t *testing.T) {
	d := NewDialer(2379, time.Second)
	if got := d.Endpoint("10.0.0.1"); got != "10.0.0.1:2379" {
		t.Errorf("unexpected endpoint %s", got)
	}
	if got := d.Endpoint("fe80::1"); got != "[fe80::1]:2379" {
		t.Errorf("unexpected endpoint %s", got)
	}
}
