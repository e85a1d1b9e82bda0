package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeAdapter is an in-memory provider. Stack statuses are scripted per stack
// name: each Status call consumes the head of the script and the last entry
// repeats. Unscripted stacks report CREATE_COMPLETE.
type fakeAdapter struct {
	mu sync.Mutex

	createErr error
	updateErr error
	statuses  map[string][]StackStatus
	outputs   map[string]map[string]string
	events    map[string][]StackEvent

	stacks      map[string]bool
	creates     []string
	updates     []string
	destroys    []string
	params      map[string]map[string]string
	templates   map[string][]byte
	statusCalls int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		statuses:  make(map[string][]StackStatus),
		outputs:   make(map[string]map[string]string),
		events:    make(map[string][]StackEvent),
		stacks:    make(map[string]bool),
		params:    make(map[string]map[string]string),
		templates: make(map[string][]byte),
	}
}

func (a *fakeAdapter) Create(_ context.Context, name string, template []byte, params map[string]string, _ StackOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creates = append(a.creates, name)
	if a.createErr != nil {
		return a.createErr
	}
	a.stacks[name] = true
	a.params[name] = params
	a.templates[name] = template
	return nil
}

func (a *fakeAdapter) Update(_ context.Context, name string, template []byte, params map[string]string, _ StackOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updates = append(a.updates, name)
	if a.updateErr != nil {
		return a.updateErr
	}
	if !a.stacks[name] {
		return notFound(name)
	}
	a.params[name] = params
	a.templates[name] = template
	return nil
}

func (a *fakeAdapter) Destroy(_ context.Context, name string, _ StackOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroys = append(a.destroys, name)
	if !a.stacks[name] {
		return notFound(name)
	}
	delete(a.stacks, name)
	return nil
}

func (a *fakeAdapter) Status(_ context.Context, name string, _ StackOptions) (RemoteStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusCalls++
	if !a.stacks[name] {
		return RemoteStatus{}, notFound(name)
	}
	status := StackStatusCreateComplete
	if script := a.statuses[name]; len(script) > 0 {
		status = script[0]
		if len(script) > 1 {
			a.statuses[name] = script[1:]
		}
	}
	return RemoteStatus{Raw: string(status), Status: status}, nil
}

func (a *fakeAdapter) Outputs(_ context.Context, name string, _ StackOptions) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string)
	for k, v := range a.outputs[name] {
		out[k] = v
	}
	return out, nil
}

func (a *fakeAdapter) Events(_ context.Context, name string, _ StackOptions) ([]StackEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events[name], nil
}

func (a *fakeAdapter) count(list *[]string, name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, item := range *list {
		if item == name {
			n++
		}
	}
	return n
}

func notFound(name string) error {
	return NewPermanentError("stack does not exist", nil).
		WithCode(ErrCodeStackNotFound).
		WithResource(name)
}

// fakeAdapters hands out one fakeAdapter per cloud id.
type fakeAdapters struct {
	mu        sync.Mutex
	adapters  map[string]*fakeAdapter
	providers []string
}

func (f *fakeAdapters) Adapter(provider string, cloud *Cloud) (Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers = append(f.providers, provider)
	a, ok := f.adapters[cloud.ID]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("no adapter for cloud %s", cloud.ID), nil).
			WithCode(ErrCodeProviderUnsupported)
	}
	return a, nil
}

// fakeRepository records what the orchestrator persisted.
type fakeRepository struct {
	mu          sync.Mutex
	stacks      map[string]*Stack
	deleted     []string
	envSaves    int
	deployments []DeploymentStatus
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{stacks: make(map[string]*Stack)}
}

func (r *fakeRepository) LoadEnvironment(_ context.Context, id string) (*Environment, error) {
	return nil, NewPermanentError("not implemented", nil).WithCode(ErrCodeNotFound).WithResource(id)
}

func (r *fakeRepository) SaveEnvironment(_ context.Context, _ *Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envSaves++
	return nil
}

func (r *fakeRepository) CreateStack(_ context.Context, s *Stack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stacks[s.ID]; ok {
		return NewPermanentError("stack exists", nil).WithCode(ErrCodeAlreadyExists)
	}
	r.stacks[s.ID] = s
	return nil
}

func (r *fakeRepository) UpdateStack(_ context.Context, s *Stack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stacks[s.ID]; !ok {
		return NewPermanentError("stack record not found", nil).WithCode(ErrCodeNotFound)
	}
	r.stacks[s.ID] = s
	return nil
}

func (r *fakeRepository) DeleteStack(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stacks, id)
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *fakeRepository) UpdateDeployment(_ context.Context, d *Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployments = append(r.deployments, d.Status)
	return nil
}

type firedEvent struct {
	host    string
	name    string
	payload map[string]interface{}
	opts    FireOptions
}

// fakeEventBus records fired events and fails the ones listed in failOn.
type fakeEventBus struct {
	mu     sync.Mutex
	fired  []firedEvent
	failOn map[string]error
}

func (b *fakeEventBus) SyncFire(_ context.Context, host, name string, payload map[string]interface{}, opts FireOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fired = append(b.fired, firedEvent{host: host, name: name, payload: payload, opts: opts})
	return b.failOn[name]
}

func (b *fakeEventBus) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.fired {
		if e.name == name {
			n++
		}
	}
	return n
}

func (b *fakeEventBus) last(name string) *firedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.fired) - 1; i >= 0; i-- {
		if b.fired[i].name == name {
			return &b.fired[i]
		}
	}
	return nil
}

// fakeDiscovery answers IsRunning with running and ListNodes with the
// scripted node lists, the last one repeating.
type fakeDiscovery struct {
	mu      sync.Mutex
	running bool
	nodes   [][]string
	hosts   []string
}

func (d *fakeDiscovery) IsRunning(_ context.Context, host string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hosts = append(d.hosts, host)
	return d.running, nil
}

func (d *fakeDiscovery) ListNodes(_ context.Context, _ string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.nodes) == 0 {
		return nil, nil
	}
	out := d.nodes[0]
	if len(d.nodes) > 1 {
		d.nodes = d.nodes[1:]
	}
	return out, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	ready []string
}

func (n *fakeNotifier) EnvironmentReady(_ context.Context, env *Environment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ready = append(n.ready, env.ID)
	return nil
}

const testTerraformTemplate = `resource "aws_instance" "web" {}`

func testCloud(id string) *Cloud {
	return &Cloud{
		ID:                id,
		Name:              id,
		Type:              CloudTypeAWS,
		Entrypoint:        "ap-northeast-1",
		Key:               "key",
		Secret:            "secret",
		AvailabilityZones: []string{"ap-northeast-1a", "ap-northeast-1c"},
	}
}

func testPattern(name string, typ PatternType) *PatternSnapshot {
	return &PatternSnapshot{
		ID:       name + "-snapshot",
		Name:     name,
		URL:      "https://example.com/" + name + ".git",
		Revision: "master",
		Type:     typ,
		Providers: map[string][]string{
			CloudTypeAWS: {"cloud_formation", "terraform"},
		},
		Templates: map[string][]byte{
			"terraform": []byte(testTerraformTemplate),
		},
	}
}

// newTestEnvironment returns an environment with a platform and an optional
// pattern and two candidates, cloudA(10) and cloudB(20).
func newTestEnvironment() *Environment {
	return &Environment{
		ID:         "env-1",
		Name:       "production",
		SystemName: "shop",
		Patterns: []*PatternSnapshot{
			testPattern("web", PatternTypeOptional),
			testPattern("base", PatternTypePlatform),
		},
		Candidates: []Candidate{
			{Cloud: testCloud("cloudB"), Priority: 20},
			{Cloud: testCloud("cloudA"), Priority: 10},
		},
		UserAttributes:    map[string]interface{}{"web": map[string]interface{}{"port": 80}},
		ApplicationStatus: ApplicationStatusNotDeployed,
	}
}

type testHarness struct {
	orch      *Orchestrator
	repo      *fakeRepository
	adapters  map[string]*fakeAdapter
	registry  *fakeAdapters
	bus       *fakeEventBus
	discovery *fakeDiscovery
	notifier  *fakeNotifier
}

const platformStackName = "shop-production-base"
const optionalStackName = "shop-production-web"

// newTestHarness wires an orchestrator to fakes for cloudA and cloudB. Both
// clouds converge immediately with a frontend address.
func newTestHarness(t *testing.T, priority ...string) *testHarness {
	t.Helper()
	if len(priority) == 0 {
		priority = []string{"terraform"}
	}

	adapters := map[string]*fakeAdapter{
		"cloudA": newFakeAdapter(),
		"cloudB": newFakeAdapter(),
	}
	for _, a := range adapters {
		a.outputs[platformStackName] = map[string]string{"FrontendAddress": "127.0.0.1", "VpcId": "vpc-1"}
	}

	h := &testHarness{
		repo:      newFakeRepository(),
		adapters:  adapters,
		registry:  &fakeAdapters{adapters: adapters},
		bus:       &fakeEventBus{failOn: make(map[string]error)},
		discovery: &fakeDiscovery{running: true},
		notifier:  &fakeNotifier{},
	}

	orch, err := NewOrchestrator(Dependencies{
		Repository: h.repo,
		Adapters:   h.registry,
		Selector:   NewSelector(priority),
		EventBus:   h.bus,
		Discovery:  h.discovery,
		Notifier:   h.notifier,
	}, Options{
		Timeout:        time.Minute,
		DestroyTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}

	// A fake clock advanced by every sleep keeps the tests instant.
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	orch.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	orch.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(10 * time.Second)
		return ctx.Err()
	}

	h.orch = orch
	return h
}

func stackByName(env *Environment, name string) *Stack {
	for _, s := range env.Stacks {
		if s.Name == name {
			return s
		}
	}
	return nil
}
