package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cloudconductor/conductor/pkg/engine"
	"github.com/cloudconductor/conductor/pkg/telemetry"
)

// Provider names.
const (
	CloudFormation = "cloud_formation"
	Heat           = "heat"
	Terraform      = "terraform"
)

// Factory builds an adapter bound to one cloud.
type Factory func(ctx context.Context, cloud *engine.Cloud) (engine.Adapter, error)

// Registry maps provider/cloud type pairs to adapter factories and caches the
// adapters it builds per cloud.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// factories maps provider key (provider/cloudType) to factory.
	factories map[string]Factory

	// adapters maps provider@cloudID to a built adapter.
	adapters map[string]engine.Adapter

	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMetrics records provider call metrics for every adapter.
func WithMetrics(m *telemetry.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer wraps every adapter call in a provider span.
func WithTracer(t *telemetry.Tracer) RegistryOption {
	return func(r *Registry) { r.tracer = t }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		adapters:  make(map[string]engine.Adapter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds the factory of provider for cloudType.
func (r *Registry) Register(provider, cloudType string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := buildProviderKey(provider, cloudType)
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("provider %s already registered", key)
	}
	r.factories[key] = factory
	return nil
}

// Adapter returns the adapter of provider for cloud, building it on first use.
func (r *Registry) Adapter(provider string, cloud *engine.Cloud) (engine.Adapter, error) {
	cacheKey := provider + "@" + cloud.ID

	r.mu.RLock()
	adapter, ok := r.adapters[cacheKey]
	factory, registered := r.factories[buildProviderKey(provider, cloud.Type)]
	r.mu.RUnlock()
	if ok {
		return adapter, nil
	}
	if !registered {
		return nil, engine.NewPermanentError(fmt.Sprintf("provider %s does not support cloud type %s", provider, cloud.Type), nil).
			WithCode(engine.ErrCodeProviderUnsupported).
			WithResource(cloud.Name)
	}

	built, err := factory(context.Background(), cloud)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter for cloud %s: %w", provider, cloud.Name, err)
	}
	built = &instrumentedAdapter{next: built, provider: provider, metrics: r.metrics, tracer: r.tracer}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.adapters[cacheKey]; ok {
		return existing, nil
	}
	r.adapters[cacheKey] = built
	return built, nil
}

// Forget drops the cached adapters of a cloud, e.g. after its credentials
// changed.
func (r *Registry) Forget(cloudID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.adapters {
		if strings.HasSuffix(key, "@"+cloudID) {
			delete(r.adapters, key)
		}
	}
}

// Providers returns the providers registered for cloudType, sorted by name.
func (r *Registry) Providers(cloudType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for key := range r.factories {
		provider, ct, _ := strings.Cut(key, "/")
		if ct == cloudType {
			names = append(names, provider)
		}
	}
	sort.Strings(names)
	return names
}

// buildProviderKey builds the registry key for a provider and cloud type.
func buildProviderKey(provider, cloudType string) string {
	return provider + "/" + cloudType
}
