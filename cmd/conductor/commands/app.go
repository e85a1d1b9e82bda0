package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudconductor/conductor/pkg/config"
	"github.com/cloudconductor/conductor/pkg/discovery"
	"github.com/cloudconductor/conductor/pkg/engine"
	"github.com/cloudconductor/conductor/pkg/eventbus"
	"github.com/cloudconductor/conductor/pkg/notify"
	"github.com/cloudconductor/conductor/pkg/providers"
	"github.com/cloudconductor/conductor/pkg/stores"
	"github.com/cloudconductor/conductor/pkg/telemetry"
)

// app holds the components a command works with.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	store  *stores.SQLiteStore
	dialer *eventbus.Dialer
}

// openApp loads the configuration, sets up telemetry and opens the store.
// tweak may adjust the configuration before anything is created.
func openApp(ctx context.Context, opts *globalOptions, tweak func(*config.Config)) (*app, error) {
	cfg, err := config.LoadEnvironment(opts.configPath, opts.environment)
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if tweak != nil {
		tweak(cfg)
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}

	return &app{cfg: cfg, tel: tel, store: store}, nil
}

// orchestrator wires the provider registry, selector, event bus, discovery
// and notifiers into an orchestrator.
func (a *app) orchestrator(ctx context.Context) (*engine.Orchestrator, error) {
	logger := a.tel.Logger

	registry := providers.NewDefaultRegistry(providers.Options{
		AWSProfile:       a.cfg.AWS.Profile,
		OpenStackDomain:  a.cfg.OpenStack.DomainName,
		StackTimeout:     a.cfg.Orchestration.StackTimeout,
		TerraformBinary:  a.cfg.Terraform.Binary,
		TerraformWorkDir: a.cfg.Terraform.WorkDir,
		Logger:           logger,
	}, providers.WithMetrics(a.tel.Metrics), providers.WithTracer(a.tel.Tracer))

	busCfg := a.cfg.EventBusConfig()
	a.dialer = eventbus.NewDialer(a.cfg.EventBus.Port, a.cfg.EventBus.DialTimeout)

	var notifiers []engine.Notifier
	if a.cfg.DNS.Enabled {
		dns, err := notify.NewRoute53(ctx, notify.DNSOptions{
			HostedZoneID: a.cfg.DNS.HostedZoneID,
			Suffix:       a.cfg.DNS.Suffix,
			TTL:          a.cfg.DNS.TTL,
			Profile:      a.cfg.AWS.Profile,
			Region:       a.cfg.AWS.Region,
		}, logger)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, dns)
	}

	return engine.NewOrchestrator(engine.Dependencies{
		Repository: a.store,
		Adapters:   registry,
		Selector:   engine.NewSelector(a.cfg.Providers.Priority),
		EventBus:   eventbus.NewEtcdBus(a.dialer, busCfg, logger),
		Discovery:  discovery.NewEtcd(a.dialer, busCfg, a.cfg.EventBus.DialTimeout, logger),
		Notifier:   notify.NewMulti(logger, notifiers...),
		Logger:     logger,
		Metrics:    a.tel.Metrics,
		Tracer:     a.tel.Tracer,
	}, a.cfg.EngineOptions())
}

// Close releases the store, etcd clients and telemetry exporters.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.dialer != nil {
		errs = append(errs, a.dialer.Close())
	}
	errs = append(errs, a.store.Close(), a.tel.Shutdown(ctx))
	return errors.Join(errs...)
}
