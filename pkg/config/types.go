package config

import (
	"time"

	"github.com/cloudconductor/conductor/pkg/telemetry"
)

// Config is the conductor service configuration.
type Config struct {
	Providers     ProvidersConfig     `yaml:"providers"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	EventBus      EventBusConfig      `yaml:"event_bus"`
	Database      DatabaseConfig      `yaml:"database"`
	DNS           DNSConfig           `yaml:"dns"`
	AWS           AWSConfig           `yaml:"aws"`
	OpenStack     OpenStackConfig     `yaml:"openstack"`
	Terraform     TerraformConfig     `yaml:"terraform"`

	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// ProvidersConfig selects the provisioning tools.
type ProvidersConfig struct {
	// Priority lists provider names, most preferred first.
	Priority []string `yaml:"priority" validate:"required,min=1,unique,dive,oneof=cloud_formation heat terraform"`
}

// OrchestrationConfig tunes stack polling and teardown.
type OrchestrationConfig struct {
	// PollInterval is the wait between two stack status queries.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`

	// StackTimeout bounds the convergence of one stack.
	StackTimeout time.Duration `yaml:"stack_timeout" validate:"gt=0"`

	// DestroyTimeout bounds the wait for optional stacks during teardown.
	DestroyTimeout time.Duration `yaml:"destroy_timeout" validate:"gt=0"`

	// FrontendAddressKey is the platform output holding the frontend address.
	FrontendAddressKey string `yaml:"frontend_address_key" validate:"required"`

	// MaxRetries bounds the retries of one throttled or conflicting call.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`

	// RetryBaseDelay and RetryMaxDelay shape the retry backoff.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
}

// EventBusConfig configures the etcd event bus on environment frontends.
type EventBusConfig struct {
	Port         int           `yaml:"port" validate:"min=1,max=65535"`
	Prefix       string        `yaml:"prefix" validate:"required,startswith=/"`
	DialTimeout  time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	WaitTimeout  time.Duration `yaml:"wait_timeout" validate:"gt=0"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`

	// LogLines is the number of log lines per failed node kept in errors.
	LogLines int `yaml:"log_lines" validate:"min=1"`
}

// DatabaseConfig locates the record store.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// DNSConfig configures the Route 53 record of ready environments.
type DNSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	HostedZoneID string `yaml:"hosted_zone_id" validate:"required_if=Enabled true"`
	Suffix       string `yaml:"suffix" validate:"required_if=Enabled true"`
	TTL          int64  `yaml:"ttl" validate:"gte=0"`
}

// AWSConfig configures AWS credential resolution for clouds without a key.
type AWSConfig struct {
	Profile string `yaml:"profile"`
	Region  string `yaml:"region"`
}

// OpenStackConfig configures OpenStack authentication.
type OpenStackConfig struct {
	// DomainName is the identity v3 domain.
	DomainName string `yaml:"domain_name"`
}

// TerraformConfig configures the terraform provider.
type TerraformConfig struct {
	Binary  string `yaml:"binary" validate:"required"`
	WorkDir string `yaml:"work_dir" validate:"required"`
}
