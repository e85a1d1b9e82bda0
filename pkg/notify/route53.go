package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/smithy-go"

	"github.com/cloudconductor/conductor/pkg/engine"
	"github.com/cloudconductor/conductor/pkg/telemetry"
)

// Route53API is the subset of the Route 53 client used for record upserts.
type Route53API interface {
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

// DNSOptions configures the Route 53 notifier.
type DNSOptions struct {
	// HostedZoneID is the zone records are written to.
	HostedZoneID string

	// Suffix is appended to the environment name, e.g. "example.com".
	Suffix string

	// TTL of the record in seconds. Zero defaults to 60.
	TTL int64

	// Profile is the shared AWS config profile.
	Profile string

	// Region is the signing region of the Route 53 client.
	Region string
}

// Route53 points <environment>.<suffix> at the environment's frontend.
type Route53 struct {
	client Route53API
	opts   DNSOptions
	logger *telemetry.Logger
}

// NewRoute53 creates a notifier with a client built from the default AWS
// configuration chain.
func NewRoute53(ctx context.Context, opts DNSOptions, logger *telemetry.Logger) (*Route53, error) {
	var optFns []func(*config.LoadOptions) error
	if opts.Profile != "" {
		optFns = append(optFns, config.WithSharedConfigProfile(opts.Profile))
	}
	if opts.Region != "" {
		optFns = append(optFns, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, engine.NewPermanentError("failed to load AWS config", err).
			WithCode(engine.ErrCodeConfiguration)
	}
	return NewRoute53WithClient(route53.NewFromConfig(cfg), opts, logger), nil
}

// NewRoute53WithClient creates a notifier over an existing client.
func NewRoute53WithClient(client Route53API, opts DNSOptions, logger *telemetry.Logger) *Route53 {
	if opts.TTL <= 0 {
		opts.TTL = 60
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Route53{client: client, opts: opts, logger: logger.NewComponentLogger("dns")}
}

var labelInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

// RecordName returns the record name for env.
func (r *Route53) RecordName(env *engine.Environment) string {
	label := strings.Trim(labelInvalid.ReplaceAllString(strings.ToLower(env.Name), "-"), "-")
	if label == "" {
		label = env.ID
	}
	return label + "." + strings.Trim(r.opts.Suffix, ".")
}

// EnvironmentReady implements engine.Notifier. An IP frontend gets an A
// record, anything else a CNAME.
func (r *Route53) EnvironmentReady(ctx context.Context, env *engine.Environment) error {
	if env.FrontendAddress == "" {
		return nil
	}
	recordType := r53types.RRTypeCname
	if ip := net.ParseIP(env.FrontendAddress); ip != nil {
		recordType = r53types.RRTypeA
		if ip.To4() == nil {
			recordType = r53types.RRTypeAaaa
		}
	}
	name := r.RecordName(env)

	_, err := r.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(r.opts.HostedZoneID),
		ChangeBatch: &r53types.ChangeBatch{
			Comment: aws.String(fmt.Sprintf("environment %s", env.ID)),
			Changes: []r53types.Change{{
				Action: r53types.ChangeActionUpsert,
				ResourceRecordSet: &r53types.ResourceRecordSet{
					Name:            aws.String(name),
					Type:            recordType,
					TTL:             aws.Int64(r.opts.TTL),
					ResourceRecords: []r53types.ResourceRecord{{Value: aws.String(env.FrontendAddress)}},
				},
			}},
		},
	})
	if err != nil {
		return classify(err, name)
	}

	r.logger.WithEnvironment(env.ID).WithFields(map[string]interface{}{
		"record":  name,
		"type":    string(recordType),
		"address": env.FrontendAddress,
	}).Info("dns record updated")
	return nil
}

func classify(err error, name string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "PriorRequestNotComplete":
			return engine.NewThrottledError("failed to update dns record", err).
				WithCode(engine.ErrCodeRateLimited).WithResource(name)
		case "NoSuchHostedZone", "InvalidChangeBatch", "InvalidInput", "AccessDenied":
			return engine.NewPermanentError("failed to update dns record", err).
				WithCode(engine.ErrCodeDependencyFailed).WithResource(name)
		}
	}
	return engine.NewTransientError("failed to update dns record", err).
		WithCode(engine.ErrCodeDependencyFailed).WithResource(name)
}

var _ engine.Notifier = (*Route53)(nil)
