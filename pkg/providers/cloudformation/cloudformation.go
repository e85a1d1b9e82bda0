// Package cloudformation implements the stack adapter for AWS CloudFormation.
package cloudformation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	cfn "github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"

	"github.com/cloudconductor/conductor/pkg/engine"
	"github.com/cloudconductor/conductor/pkg/template"
)

// API is the subset of the CloudFormation client the adapter uses.
type API interface {
	CreateStack(ctx context.Context, in *cfn.CreateStackInput, optFns ...func(*cfn.Options)) (*cfn.CreateStackOutput, error)
	UpdateStack(ctx context.Context, in *cfn.UpdateStackInput, optFns ...func(*cfn.Options)) (*cfn.UpdateStackOutput, error)
	DeleteStack(ctx context.Context, in *cfn.DeleteStackInput, optFns ...func(*cfn.Options)) (*cfn.DeleteStackOutput, error)
	DescribeStacks(ctx context.Context, in *cfn.DescribeStacksInput, optFns ...func(*cfn.Options)) (*cfn.DescribeStacksOutput, error)
	DescribeStackEvents(ctx context.Context, in *cfn.DescribeStackEventsInput, optFns ...func(*cfn.Options)) (*cfn.DescribeStackEventsOutput, error)
}

// Options configures how AWS credentials are resolved.
type Options struct {
	// Profile is a shared config profile used when the cloud carries no key.
	Profile string
}

// Adapter submits stacks to CloudFormation.
type Adapter struct {
	client API
}

// New creates an adapter for cloud. The cloud's key and secret take
// precedence over the shared config profile. The SDK retryer is disabled;
// retry policy belongs to the orchestrator.
func New(ctx context.Context, cloud *engine.Cloud, opts Options) (*Adapter, error) {
	region := cloud.Region
	if region == "" {
		region = cloud.Entrypoint
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if cloud.Key != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cloud.Key, cloud.Secret, "")))
	} else if opts.Profile != "" {
		optFns = append(optFns, config.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, engine.NewPermanentError("failed to load AWS config", err).
			WithCode(engine.ErrCodeConfiguration).
			WithResource(cloud.Name)
	}
	return NewWithClient(cfn.NewFromConfig(cfg)), nil
}

// NewWithClient creates an adapter over an existing client.
func NewWithClient(client API) *Adapter {
	return &Adapter{client: client}
}

// Create submits a new stack.
func (a *Adapter) Create(ctx context.Context, name string, body []byte, params map[string]string, opts engine.StackOptions) error {
	parameters, err := parameters(body, params)
	if err != nil {
		return err
	}
	_, err = a.client.CreateStack(ctx, &cfn.CreateStackInput{
		StackName:    aws.String(name),
		TemplateBody: aws.String(string(body)),
		Parameters:   parameters,
		Capabilities: []cfntypes.Capability{cfntypes.CapabilityCapabilityIam, cfntypes.CapabilityCapabilityNamedIam},
		Tags:         tags(opts.Tags),
	})
	if err != nil {
		return classify(err, name, "create")
	}
	return nil
}

// Update submits a new template for an existing stack. A template identical
// to the deployed one is not an error.
func (a *Adapter) Update(ctx context.Context, name string, body []byte, params map[string]string, opts engine.StackOptions) error {
	parameters, err := parameters(body, params)
	if err != nil {
		return err
	}
	_, err = a.client.UpdateStack(ctx, &cfn.UpdateStackInput{
		StackName:    aws.String(name),
		TemplateBody: aws.String(string(body)),
		Parameters:   parameters,
		Capabilities: []cfntypes.Capability{cfntypes.CapabilityCapabilityIam, cfntypes.CapabilityCapabilityNamedIam},
		Tags:         tags(opts.Tags),
	})
	if err != nil {
		if noUpdates(err) {
			return nil
		}
		return classify(err, name, "update")
	}
	return nil
}

// Destroy requests deletion of a stack.
func (a *Adapter) Destroy(ctx context.Context, name string, _ engine.StackOptions) error {
	if _, err := a.describe(ctx, name); err != nil {
		return err
	}
	if _, err := a.client.DeleteStack(ctx, &cfn.DeleteStackInput{StackName: aws.String(name)}); err != nil {
		return classify(err, name, "destroy")
	}
	return nil
}

// Status returns the normalised stack status.
func (a *Adapter) Status(ctx context.Context, name string, _ engine.StackOptions) (engine.RemoteStatus, error) {
	stack, err := a.describe(ctx, name)
	if err != nil {
		return engine.RemoteStatus{}, err
	}
	raw := string(stack.StackStatus)
	status, found := engine.NormalizeProviderStatus(raw)
	if !found {
		return engine.RemoteStatus{}, notFound(name)
	}
	return engine.RemoteStatus{Raw: raw, Status: status}, nil
}

// Outputs returns the stack outputs.
func (a *Adapter) Outputs(ctx context.Context, name string, _ engine.StackOptions) (map[string]string, error) {
	stack, err := a.describe(ctx, name)
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]string, len(stack.Outputs))
	for _, o := range stack.Outputs {
		outputs[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return outputs, nil
}

// Events returns the stack events, newest first.
func (a *Adapter) Events(ctx context.Context, name string, _ engine.StackOptions) ([]engine.StackEvent, error) {
	out, err := a.client.DescribeStackEvents(ctx, &cfn.DescribeStackEventsInput{StackName: aws.String(name)})
	if err != nil {
		return nil, classify(err, name, "events")
	}
	events := make([]engine.StackEvent, 0, len(out.StackEvents))
	for _, e := range out.StackEvents {
		events = append(events, engine.StackEvent{
			Timestamp:    aws.ToTime(e.Timestamp),
			ResourceID:   aws.ToString(e.LogicalResourceId),
			ResourceType: aws.ToString(e.ResourceType),
			Status:       string(e.ResourceStatus),
			StatusReason: aws.ToString(e.ResourceStatusReason),
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	return events, nil
}

func (a *Adapter) describe(ctx context.Context, name string) (*cfntypes.Stack, error) {
	out, err := a.client.DescribeStacks(ctx, &cfn.DescribeStacksInput{StackName: aws.String(name)})
	if err != nil {
		return nil, classify(err, name, "describe")
	}
	if len(out.Stacks) == 0 {
		return nil, notFound(name)
	}
	return &out.Stacks[0], nil
}

// parameters keeps the params the template declares, sorted by key.
// CloudFormation rejects undeclared parameters.
func parameters(body []byte, params map[string]string) ([]cfntypes.Parameter, error) {
	tmpl, err := template.ParseAs(template.CloudFormation, body)
	if err != nil {
		return nil, engine.NewPermanentError("failed to parse CloudFormation template", err).
			WithCode(engine.ErrCodeValidation)
	}
	var out []cfntypes.Parameter
	for _, key := range tmpl.ParameterNames() {
		if value, ok := params[key]; ok {
			out = append(out, cfntypes.Parameter{
				ParameterKey:   aws.String(key),
				ParameterValue: aws.String(value),
			})
		}
	}
	return out, nil
}

func tags(m map[string]string) []cfntypes.Tag {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]cfntypes.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, cfntypes.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return out
}

func notFound(name string) error {
	return engine.NewPermanentError("stack does not exist", nil).
		WithCode(engine.ErrCodeStackNotFound).
		WithResource(name)
}

func noUpdates(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) &&
		apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "No updates are to be performed")
}

// classify maps a CloudFormation error to an engine error class.
func classify(err error, name, operation string) error {
	msg := fmt.Sprintf("CloudFormation %s failed", operation)

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case code == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "does not exist"):
			return engine.NewPermanentError("stack does not exist", err).
				WithCode(engine.ErrCodeStackNotFound).WithResource(name).WithOperation(operation)
		case code == "Throttling" || code == "ThrottlingException" || code == "RequestLimitExceeded":
			return engine.NewThrottledError(msg, err).
				WithCode(engine.ErrCodeRateLimited).WithResource(name).WithOperation(operation)
		case code == "AlreadyExistsException":
			return engine.NewConflictError(msg, err).
				WithCode(engine.ErrCodeAlreadyExists).WithResource(name).WithOperation(operation)
		case code == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "_IN_PROGRESS state"):
			return engine.NewConflictError(msg, err).
				WithCode(engine.ErrCodeConflict).WithResource(name).WithOperation(operation)
		case code == "AccessDenied" || code == "AccessDeniedException" ||
			code == "InvalidClientTokenId" || code == "UnrecognizedClientException":
			return engine.NewPermanentError(msg, err).
				WithCode(engine.ErrCodePermissionDenied).WithResource(name).WithOperation(operation)
		case code == "ValidationError" || code == "InsufficientCapabilitiesException" || code == "LimitExceededException":
			return engine.NewPermanentError(msg, err).
				WithCode(engine.ErrCodeValidation).WithResource(name).WithOperation(operation)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() < 500 {
		return engine.NewPermanentError(msg, err).
			WithCode(engine.ErrCodeProviderFailed).WithResource(name).WithOperation(operation)
	}

	// Network failures and 5xx responses.
	return engine.NewTransientError(msg, err).
		WithCode(engine.ErrCodeProviderFailed).WithResource(name).WithOperation(operation)
}
