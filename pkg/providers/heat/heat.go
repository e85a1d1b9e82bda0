// Package heat implements the stack adapter for OpenStack Heat.
package heat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gophercloud/gophercloud"

	"github.com/cloudconductor/conductor/pkg/engine"
	"github.com/cloudconductor/conductor/pkg/template"
)

// Stack is the part of a Heat stack the adapter reads.
type Stack struct {
	ID           string
	Name         string
	Status       string
	StatusReason string
	Outputs      map[string]string
}

// CreateRequest is a stack creation or update request.
type CreateRequest struct {
	Name       string
	Template   []byte
	Parameters map[string]interface{}
	Tags       []string
	Timeout    time.Duration
}

// API is the Heat orchestration API used by the adapter.
type API interface {
	Create(ctx context.Context, req CreateRequest) error
	Update(ctx context.Context, stack *Stack, req CreateRequest) error
	Delete(ctx context.Context, stack *Stack) error
	Get(ctx context.Context, name string) (*Stack, error)
	Events(ctx context.Context, stack *Stack) ([]engine.StackEvent, error)
}

// Options configures the Heat adapter.
type Options struct {
	// DomainName is the identity v3 domain of the cloud's user and project.
	DomainName string

	// StackTimeout is handed to Heat as the stack creation timeout.
	StackTimeout time.Duration
}

// Adapter submits stacks to Heat.
type Adapter struct {
	api     API
	timeout time.Duration
}

// New authenticates against the cloud's identity endpoint and creates an
// adapter over its orchestration service.
func New(ctx context.Context, cloud *engine.Cloud, opts Options) (*Adapter, error) {
	api, err := dial(ctx, cloud, opts)
	if err != nil {
		return nil, err
	}
	return NewWithAPI(api, opts.StackTimeout), nil
}

// NewWithAPI creates an adapter over an existing API.
func NewWithAPI(api API, timeout time.Duration) *Adapter {
	return &Adapter{api: api, timeout: timeout}
}

// Create submits a new stack.
func (a *Adapter) Create(ctx context.Context, name string, body []byte, params map[string]string, opts engine.StackOptions) error {
	req, err := a.request(name, body, params, opts)
	if err != nil {
		return err
	}
	if err := a.api.Create(ctx, req); err != nil {
		return classify(err, name, "create")
	}
	return nil
}

// Update submits a new template for an existing stack.
func (a *Adapter) Update(ctx context.Context, name string, body []byte, params map[string]string, opts engine.StackOptions) error {
	stack, err := a.get(ctx, name)
	if err != nil {
		return err
	}
	req, err := a.request(name, body, params, opts)
	if err != nil {
		return err
	}
	if err := a.api.Update(ctx, stack, req); err != nil {
		return classify(err, name, "update")
	}
	return nil
}

// Destroy requests deletion of a stack.
func (a *Adapter) Destroy(ctx context.Context, name string, _ engine.StackOptions) error {
	stack, err := a.get(ctx, name)
	if err != nil {
		return err
	}
	if err := a.api.Delete(ctx, stack); err != nil {
		return classify(err, name, "destroy")
	}
	return nil
}

// Status returns the normalised stack status.
func (a *Adapter) Status(ctx context.Context, name string, _ engine.StackOptions) (engine.RemoteStatus, error) {
	stack, err := a.get(ctx, name)
	if err != nil {
		return engine.RemoteStatus{}, err
	}
	status, found := engine.NormalizeProviderStatus(stack.Status)
	if !found {
		return engine.RemoteStatus{}, notFound(name)
	}
	return engine.RemoteStatus{Raw: stack.Status, Status: status}, nil
}

// Outputs returns the stack outputs.
func (a *Adapter) Outputs(ctx context.Context, name string, _ engine.StackOptions) (map[string]string, error) {
	stack, err := a.get(ctx, name)
	if err != nil {
		return nil, err
	}
	return stack.Outputs, nil
}

// Events returns the stack events, newest first. The stack's own status
// reason is reported as the newest event since Heat often records the cause
// of a failure there only.
func (a *Adapter) Events(ctx context.Context, name string, _ engine.StackOptions) ([]engine.StackEvent, error) {
	stack, err := a.get(ctx, name)
	if err != nil {
		return nil, err
	}
	events, err := a.api.Events(ctx, stack)
	if err != nil {
		return nil, classify(err, name, "events")
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if stack.StatusReason != "" {
		events = append([]engine.StackEvent{{
			Timestamp:    time.Now(),
			ResourceID:   stack.Name,
			ResourceType: "OS::Heat::Stack",
			Status:       stack.Status,
			StatusReason: stack.StatusReason,
		}}, events...)
	}
	return events, nil
}

func (a *Adapter) get(ctx context.Context, name string) (*Stack, error) {
	stack, err := a.api.Get(ctx, name)
	if err != nil {
		return nil, classify(err, name, "describe")
	}
	if stack.Status == "DELETE_COMPLETE" {
		return nil, notFound(name)
	}
	return stack, nil
}

func (a *Adapter) request(name string, body []byte, params map[string]string, opts engine.StackOptions) (CreateRequest, error) {
	tmpl, err := template.ParseAs(template.Heat, body)
	if err != nil {
		return CreateRequest{}, engine.NewPermanentError("failed to parse Heat template", err).
			WithCode(engine.ErrCodeValidation)
	}
	parameters := make(map[string]interface{})
	for _, key := range tmpl.ParameterNames() {
		if value, ok := params[key]; ok {
			parameters[key] = value
		}
	}
	var tags []string
	for k, v := range opts.Tags {
		tags = append(tags, k+"="+v)
	}
	sort.Strings(tags)
	return CreateRequest{
		Name:       name,
		Template:   body,
		Parameters: parameters,
		Tags:       tags,
		Timeout:    a.timeout,
	}, nil
}

func notFound(name string) error {
	return engine.NewPermanentError("stack does not exist", nil).
		WithCode(engine.ErrCodeStackNotFound).
		WithResource(name)
}

// classify maps a Heat API error to an engine error class by HTTP status.
func classify(err error, name, operation string) error {
	msg := fmt.Sprintf("Heat %s failed", operation)

	var codeErr gophercloud.StatusCodeError
	if !errors.As(err, &codeErr) {
		return engine.NewTransientError(msg, err).
			WithCode(engine.ErrCodeProviderFailed).WithResource(name).WithOperation(operation)
	}

	switch code := codeErr.GetStatusCode(); {
	case code == http.StatusNotFound:
		return engine.NewPermanentError("stack does not exist", err).
			WithCode(engine.ErrCodeStackNotFound).WithResource(name).WithOperation(operation)
	case code == http.StatusConflict:
		return engine.NewConflictError(msg, err).
			WithCode(engine.ErrCodeConflict).WithResource(name).WithOperation(operation)
	case code == http.StatusTooManyRequests || code == http.StatusRequestEntityTooLarge:
		return engine.NewThrottledError(msg, err).
			WithCode(engine.ErrCodeRateLimited).WithResource(name).WithOperation(operation)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return engine.NewPermanentError(msg, err).
			WithCode(engine.ErrCodePermissionDenied).WithResource(name).WithOperation(operation)
	case code >= 500:
		return engine.NewTransientError(msg, err).
			WithCode(engine.ErrCodeProviderFailed).WithResource(name).WithOperation(operation)
	default:
		return engine.NewPermanentError(msg, err).
			WithCode(engine.ErrCodeValidation).WithResource(name).WithOperation(operation)
	}
}
