// Package terraform implements the stack adapter that drives the terraform CLI.
//
// Every stack gets a working directory holding the rendered template, a
// terraform.tfvars.json with the stack parameters, the terraform state and a
// status file. Create, Update and Destroy start terraform in the background
// and return; Status reads the status file the background run maintains.
package terraform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cloudconductor/conductor/pkg/engine"
	"github.com/cloudconductor/conductor/pkg/telemetry"
)

const (
	templateFile = "main.tf"
	varsFile     = "terraform.tfvars.json"
	statusFile   = "conductor-status.json"
	logFile      = "terraform.log"
)

// Runner runs one terraform command in dir and returns its combined output.
type Runner interface {
	Run(ctx context.Context, dir string, env []string, args ...string) ([]byte, error)
}

// ExecRunner runs the terraform binary.
type ExecRunner struct {
	Binary string
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, dir string, env []string, args ...string) ([]byte, error) {
	binary := r.Binary
	if binary == "" {
		binary = "terraform"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("terraform %s failed: %w", args[0], err)
	}
	return out, nil
}

// Options configures the terraform adapter.
type Options struct {
	// WorkDir is the root of the per-stack working directories.
	WorkDir string

	// Runner defaults to ExecRunner{Binary: "terraform"}.
	Runner Runner

	// Logger defaults to a no-op logger.
	Logger *telemetry.Logger
}

// record is the content of the status file.
type record struct {
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Adapter provisions stacks with terraform for one cloud.
type Adapter struct {
	cloud  *engine.Cloud
	root   string
	runner Runner
	logger *telemetry.Logger

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

// New creates an adapter for cloud.
func New(cloud *engine.Cloud, opts Options) (*Adapter, error) {
	if opts.WorkDir == "" {
		return nil, engine.NewPermanentError("terraform work directory is not configured", nil).
			WithCode(engine.ErrCodeConfiguration)
	}
	if cloud.Type != engine.CloudTypeAWS && cloud.Type != engine.CloudTypeOpenStack {
		return nil, engine.NewPermanentError(fmt.Sprintf("terraform does not support cloud type %s", cloud.Type), nil).
			WithCode(engine.ErrCodeProviderUnsupported)
	}
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{Binary: "terraform"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Adapter{
		cloud:   cloud,
		root:    filepath.Join(opts.WorkDir, cloud.ID),
		runner:  runner,
		logger:  logger.NewComponentLogger("terraform").WithCloud(cloud.Name),
		running: make(map[string]bool),
	}, nil
}

// Create writes the working directory and starts init and apply.
func (a *Adapter) Create(ctx context.Context, name string, body []byte, params map[string]string, _ engine.StackOptions) error {
	dir := a.dir(name)
	if _, err := os.Stat(filepath.Join(dir, statusFile)); err == nil {
		return engine.NewConflictError("stack already exists", nil).
			WithCode(engine.ErrCodeAlreadyExists).WithResource(name)
	}
	return a.start(ctx, name, "CREATE", true, func() error {
		return a.write(dir, body, params)
	})
}

// Update rewrites the template and parameters and starts apply.
func (a *Adapter) Update(ctx context.Context, name string, body []byte, params map[string]string, _ engine.StackOptions) error {
	dir := a.dir(name)
	if _, err := a.read(name); err != nil {
		return err
	}
	return a.start(ctx, name, "UPDATE", false, func() error {
		return a.write(dir, body, params)
	})
}

// Destroy starts terraform destroy. The working directory is removed once
// destroy succeeds.
func (a *Adapter) Destroy(ctx context.Context, name string, _ engine.StackOptions) error {
	if _, err := a.read(name); err != nil {
		return err
	}
	return a.start(ctx, name, "DELETE", true, nil)
}

// Status returns the status of the last background run.
func (a *Adapter) Status(_ context.Context, name string, _ engine.StackOptions) (engine.RemoteStatus, error) {
	rec, err := a.read(name)
	if err != nil {
		return engine.RemoteStatus{}, err
	}
	status, found := engine.NormalizeProviderStatus(rec.Status)
	if !found {
		return engine.RemoteStatus{}, notFound(name)
	}
	return engine.RemoteStatus{Raw: rec.Status, Status: status}, nil
}

// Outputs returns terraform output values. Non-string values are JSON encoded.
func (a *Adapter) Outputs(ctx context.Context, name string, _ engine.StackOptions) (map[string]string, error) {
	if _, err := a.read(name); err != nil {
		return nil, err
	}
	out, err := a.runner.Run(ctx, a.dir(name), a.env(), "output", "-json")
	if err != nil {
		return nil, engine.NewTransientError("failed to read terraform outputs", err).
			WithCode(engine.ErrCodeProviderFailed).WithResource(name)
	}

	var raw map[string]struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, engine.NewPermanentError("failed to parse terraform outputs", err).
			WithCode(engine.ErrCodeProviderFailed).WithResource(name)
	}
	outputs := make(map[string]string, len(raw))
	for key, v := range raw {
		var s string
		if err := json.Unmarshal(v.Value, &s); err == nil {
			outputs[key] = s
			continue
		}
		outputs[key] = string(v.Value)
	}
	return outputs, nil
}

// Events reports the last run as a single event.
func (a *Adapter) Events(_ context.Context, name string, _ engine.StackOptions) ([]engine.StackEvent, error) {
	rec, err := a.read(name)
	if err != nil {
		return nil, err
	}
	return []engine.StackEvent{{
		Timestamp:    rec.UpdatedAt,
		ResourceID:   name,
		ResourceType: "terraform",
		Status:       rec.Status,
		StatusReason: rec.Reason,
	}}, nil
}

// Wait blocks until every background run has finished.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

// start marks the stack running, runs prepare and starts terraform on a
// background goroutine.
func (a *Adapter) start(ctx context.Context, name, action string, init bool, prepare func() error) error {
	a.mu.Lock()
	if a.running[name] {
		a.mu.Unlock()
		return engine.NewConflictError("terraform is already running for this stack", nil).
			WithCode(engine.ErrCodeConflict).WithResource(name)
	}
	a.running[name] = true
	a.mu.Unlock()

	if prepare != nil {
		if err := prepare(); err != nil {
			a.done(name)
			return err
		}
	}
	if err := a.save(name, record{Status: action + "_IN_PROGRESS"}); err != nil {
		a.done(name)
		return err
	}

	runCtx := context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.done(name)
		a.run(runCtx, name, action, init)
	}()
	return nil
}

func (a *Adapter) run(ctx context.Context, name, action string, init bool) {
	dir := a.dir(name)
	logger := a.logger.WithStack(name)

	var steps [][]string
	if init {
		steps = append(steps, []string{"init", "-input=false", "-no-color"})
	}
	if action == "DELETE" {
		steps = append(steps, []string{"destroy", "-auto-approve", "-input=false", "-no-color"})
	} else {
		steps = append(steps, []string{"apply", "-auto-approve", "-input=false", "-no-color"})
	}

	var log strings.Builder
	for _, args := range steps {
		out, err := a.runner.Run(ctx, dir, a.env(), args...)
		log.Write(out)
		if err != nil {
			logger.WithError(err).Errorf("terraform %s failed", args[0])
			_ = os.WriteFile(filepath.Join(dir, logFile), []byte(log.String()), 0o600)
			if saveErr := a.save(name, record{Status: action + "_FAILED", Reason: tail(log.String(), 5)}); saveErr != nil {
				logger.WithError(saveErr).Error("failed to record terraform status")
			}
			return
		}
	}

	if action == "DELETE" {
		if err := os.RemoveAll(dir); err != nil {
			logger.WithError(err).Warn("failed to remove terraform working directory")
		}
		return
	}
	_ = os.WriteFile(filepath.Join(dir, logFile), []byte(log.String()), 0o600)
	if err := a.save(name, record{Status: action + "_COMPLETE"}); err != nil {
		logger.WithError(err).Error("failed to record terraform status")
	}
}

func (a *Adapter) done(name string) {
	a.mu.Lock()
	delete(a.running, name)
	a.mu.Unlock()
}

func (a *Adapter) dir(name string) string {
	return filepath.Join(a.root, name)
}

func (a *Adapter) write(dir string, body []byte, params map[string]string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create terraform working directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, templateFile), body, 0o600); err != nil {
		return fmt.Errorf("failed to write terraform template: %w", err)
	}
	vars, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode terraform variables: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, varsFile), vars, 0o600); err != nil {
		return fmt.Errorf("failed to write terraform variables: %w", err)
	}
	return nil
}

func (a *Adapter) save(name string, rec record) error {
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	path := filepath.Join(a.dir(name), statusFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	return os.Rename(tmp, path)
}

func (a *Adapter) read(name string) (*record, error) {
	data, err := os.ReadFile(filepath.Join(a.dir(name), statusFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, notFound(name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse status file: %w", err)
	}
	return &rec, nil
}

// env returns the provider credentials of the cloud as environment variables.
func (a *Adapter) env() []string {
	c := a.cloud
	if c.Type == engine.CloudTypeOpenStack {
		env := []string{
			"OS_AUTH_URL=" + c.Entrypoint,
			"OS_USERNAME=" + c.Key,
			"OS_PASSWORD=" + c.Secret,
			"OS_TENANT_NAME=" + c.TenantName,
			"TF_IN_AUTOMATION=1",
		}
		if c.Region != "" {
			env = append(env, "OS_REGION_NAME="+c.Region)
		}
		return env
	}
	region := c.Region
	if region == "" {
		region = c.Entrypoint
	}
	return []string{
		"AWS_ACCESS_KEY_ID=" + c.Key,
		"AWS_SECRET_ACCESS_KEY=" + c.Secret,
		"AWS_DEFAULT_REGION=" + region,
		"TF_IN_AUTOMATION=1",
	}
}

func notFound(name string) error {
	return engine.NewPermanentError("stack does not exist", nil).
		WithCode(engine.ErrCodeStackNotFound).
		WithResource(name)
}

// tail returns the last n non-empty lines of s.
func tail(s string, n int) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
