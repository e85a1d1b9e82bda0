package engine

import (
	"errors"
	"fmt"

	"github.com/cloudconductor/conductor/pkg/patches"
	"github.com/cloudconductor/conductor/pkg/template"
)

// render prepares the template and parameters of every stack for submission
// with provider on cloud. All stacks are rendered before any is submitted so
// that a template defect is found before anything is provisioned.
func (o *Orchestrator) render(env *Environment, stacks []*Stack, cloud *Cloud, provider string) error {
	for _, s := range stacks {
		body, err := o.renderTemplate(env, s, cloud, provider)
		if err != nil {
			return err
		}
		s.Cloud = cloud
		s.Provider = provider
		s.Template = body
	}
	return nil
}

func (o *Orchestrator) renderTemplate(env *Environment, s *Stack, cloud *Cloud, provider string) ([]byte, error) {
	raw, ok := s.Pattern.Templates[provider]
	if !ok || len(raw) == 0 {
		return nil, NewPermanentError(fmt.Sprintf("pattern %s has no template for provider %s", s.Pattern.Name, provider), nil).
			WithCode(ErrCodeTemplateNotFound).
			WithResource(s.Name)
	}

	pipeline := patches.ForProvider(provider)
	if len(pipeline.Patches()) == 0 {
		return raw, nil
	}

	t, err := template.Parse(raw)
	if err != nil {
		return nil, NewPermanentError(fmt.Sprintf("template of pattern %s is invalid", s.Pattern.Name), err).
			WithCode(ErrCodePatchFailed).
			WithResource(s.Name)
	}

	logger := o.stackLogger(s).WithProvider(provider)
	pipeline.OnApply = func(name string) {
		o.metrics.RecordPatchApplied(provider, name)
		logger.Debugf("applied patch %s", name)
	}

	patched, err := pipeline.Apply(t, &patches.Context{
		CloudType:         cloud.Type,
		Provider:          provider,
		EnvironmentName:   env.Name,
		SystemName:        env.SystemName,
		InstanceCounts:    s.Pattern.InstanceCounts,
		AvailabilityZones: cloud.AvailabilityZones,
	})
	if err != nil {
		perr := NewPermanentError(fmt.Sprintf("template of pattern %s could not be patched", s.Pattern.Name), err).
			WithCode(ErrCodePatchFailed).
			WithResource(s.Name)
		var pe *patches.Error
		if errors.As(err, &pe) {
			perr = perr.WithDetail("patch", pe.Patch)
		}
		return nil, perr
	}

	body, err := patched.Bytes()
	if err != nil {
		return nil, NewPermanentError("failed to encode patched template", err).
			WithCode(ErrCodeInternal).
			WithResource(s.Name)
	}
	return body, nil
}

// stackParameters returns the parameters submitted with s. Optional stacks
// also receive the platform outputs for keys they do not set themselves.
func stackParameters(env *Environment, s *Stack) map[string]string {
	params := make(map[string]string)
	for k, v := range env.TemplateParameters[s.Pattern.Name] {
		params[k] = v
	}
	if !s.Pattern.IsPlatform() {
		for k, v := range env.PlatformOutputs {
			if _, ok := params[k]; !ok {
				params[k] = v
			}
		}
	}
	return params
}
