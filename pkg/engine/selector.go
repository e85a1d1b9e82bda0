package engine

import "fmt"

// Selector picks the provider used for a cloud.
type Selector struct {
	priority []string
}

// NewSelector creates a selector over the operator's provider priority list,
// highest preference first.
func NewSelector(priority []string) *Selector {
	return &Selector{priority: append([]string(nil), priority...)}
}

// Priority returns the configured provider priority list.
func (s *Selector) Priority() []string {
	return append([]string(nil), s.priority...)
}

// Select returns the first configured provider the environment's patterns
// declare support for on the cloud's type.
func (s *Selector) Select(cloud *Cloud, env *Environment) (string, error) {
	return s.SelectFrom(cloud.Type, env.DeclaredProviders()[cloud.Type])
}

// SelectFrom walks the configured priority list and returns the first entry
// that also appears in declared.
func (s *Selector) SelectFrom(cloudType string, declared []string) (string, error) {
	if len(s.priority) == 0 {
		return "", NewPermanentError("provider priority list is empty", nil).
			WithCode(ErrCodeConfiguration)
	}
	for _, provider := range s.priority {
		if contains(declared, provider) {
			return provider, nil
		}
	}
	return "", NewPermanentError(fmt.Sprintf("no provider supports this cloud (type %s)", cloudType), nil).
		WithCode(ErrCodeProviderUnsupported).
		WithDetail("declared", declared).
		WithDetail("priority", s.Priority())
}
