package patches

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cloudconductor/conductor/pkg/template"
)

// InjectCredentials adds an access key to the template and exposes it to
// every resource of the listed types through its metadata, so instances can
// reach the cloud API without baked-in keys.
type InjectCredentials struct {
	// Types are the resource types that receive the credentials entry.
	Types []string

	// CredentialsID is the logical name of the access key resource.
	CredentialsID string

	// Resources are added to the template when absent, keyed by id.
	Resources map[string]*template.Node

	// ConfigPath locates the map, inside each target resource, that receives
	// EntryKey.
	ConfigPath []string

	// EntryKey is the key the credentials entry is stored under.
	EntryKey string
}

// DefaultCredentials returns the credential injection used for AWS
// CloudFormation: an IAM user with an access key, exposed to launch
// configurations and instances under Metadata.cloudconductor.credentials.
func DefaultCredentials() *InjectCredentials {
	userID := "CloudConductorUser"
	return &InjectCredentials{
		Types:         []string{TypeLaunchConfiguration, TypeInstance},
		CredentialsID: CredentialsID,
		Resources: map[string]*template.Node{
			userID: template.Object(
				"Type", TypeIAMUser,
				"Properties", map[string]interface{}{
					"Policies": []interface{}{
						map[string]interface{}{
							"PolicyName": "CloudConductorReadOnly",
							"PolicyDocument": map[string]interface{}{
								"Statement": []interface{}{
									map[string]interface{}{
										"Effect":   "Allow",
										"Action":   []interface{}{"cloudformation:DescribeStackResource", "ec2:Describe*"},
										"Resource": "*",
									},
								},
							},
						},
					},
				},
			),
			CredentialsID: template.Object(
				"Type", TypeAccessKey,
				"Properties", map[string]interface{}{
					"UserName": map[string]interface{}{"Ref": userID},
				},
			),
		},
		ConfigPath: []string{"Metadata", "cloudconductor"},
		EntryKey:   "credentials",
	}
}

func (p *InjectCredentials) Name() string {
	return "inject_credentials(" + strings.Join(p.Types, ",") + ")"
}

func (p *InjectCredentials) targets(t *template.Template) []string {
	var ids []string
	for _, typ := range p.Types {
		ids = append(ids, t.ResourcesOfType(typ)...)
	}
	sort.Strings(ids)
	return ids
}

func (p *InjectCredentials) entryPath() []string {
	return append(append([]string(nil), p.ConfigPath...), p.EntryKey)
}

func (p *InjectCredentials) Need(t *template.Template, _ *Context) bool {
	for _, id := range p.targets(t) {
		if t.Resource(id).Get(p.entryPath()...) == nil {
			return true
		}
	}
	return false
}

func (p *InjectCredentials) Apply(t *template.Template, _ *Context) (*template.Template, error) {
	d := t.Dialect
	out := t

	ids := make([]string, 0, len(p.Resources))
	for id := range p.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !out.HasResource(id) {
			out = out.WithResource(id, p.Resources[id])
		}
	}

	entry := template.Map(map[string]*template.Node{
		"access_key_id":     d.NewRef(p.CredentialsID),
		"secret_access_key": d.NewAttr(p.CredentialsID, "SecretAccessKey"),
	})

	for _, id := range p.targets(t) {
		body := out.Resource(id)
		if body.Get(p.entryPath()...) != nil {
			continue
		}
		if cfg := body.Get(p.ConfigPath...); cfg != nil && !cfg.IsMap() {
			return nil, fmt.Errorf("resource %s: %s is a %s, expected a map",
				id, strings.Join(p.ConfigPath, "."), cfg.Kind())
		}
		updated, err := body.Set(p.entryPath(), entry)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", id, err)
		}
		out = out.WithResource(id, updated)
	}
	return out, nil
}
