// Package images tracks machine images built for pattern snapshots by the
// external image build service.
package images

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudconductor/conductor/pkg/engine"
	"github.com/cloudconductor/conductor/pkg/telemetry"
)

// keySeparator splits the cloud and OS half of a result key from the role.
const keySeparator = "----"

// Result statuses reported by the build service.
const (
	ResultSuccess = "SUCCESS"
	ResultError   = "ERROR"
)

// Request asks the build service for images of one pattern role.
type Request struct {
	SnapshotID string
	URL        string
	Revision   string
	Clouds     []string
	OSVersions []string
	Role       string
}

// Builder starts an asynchronous image build. Completion is reported
// separately as a result map handed to Apply.
type Builder interface {
	Build(ctx context.Context, req Request) error
}

// Store persists images.
type Store interface {
	UpsertImage(ctx context.Context, img *engine.Image) error
	ListImages(ctx context.Context, patternSnapshotID string) ([]*engine.Image, error)
	GetCloud(ctx context.Context, id string) (*engine.Cloud, error)
}

// Result is the build outcome for one key.
type Result struct {
	Status  string `json:"status"`
	ImageID string `json:"image_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Key identifies an image in a result map.
type Key struct {
	Cloud     string
	OSVersion string
	Role      string
}

// String formats the key as "{cloud}-{os}----{role}".
func (k Key) String() string {
	return k.Cloud + "-" + k.OSVersion + keySeparator + k.Role
}

// ParseKey parses "{cloud}-{os}----{role}". Cloud names may contain dashes;
// the OS version is the part after the last one.
func ParseKey(s string) (Key, error) {
	head, role, ok := strings.Cut(s, keySeparator)
	if !ok || role == "" {
		return Key{}, fmt.Errorf("invalid image key %q: missing role", s)
	}
	i := strings.LastIndex(head, "-")
	if i <= 0 || i == len(head)-1 {
		return Key{}, fmt.Errorf("invalid image key %q: missing cloud or os", s)
	}
	return Key{Cloud: head[:i], OSVersion: head[i+1:], Role: role}, nil
}

// Service requests image builds and records their results.
type Service struct {
	builder Builder
	store   Store
	logger  *telemetry.Logger
}

// NewService creates an image service.
func NewService(builder Builder, store Store, logger *telemetry.Logger) *Service {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Service{builder: builder, store: store, logger: logger.NewComponentLogger("images")}
}

// Request records a PROGRESS image per cloud, OS version and pattern role,
// then asks the builder for them. baseImages maps cloud IDs to the base
// image the build starts from.
func (s *Service) Request(ctx context.Context, snapshot *engine.PatternSnapshot, clouds []*engine.Cloud, osVersion string, baseImages map[string]string) error {
	if len(clouds) == 0 {
		return nil
	}
	roles := snapshot.Roles
	if len(roles) == 0 {
		roles = []string{"all"}
	}

	names := make([]string, 0, len(clouds))
	for _, c := range clouds {
		names = append(names, c.Name)
		for _, role := range roles {
			img := &engine.Image{
				PatternSnapshotID: snapshot.ID,
				CloudID:           c.ID,
				BaseImage:         baseImages[c.ID],
				Role:              role,
				OSVersion:         osVersion,
				Status:            engine.ImageStatusProgress,
			}
			if err := s.store.UpsertImage(ctx, img); err != nil {
				return err
			}
		}
	}

	for _, role := range roles {
		err := s.builder.Build(ctx, Request{
			SnapshotID: snapshot.ID,
			URL:        snapshot.URL,
			Revision:   snapshot.Revision,
			Clouds:     names,
			OSVersions: []string{osVersion},
			Role:       role,
		})
		if err != nil {
			return engine.NewTransientError("failed to request image build", err).
				WithCode(engine.ErrCodeDependencyFailed).
				WithResource(snapshot.ID)
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"pattern_snapshot": snapshot.ID,
		"clouds":           names,
		"roles":            roles,
	}).Info("image build requested")
	return nil
}

// Apply updates the images of a snapshot from a build result map. Keys that
// match no image are reported in the returned error after every matching
// image was updated.
func Apply(ctx context.Context, store Store, snapshotID string, results map[string]Result) error {
	images, err := store.ListImages(ctx, snapshotID)
	if err != nil {
		return err
	}

	byKey := make(map[string]*engine.Image, len(images))
	cloudNames := make(map[string]string)
	for _, img := range images {
		name, ok := cloudNames[img.CloudID]
		if !ok {
			cloud, err := store.GetCloud(ctx, img.CloudID)
			if err != nil {
				return err
			}
			name = cloud.Name
			cloudNames[img.CloudID] = name
		}
		byKey[Key{Cloud: name, OSVersion: img.OSVersion, Role: img.Role}.String()] = img
	}

	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var unknown []string
	for _, k := range keys {
		img, ok := byKey[k]
		if !ok {
			unknown = append(unknown, k)
			continue
		}
		r := results[k]
		if strings.EqualFold(r.Status, ResultSuccess) || r.Status == string(engine.ImageStatusCreateComplete) {
			img.Status = engine.ImageStatusCreateComplete
			img.ImageID = r.ImageID
			img.Message = ""
		} else {
			img.Status = engine.ImageStatusError
			img.Message = r.Message
		}
		if err := store.UpsertImage(ctx, img); err != nil {
			return err
		}
	}

	if len(unknown) > 0 {
		return engine.NewPermanentError(fmt.Sprintf("no image for result keys %s", strings.Join(unknown, ", ")), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(snapshotID)
	}
	return nil
}
