package images

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cloudconductor/conductor/pkg/engine"
)

type fakeStore struct {
	images map[string]*engine.Image
	clouds map[string]*engine.Cloud
	seq    int
}

func newFakeStore(clouds ...*engine.Cloud) *fakeStore {
	s := &fakeStore{images: map[string]*engine.Image{}, clouds: map[string]*engine.Cloud{}}
	for _, c := range clouds {
		s.clouds[c.ID] = c
	}
	return s
}

func (s *fakeStore) UpsertImage(_ context.Context, img *engine.Image) error {
	key := img.PatternSnapshotID + "/" + img.CloudID + "/" + img.OSVersion + "/" + img.Role
	if cur, ok := s.images[key]; ok {
		img.ID = cur.ID
	} else if img.ID == "" {
		s.seq++
		img.ID = fmt.Sprintf("img-%d", s.seq)
	}
	cp := *img
	s.images[key] = &cp
	return nil
}

func (s *fakeStore) ListImages(_ context.Context, snapshotID string) ([]*engine.Image, error) {
	var out []*engine.Image
	for _, img := range s.images {
		if img.PatternSnapshotID == snapshotID {
			cp := *img
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) GetCloud(_ context.Context, id string) (*engine.Cloud, error) {
	c, ok := s.clouds[id]
	if !ok {
		return nil, errors.New("cloud not found")
	}
	return c, nil
}

func (s *fakeStore) image(cloudID, role string) *engine.Image {
	for _, img := range s.images {
		if img.CloudID == cloudID && img.Role == role {
			return img
		}
	}
	return nil
}

type fakeBuilder struct {
	requests []Request
	err      error
}

func (b *fakeBuilder) Build(_ context.Context, req Request) error {
	b.requests = append(b.requests, req)
	return b.err
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		in      string
		want    Key
		wantErr bool
	}{
		{in: "aws-centos----web", want: Key{Cloud: "aws", OSVersion: "centos", Role: "web"}},
		{in: "aws-tokyo-centos----ap", want: Key{Cloud: "aws-tokyo", OSVersion: "centos", Role: "ap"}},
		{in: "aws-centos", wantErr: true},
		{in: "centos----web", wantErr: true},
		{in: "aws-centos----", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseKey(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected an error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: failed to parse: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("%q: expected %+v, got %+v", tt.in, tt.want, got)
		}
		if got.String() != tt.in {
			t.Errorf("expected %q to format back, got %q", tt.in, got.String())
		}
	}
}

func TestService_Request(t *testing.T) {
	aws := &engine.Cloud{ID: "c1", Name: "aws-tokyo"}
	openstack := &engine.Cloud{ID: "c2", Name: "lab"}
	store := newFakeStore(aws, openstack)
	builder := &fakeBuilder{}
	svc := NewService(builder, store, nil)

	snapshot := &engine.PatternSnapshot{ID: "p1", URL: "https://example.com/base.git", Revision: "v1", Roles: []string{"web", "db"}}
	err := svc.Request(context.Background(), snapshot, []*engine.Cloud{aws, openstack}, "centos", map[string]string{"c1": "ami-base"})
	if err != nil {
		t.Fatalf("failed to request images: %v", err)
	}

	if len(store.images) != 4 {
		t.Fatalf("expected 4 pending images, got %d", len(store.images))
	}
	web := store.image("c1", "web")
	if web == nil || web.Status != engine.ImageStatusProgress || web.BaseImage != "ami-base" {
		t.Errorf("unexpected image %+v", web)
	}
	if len(builder.requests) != 2 || builder.requests[0].Role != "web" || len(builder.requests[0].Clouds) != 2 {
		t.Errorf("expected one request per role, got %+v", builder.requests)
	}
}

func TestService_RequestBuilderFailure(t *testing.T) {
	store := newFakeStore(&engine.Cloud{ID: "c1", Name: "aws"})
	svc := NewService(&fakeBuilder{err: errors.New("packer unavailable")}, store, nil)

	err := svc.Request(context.Background(), &engine.PatternSnapshot{ID: "p1"}, []*engine.Cloud{{ID: "c1", Name: "aws"}}, "centos", nil)
	if !engine.IsTransient(err) {
		t.Errorf("expected a transient error, got %v", err)
	}
}

func TestApply(t *testing.T) {
	aws := &engine.Cloud{ID: "c1", Name: "aws-tokyo"}
	store := newFakeStore(aws)
	svc := NewService(&fakeBuilder{}, store, nil)
	ctx := context.Background()

	snapshot := &engine.PatternSnapshot{ID: "p1", Roles: []string{"web", "db"}}
	if err := svc.Request(ctx, snapshot, []*engine.Cloud{aws}, "centos", nil); err != nil {
		t.Fatalf("failed to request images: %v", err)
	}

	err := Apply(ctx, store, "p1", map[string]Result{
		"aws-tokyo-centos----web": {Status: "SUCCESS", ImageID: "ami-123"},
		"aws-tokyo-centos----db":  {Status: "ERROR", Message: "provisioner failed"},
	})
	if err != nil {
		t.Fatalf("failed to apply results: %v", err)
	}

	web := store.image("c1", "web")
	if web.Status != engine.ImageStatusCreateComplete || web.ImageID != "ami-123" {
		t.Errorf("unexpected web image %+v", web)
	}
	db := store.image("c1", "db")
	if db.Status != engine.ImageStatusError || db.Message != "provisioner failed" {
		t.Errorf("unexpected db image %+v", db)
	}
}

func TestApplyUnknownKey(t *testing.T) {
	aws := &engine.Cloud{ID: "c1", Name: "aws"}
	store := newFakeStore(aws)
	svc := NewService(&fakeBuilder{}, store, nil)
	ctx := context.Background()

	if err := svc.Request(ctx, &engine.PatternSnapshot{ID: "p1", Roles: []string{"web"}}, []*engine.Cloud{aws}, "centos", nil); err != nil {
		t.Fatalf("failed to request images: %v", err)
	}

	err := Apply(ctx, store, "p1", map[string]Result{
		"aws-centos----web": {Status: "SUCCESS", ImageID: "ami-1"},
		"aws-ubuntu----web": {Status: "SUCCESS", ImageID: "ami-2"},
	})
	if !engine.IsNotFound(err) {
		t.Errorf("expected not found for the unknown key, got %v", err)
	}
	if img := store.image("c1", "web"); img.Status != engine.ImageStatusCreateComplete {
		t.Errorf("expected the known key to be applied, got %+v", img)
	}
}
