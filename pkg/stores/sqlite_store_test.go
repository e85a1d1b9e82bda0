package stores

import (
	"context"
	"testing"
	"time"

	"github.com/cloudconductor/conductor/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedEnvironment stores two clouds, a platform and an optional pattern and
// an environment using both.
func seedEnvironment(t *testing.T, store *SQLiteStore) *engine.Environment {
	t.Helper()
	ctx := context.Background()

	aws := &engine.Cloud{ID: "cloud-aws", Name: "aws-tokyo", Type: engine.CloudTypeAWS,
		Entrypoint: "ap-northeast-1", Key: "AKIA", Secret: "secret", AvailabilityZones: []string{"ap-northeast-1a"}}
	openstack := &engine.Cloud{ID: "cloud-os", Name: "openstack-lab", Type: engine.CloudTypeOpenStack,
		Entrypoint: "http://keystone:5000/v3", Key: "admin", Secret: "secret", TenantName: "demo"}
	for _, c := range []*engine.Cloud{aws, openstack} {
		if err := store.CreateCloud(ctx, c); err != nil {
			t.Fatalf("failed to create cloud: %v", err)
		}
	}

	platform := &engine.PatternSnapshot{
		ID: "pattern-platform", Name: "base", Type: engine.PatternTypePlatform,
		URL: "https://example.com/base.git", Revision: "v1",
		Providers: map[string][]string{"aws": {"cloud_formation", "terraform"}},
		Roles:     []string{"web"},
		Templates: map[string][]byte{"cloud_formation": []byte(`{"Resources":{}}`)},
	}
	optional := &engine.PatternSnapshot{
		ID: "pattern-optional", Name: "zabbix", Type: engine.PatternTypeOptional,
		Providers: map[string][]string{"aws": {"cloud_formation"}},
	}
	for _, p := range []*engine.PatternSnapshot{platform, optional} {
		if err := store.CreatePatternSnapshot(ctx, p); err != nil {
			t.Fatalf("failed to create pattern snapshot: %v", err)
		}
	}

	env := &engine.Environment{
		ID:         "env-1",
		Name:       "production",
		SystemName: "shop",
		Patterns:   []*engine.PatternSnapshot{platform, optional},
		Candidates: []engine.Candidate{
			{Cloud: openstack, Priority: 20},
			{Cloud: aws, Priority: 10},
		},
		UserAttributes: map[string]interface{}{"base": map[string]interface{}{"port": "80"}},
	}
	if err := store.CreateEnvironment(ctx, env); err != nil {
		t.Fatalf("failed to create environment: %v", err)
	}
	return env
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"clouds", "pattern_snapshots", "environments", "candidates",
		"environment_patterns", "stacks", "deployments", "images"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to re-run migrations: %v", err)
	}
}

func TestLoadEnvironment(t *testing.T) {
	store := setupTestStore(t)
	seedEnvironment(t, store)
	ctx := context.Background()

	env, err := store.LoadEnvironment(ctx, "env-1")
	if err != nil {
		t.Fatalf("failed to load environment: %v", err)
	}

	if env.SystemName != "shop" || env.ApplicationStatus != engine.ApplicationStatusNotDeployed {
		t.Errorf("unexpected environment %+v", env)
	}
	if len(env.Candidates) != 2 || env.Candidates[0].Cloud.ID != "cloud-os" || env.Candidates[1].Priority != 10 {
		t.Errorf("expected candidates in declared order, got %+v", env.Candidates)
	}
	if env.Candidates[0].Cloud.TenantName != "demo" || env.Candidates[1].Cloud.AvailabilityZones[0] != "ap-northeast-1a" {
		t.Errorf("expected cloud fields to round trip, got %+v", env.Candidates)
	}
	if len(env.Patterns) != 2 || !env.Patterns[0].IsPlatform() {
		t.Fatalf("expected platform pattern first, got %+v", env.Patterns)
	}
	if string(env.Patterns[0].Templates["cloud_formation"]) != `{"Resources":{}}` {
		t.Errorf("expected template to round trip, got %q", env.Patterns[0].Templates["cloud_formation"])
	}
	if err := env.Validate(); err != nil {
		t.Errorf("expected a valid environment, got %v", err)
	}

	if _, err := store.LoadEnvironment(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestDuplicateCandidateRejected(t *testing.T) {
	store := setupTestStore(t)
	env := seedEnvironment(t, store)
	ctx := context.Background()

	dup := &engine.Environment{
		ID:         "env-2",
		Name:       "staging",
		Patterns:   env.Patterns,
		Candidates: []engine.Candidate{env.Candidates[0], env.Candidates[0]},
	}
	if err := store.CreateEnvironment(ctx, dup); err == nil {
		t.Fatal("expected a duplicate candidate to be rejected")
	}
	if _, err := store.LoadEnvironment(ctx, "env-2"); !engine.IsNotFound(err) {
		t.Errorf("expected the failed environment to be rolled back, got %v", err)
	}
}

func TestStackCRUD(t *testing.T) {
	store := setupTestStore(t)
	env := seedEnvironment(t, store)
	ctx := context.Background()

	stack := engine.NewStack(env, env.Patterns[0], env.Candidates[1].Cloud)
	if err := store.CreateStack(ctx, stack); err != nil {
		t.Fatalf("failed to create stack: %v", err)
	}

	stack.Status = engine.StackStatusCreateComplete
	stack.Provider = "cloud_formation"
	stack.Template = []byte(`{"Resources":{"Web":{}}}`)
	stack.Outputs = map[string]string{"FrontendAddress": "10.0.0.1"}
	stack.UpdatedAt = time.Now()
	if err := store.UpdateStack(ctx, stack); err != nil {
		t.Fatalf("failed to update stack: %v", err)
	}

	loaded, err := store.LoadEnvironment(ctx, env.ID)
	if err != nil {
		t.Fatalf("failed to load environment: %v", err)
	}
	if len(loaded.Stacks) != 1 {
		t.Fatalf("expected 1 stack, got %d", len(loaded.Stacks))
	}
	got := loaded.Stacks[0]
	if got.Status != engine.StackStatusCreateComplete || got.Provider != "cloud_formation" {
		t.Errorf("unexpected stack %+v", got)
	}
	if got.Outputs["FrontendAddress"] != "10.0.0.1" || string(got.Template) != `{"Resources":{"Web":{}}}` {
		t.Errorf("expected outputs and template to round trip, got %+v", got)
	}
	if got.Pattern != loaded.Patterns[0] || got.Cloud != loaded.Candidates[1].Cloud {
		t.Error("expected the stack to share the environment's pattern and cloud records")
	}

	complete, err := store.ListStacksByStatus(ctx, engine.StackStatusCreateComplete)
	if err != nil {
		t.Fatalf("failed to list stacks: %v", err)
	}
	if len(complete) != 1 || complete[0].ID != stack.ID {
		t.Errorf("expected the stack by status, got %+v", complete)
	}

	if err := store.DeleteStack(ctx, stack.ID); err != nil {
		t.Fatalf("failed to delete stack: %v", err)
	}
	if err := store.DeleteStack(ctx, stack.ID); !engine.IsNotFound(err) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
	if err := store.UpdateStack(ctx, stack); !engine.IsNotFound(err) {
		t.Errorf("expected not found on update, got %v", err)
	}
}

func TestSaveEnvironment(t *testing.T) {
	store := setupTestStore(t)
	env := seedEnvironment(t, store)
	ctx := context.Background()

	env.FrontendAddress = "10.0.0.1"
	env.PlatformOutputs = map[string]string{"FrontendAddress": "10.0.0.1", "VpcId": "vpc-1"}
	env.ApplicationStatus = engine.ApplicationStatusDeployComplete
	if err := store.SaveEnvironment(ctx, env); err != nil {
		t.Fatalf("failed to save environment: %v", err)
	}

	loaded, err := store.LoadEnvironment(ctx, env.ID)
	if err != nil {
		t.Fatalf("failed to load environment: %v", err)
	}
	if loaded.FrontendAddress != "10.0.0.1" || loaded.PlatformOutputs["VpcId"] != "vpc-1" {
		t.Errorf("unexpected environment %+v", loaded)
	}
	if loaded.ApplicationStatus != engine.ApplicationStatusDeployComplete {
		t.Errorf("expected DEPLOY_COMPLETE, got %s", loaded.ApplicationStatus)
	}

	if err := store.SaveEnvironment(ctx, &engine.Environment{ID: "missing"}); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestDeleteEnvironmentCascades(t *testing.T) {
	store := setupTestStore(t)
	env := seedEnvironment(t, store)
	ctx := context.Background()

	stack := engine.NewStack(env, env.Patterns[0], env.Candidates[0].Cloud)
	if err := store.CreateStack(ctx, stack); err != nil {
		t.Fatalf("failed to create stack: %v", err)
	}
	if err := store.CreateDeployment(ctx, env.ID, &engine.Deployment{ID: "d-1", Application: "shop"}); err != nil {
		t.Fatalf("failed to create deployment: %v", err)
	}

	if err := store.DeleteEnvironment(ctx, env.ID); err != nil {
		t.Fatalf("failed to delete environment: %v", err)
	}

	for _, table := range []string{"stacks", "deployments", "candidates", "environment_patterns"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Fatalf("failed to count %s: %v", table, err)
		}
		if count != 0 {
			t.Errorf("expected %s to be emptied, got %d rows", table, count)
		}
	}
}

func TestDeployments(t *testing.T) {
	store := setupTestStore(t)
	env := seedEnvironment(t, store)
	ctx := context.Background()

	first := &engine.Deployment{ID: "d-1", Application: "shop", Version: "1.0",
		CreatedAt: time.Now().Add(-time.Hour)}
	second := &engine.Deployment{ID: "d-2", Application: "shop", Version: "1.1",
		Parameters: map[string]string{"branch": "main"}}
	for _, d := range []*engine.Deployment{first, second} {
		if err := store.CreateDeployment(ctx, env.ID, d); err != nil {
			t.Fatalf("failed to create deployment: %v", err)
		}
	}

	second.Status = engine.DeploymentStatusDeployComplete
	if err := store.UpdateDeployment(ctx, second); err != nil {
		t.Fatalf("failed to update deployment: %v", err)
	}
	if err := store.UpdateDeployment(ctx, &engine.Deployment{ID: "d-1", Status: "BOGUS"}); err == nil {
		t.Error("expected an invalid status to be rejected")
	}

	loaded, err := store.LoadEnvironment(ctx, env.ID)
	if err != nil {
		t.Fatalf("failed to load environment: %v", err)
	}
	if len(loaded.Deployments) != 2 || loaded.Deployments[0].ID != "d-1" {
		t.Fatalf("expected deployments oldest first, got %+v", loaded.Deployments)
	}
	latest := loaded.LatestDeployments()
	if len(latest) != 1 || latest[0].ID != "d-2" || latest[0].Status != engine.DeploymentStatusDeployComplete {
		t.Errorf("unexpected latest deployment %+v", latest)
	}
	if latest[0].Parameters["branch"] != "main" {
		t.Errorf("expected parameters to round trip, got %v", latest[0].Parameters)
	}
}

func TestUpsertImage(t *testing.T) {
	store := setupTestStore(t)
	seedEnvironment(t, store)
	ctx := context.Background()

	img := &engine.Image{
		PatternSnapshotID: "pattern-platform",
		CloudID:           "cloud-aws",
		BaseImage:         "ami-base",
		Role:              "web",
		OSVersion:         "centos",
		Status:            engine.ImageStatusProgress,
	}
	if err := store.UpsertImage(ctx, img); err != nil {
		t.Fatalf("failed to insert image: %v", err)
	}
	id := img.ID

	done := &engine.Image{
		PatternSnapshotID: "pattern-platform",
		CloudID:           "cloud-aws",
		BaseImage:         "ami-base",
		Role:              "web",
		OSVersion:         "centos",
		ImageID:           "ami-123",
		Status:            engine.ImageStatusCreateComplete,
	}
	if err := store.UpsertImage(ctx, done); err != nil {
		t.Fatalf("failed to update image: %v", err)
	}
	if done.ID != id {
		t.Errorf("expected the existing image %s to be updated, got %s", id, done.ID)
	}

	images, err := store.ListImages(ctx, "pattern-platform")
	if err != nil {
		t.Fatalf("failed to list images: %v", err)
	}
	if len(images) != 1 || images[0].ImageID != "ami-123" || images[0].Status != engine.ImageStatusCreateComplete {
		t.Errorf("unexpected images %+v", images)
	}

	env, err := store.LoadEnvironment(ctx, "env-1")
	if err != nil {
		t.Fatalf("failed to load environment: %v", err)
	}
	if len(env.Patterns[0].Images) != 1 {
		t.Errorf("expected the pattern to carry its image, got %+v", env.Patterns[0].Images)
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected an empty path to be rejected")
	}

	store, err := NewSQLiteStore(Config{Path: t.TempDir() + "/conductor.db"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}
