package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/cloudconductor/conductor/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Repository on SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.inMemory() {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if !s.cfg.inMemory() {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateCloud creates a cloud record
func (s *SQLiteStore) CreateCloud(ctx context.Context, cloud *engine.Cloud) error {
	zones, err := encode(cloud.AvailabilityZones, "[]")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO clouds (id, name, type, entrypoint, key, secret, tenant_name, region, availability_zones, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		cloud.ID,
		cloud.Name,
		cloud.Type,
		cloud.Entrypoint,
		cloud.Key,
		cloud.Secret,
		cloud.TenantName,
		cloud.Region,
		zones,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to create cloud: %w", err)
	}

	return nil
}

// GetCloud retrieves a cloud by ID
func (s *SQLiteStore) GetCloud(ctx context.Context, id string) (*engine.Cloud, error) {
	query := `
		SELECT id, name, type, entrypoint, key, secret, tenant_name, region, availability_zones
		FROM clouds
		WHERE id = ?
	`

	cloud, err := scanCloud(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("cloud", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cloud: %w", err)
	}

	return cloud, nil
}

func scanCloud(row scanner) (*engine.Cloud, error) {
	cloud := &engine.Cloud{}
	var zones string
	err := row.Scan(
		&cloud.ID,
		&cloud.Name,
		&cloud.Type,
		&cloud.Entrypoint,
		&cloud.Key,
		&cloud.Secret,
		&cloud.TenantName,
		&cloud.Region,
		&zones,
	)
	if err != nil {
		return nil, err
	}
	if err := decode("availability_zones", zones, &cloud.AvailabilityZones); err != nil {
		return nil, err
	}
	return cloud, nil
}

// CreatePatternSnapshot creates a frozen pattern record. Its images are
// stored with UpsertImage.
func (s *SQLiteStore) CreatePatternSnapshot(ctx context.Context, p *engine.PatternSnapshot) error {
	providers, err := encode(p.Providers, "{}")
	if err != nil {
		return err
	}
	roles, err := encode(p.Roles, "[]")
	if err != nil {
		return err
	}
	templates, err := encode(p.Templates, "{}")
	if err != nil {
		return err
	}
	counts, err := encode(p.InstanceCounts, "{}")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pattern_snapshots (id, name, url, revision, type, providers, roles, templates, instance_counts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		p.ID,
		p.Name,
		p.URL,
		p.Revision,
		p.Type,
		providers,
		roles,
		templates,
		counts,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to create pattern snapshot: %w", err)
	}

	return nil
}

// GetPatternSnapshot retrieves a pattern snapshot with its images.
func (s *SQLiteStore) GetPatternSnapshot(ctx context.Context, id string) (*engine.PatternSnapshot, error) {
	query := `
		SELECT id, name, url, revision, type, providers, roles, templates, instance_counts
		FROM pattern_snapshots
		WHERE id = ?
	`

	p, err := scanPatternSnapshot(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("pattern snapshot", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pattern snapshot: %w", err)
	}

	if p.Images, err = s.listImages(ctx, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

func scanPatternSnapshot(row scanner) (*engine.PatternSnapshot, error) {
	p := &engine.PatternSnapshot{}
	var providers, roles, templates, counts string
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.URL,
		&p.Revision,
		&p.Type,
		&providers,
		&roles,
		&templates,
		&counts,
	)
	if err != nil {
		return nil, err
	}
	if err := decode("providers", providers, &p.Providers); err != nil {
		return nil, err
	}
	if err := decode("roles", roles, &p.Roles); err != nil {
		return nil, err
	}
	if err := decode("templates", templates, &p.Templates); err != nil {
		return nil, err
	}
	if err := decode("instance_counts", counts, &p.InstanceCounts); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateEnvironment creates an environment with its candidates and pattern
// list. Clouds and pattern snapshots must exist. Stacks and deployments are
// stored separately.
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *engine.Environment) error {
	now := time.Now()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	env.UpdatedAt = now
	if env.ApplicationStatus == "" {
		env.ApplicationStatus = engine.ApplicationStatusNotDeployed
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertEnvironment(ctx, tx, env); err != nil {
			return err
		}

		for i, c := range env.Candidates {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO candidates (environment_id, cloud_id, priority, position) VALUES (?, ?, ?, ?)`,
				env.ID, c.Cloud.ID, c.Priority, i)
			if err != nil {
				return fmt.Errorf("failed to add candidate %s: %w", c.Cloud.ID, err)
			}
		}

		for i, p := range env.Patterns {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO environment_patterns (environment_id, pattern_snapshot_id, position) VALUES (?, ?, ?)`,
				env.ID, p.ID, i)
			if err != nil {
				return fmt.Errorf("failed to add pattern %s: %w", p.Name, err)
			}
		}
		return nil
	})
}

func insertEnvironment(ctx context.Context, tx *sql.Tx, env *engine.Environment) error {
	outputs, attrs, params, err := environmentColumns(env)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO environments (
			id, name, system_name, frontend_address, platform_outputs,
			user_attributes, template_parameters, application_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		env.ID,
		env.Name,
		env.SystemName,
		env.FrontendAddress,
		outputs,
		attrs,
		params,
		env.ApplicationStatus,
		env.CreatedAt,
		env.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create environment: %w", err)
	}
	return nil
}

func environmentColumns(env *engine.Environment) (outputs, attrs, params string, err error) {
	if outputs, err = encode(env.PlatformOutputs, "{}"); err != nil {
		return
	}
	if attrs, err = encode(env.UserAttributes, "{}"); err != nil {
		return
	}
	params, err = encode(env.TemplateParameters, "{}")
	return
}

// SaveEnvironment persists the environment-level fields.
func (s *SQLiteStore) SaveEnvironment(ctx context.Context, env *engine.Environment) error {
	outputs, attrs, params, err := environmentColumns(env)
	if err != nil {
		return err
	}
	env.UpdatedAt = time.Now()

	query := `
		UPDATE environments
		SET name = ?, system_name = ?, frontend_address = ?, platform_outputs = ?,
			user_attributes = ?, template_parameters = ?, application_status = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		env.Name,
		env.SystemName,
		env.FrontendAddress,
		outputs,
		attrs,
		params,
		env.ApplicationStatus,
		env.UpdatedAt,
		env.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save environment: %w", err)
	}

	return affected(result, "environment", env.ID)
}

// DeleteEnvironment deletes an environment with its candidates, stacks and
// deployments.
func (s *SQLiteStore) DeleteEnvironment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete environment: %w", err)
	}

	return affected(result, "environment", id)
}

// LoadEnvironment loads an environment with its candidates, pattern
// snapshots, stacks and deployments.
func (s *SQLiteStore) LoadEnvironment(ctx context.Context, id string) (*engine.Environment, error) {
	query := `
		SELECT id, name, system_name, frontend_address, platform_outputs,
			   user_attributes, template_parameters, application_status, created_at, updated_at
		FROM environments
		WHERE id = ?
	`

	env := &engine.Environment{}
	var outputs, attrs, params string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&env.ID,
		&env.Name,
		&env.SystemName,
		&env.FrontendAddress,
		&outputs,
		&attrs,
		&params,
		&env.ApplicationStatus,
		&env.CreatedAt,
		&env.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, notFound("environment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}
	if err := decode("platform_outputs", outputs, &env.PlatformOutputs); err != nil {
		return nil, err
	}
	if err := decode("user_attributes", attrs, &env.UserAttributes); err != nil {
		return nil, err
	}
	if err := decode("template_parameters", params, &env.TemplateParameters); err != nil {
		return nil, err
	}

	if env.Candidates, err = s.listCandidates(ctx, id); err != nil {
		return nil, err
	}
	if env.Patterns, err = s.listEnvironmentPatterns(ctx, id); err != nil {
		return nil, err
	}
	if env.Stacks, err = s.listStacks(ctx, env); err != nil {
		return nil, err
	}
	if env.Deployments, err = s.listDeployments(ctx, id); err != nil {
		return nil, err
	}

	return env, nil
}

func (s *SQLiteStore) listCandidates(ctx context.Context, environmentID string) ([]engine.Candidate, error) {
	query := `
		SELECT c.id, c.name, c.type, c.entrypoint, c.key, c.secret, c.tenant_name, c.region, c.availability_zones,
			   ca.priority
		FROM candidates ca
		JOIN clouds c ON c.id = ca.cloud_id
		WHERE ca.environment_id = ?
		ORDER BY ca.position ASC
	`

	rows, err := s.db.QueryContext(ctx, query, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	defer rows.Close()

	candidates := []engine.Candidate{}
	for rows.Next() {
		var priority int
		var zones string
		cloud := &engine.Cloud{}
		err := rows.Scan(
			&cloud.ID,
			&cloud.Name,
			&cloud.Type,
			&cloud.Entrypoint,
			&cloud.Key,
			&cloud.Secret,
			&cloud.TenantName,
			&cloud.Region,
			&zones,
			&priority,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		if err := decode("availability_zones", zones, &cloud.AvailabilityZones); err != nil {
			return nil, err
		}
		candidates = append(candidates, engine.Candidate{Cloud: cloud, Priority: priority})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}

	return candidates, nil
}

func (s *SQLiteStore) listEnvironmentPatterns(ctx context.Context, environmentID string) ([]*engine.PatternSnapshot, error) {
	query := `
		SELECT p.id, p.name, p.url, p.revision, p.type, p.providers, p.roles, p.templates, p.instance_counts
		FROM environment_patterns ep
		JOIN pattern_snapshots p ON p.id = ep.pattern_snapshot_id
		WHERE ep.environment_id = ?
		ORDER BY ep.position ASC
	`

	rows, err := s.db.QueryContext(ctx, query, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	defer rows.Close()

	patterns := []*engine.PatternSnapshot{}
	for rows.Next() {
		p, err := scanPatternSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating patterns: %w", err)
	}
	rows.Close()

	for _, p := range patterns {
		if p.Images, err = s.listImages(ctx, p.ID); err != nil {
			return nil, err
		}
	}
	return patterns, nil
}

// listStacks loads the stacks of env, pointing each at the environment's
// own pattern and candidate cloud records.
func (s *SQLiteStore) listStacks(ctx context.Context, env *engine.Environment) ([]*engine.Stack, error) {
	query := `
		SELECT id, environment_id, pattern_snapshot_id, cloud_id, name, provider, status,
			   template, parameters, outputs, created_at, updated_at
		FROM stacks
		WHERE environment_id = ?
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, env.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stacks: %w", err)
	}
	defer rows.Close()

	type ref struct {
		stack     *engine.Stack
		patternID string
		cloudID   string
	}
	var refs []ref
	for rows.Next() {
		st := &engine.Stack{}
		var patternID, cloudID, params, outputs string
		err := rows.Scan(
			&st.ID,
			&st.EnvironmentID,
			&patternID,
			&cloudID,
			&st.Name,
			&st.Provider,
			&st.Status,
			&st.Template,
			&params,
			&outputs,
			&st.CreatedAt,
			&st.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stack: %w", err)
		}
		if err := decode("parameters", params, &st.Parameters); err != nil {
			return nil, err
		}
		if err := decode("outputs", outputs, &st.Outputs); err != nil {
			return nil, err
		}
		refs = append(refs, ref{stack: st, patternID: patternID, cloudID: cloudID})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stacks: %w", err)
	}
	rows.Close()

	patterns := make(map[string]*engine.PatternSnapshot, len(env.Patterns))
	for _, p := range env.Patterns {
		patterns[p.ID] = p
	}
	clouds := make(map[string]*engine.Cloud, len(env.Candidates))
	for _, c := range env.Candidates {
		clouds[c.Cloud.ID] = c.Cloud
	}

	stacks := make([]*engine.Stack, 0, len(refs))
	for _, r := range refs {
		if r.stack.Pattern = patterns[r.patternID]; r.stack.Pattern == nil {
			if r.stack.Pattern, err = s.GetPatternSnapshot(ctx, r.patternID); err != nil {
				return nil, err
			}
		}
		if r.stack.Cloud = clouds[r.cloudID]; r.stack.Cloud == nil {
			if r.stack.Cloud, err = s.GetCloud(ctx, r.cloudID); err != nil {
				return nil, err
			}
		}
		stacks = append(stacks, r.stack)
	}
	return stacks, nil
}

// CreateStack creates a stack record
func (s *SQLiteStore) CreateStack(ctx context.Context, st *engine.Stack) error {
	if st.Pattern == nil || st.Cloud == nil {
		return engine.NewPermanentError("stack needs a pattern and a cloud", nil).
			WithCode(engine.ErrCodeValidation).WithResource(st.Name)
	}
	params, err := encode(st.Parameters, "{}")
	if err != nil {
		return err
	}
	outputs, err := encode(st.Outputs, "{}")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO stacks (
			id, environment_id, pattern_snapshot_id, cloud_id, name, provider, status,
			template, parameters, outputs, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		st.ID,
		st.EnvironmentID,
		st.Pattern.ID,
		st.Cloud.ID,
		st.Name,
		st.Provider,
		st.Status,
		st.Template,
		params,
		outputs,
		st.CreatedAt,
		st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create stack: %w", err)
	}

	return nil
}

// UpdateStack persists the mutable fields of a stack record
func (s *SQLiteStore) UpdateStack(ctx context.Context, st *engine.Stack) error {
	params, err := encode(st.Parameters, "{}")
	if err != nil {
		return err
	}
	outputs, err := encode(st.Outputs, "{}")
	if err != nil {
		return err
	}

	query := `
		UPDATE stacks
		SET provider = ?, status = ?, template = ?, parameters = ?, outputs = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		st.Provider,
		st.Status,
		st.Template,
		params,
		outputs,
		st.UpdatedAt,
		st.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update stack: %w", err)
	}

	return affected(result, "stack", st.ID)
}

// DeleteStack deletes a stack record
func (s *SQLiteStore) DeleteStack(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM stacks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete stack: %w", err)
	}

	return affected(result, "stack", id)
}

// ListStacksByStatus lists stacks in status across environments, oldest first.
func (s *SQLiteStore) ListStacksByStatus(ctx context.Context, status engine.StackStatus) ([]*engine.Stack, error) {
	query := `
		SELECT id, environment_id, name, provider, status, created_at, updated_at
		FROM stacks
		WHERE status = ?
		ORDER BY updated_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list stacks: %w", err)
	}
	defer rows.Close()

	stacks := []*engine.Stack{}
	for rows.Next() {
		st := &engine.Stack{}
		err := rows.Scan(
			&st.ID,
			&st.EnvironmentID,
			&st.Name,
			&st.Provider,
			&st.Status,
			&st.CreatedAt,
			&st.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stack: %w", err)
		}
		stacks = append(stacks, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stacks: %w", err)
	}

	return stacks, nil
}

// CreateDeployment creates a deployment record for an environment.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, environmentID string, d *engine.Deployment) error {
	params, err := encode(d.Parameters, "{}")
	if err != nil {
		return err
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	if d.Status == "" {
		d.Status = engine.DeploymentStatusNotDeployed
	}

	query := `
		INSERT INTO deployments (id, environment_id, application, version, url, revision, parameters, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		d.ID,
		environmentID,
		d.Application,
		d.Version,
		d.URL,
		d.Revision,
		params,
		d.Status,
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}

	return nil
}

// UpdateDeployment persists a deployment status change
func (s *SQLiteStore) UpdateDeployment(ctx context.Context, d *engine.Deployment) error {
	if err := d.Status.Validate(); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `UPDATE deployments SET status = ? WHERE id = ?`, d.Status, d.ID)
	if err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}

	return affected(result, "deployment", d.ID)
}

func (s *SQLiteStore) listDeployments(ctx context.Context, environmentID string) ([]*engine.Deployment, error) {
	query := `
		SELECT id, application, version, url, revision, parameters, status, created_at
		FROM deployments
		WHERE environment_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*engine.Deployment{}
	for rows.Next() {
		d := &engine.Deployment{}
		var params string
		err := rows.Scan(
			&d.ID,
			&d.Application,
			&d.Version,
			&d.URL,
			&d.Revision,
			&params,
			&d.Status,
			&d.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		if err := decode("parameters", params, &d.Parameters); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return deployments, nil
}

// UpsertImage inserts or updates an image keyed by pattern snapshot, cloud,
// OS version and role. The stored ID is written back to img.
func (s *SQLiteStore) UpsertImage(ctx context.Context, img *engine.Image) error {
	if img.ID == "" {
		img.ID = uuid.New().String()
	}

	query := `
		INSERT INTO images (id, pattern_snapshot_id, cloud_id, base_image, role, os_version, image_id, status, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pattern_snapshot_id, cloud_id, os_version, role) DO UPDATE SET
			base_image = excluded.base_image,
			image_id = excluded.image_id,
			status = excluded.status,
			message = excluded.message
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		img.ID,
		img.PatternSnapshotID,
		img.CloudID,
		img.BaseImage,
		img.Role,
		img.OSVersion,
		img.ImageID,
		img.Status,
		img.Message,
	).Scan(&img.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert image: %w", err)
	}

	return nil
}

// ListImages lists the images of a pattern snapshot.
func (s *SQLiteStore) ListImages(ctx context.Context, patternSnapshotID string) ([]*engine.Image, error) {
	images, err := s.listImages(ctx, patternSnapshotID)
	if err != nil {
		return nil, err
	}
	out := make([]*engine.Image, len(images))
	for i := range images {
		out[i] = &images[i]
	}
	return out, nil
}

func (s *SQLiteStore) listImages(ctx context.Context, patternSnapshotID string) ([]engine.Image, error) {
	query := `
		SELECT id, pattern_snapshot_id, cloud_id, base_image, role, os_version, image_id, status, message
		FROM images
		WHERE pattern_snapshot_id = ?
		ORDER BY cloud_id ASC, os_version ASC, role ASC
	`

	rows, err := s.db.QueryContext(ctx, query, patternSnapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	images := []engine.Image{}
	for rows.Next() {
		var img engine.Image
		err := rows.Scan(
			&img.ID,
			&img.PatternSnapshotID,
			&img.CloudID,
			&img.BaseImage,
			&img.Role,
			&img.OSVersion,
			&img.ImageID,
			&img.Status,
			&img.Message,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		images = append(images, img)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating images: %w", err)
	}

	return images, nil
}

var _ engine.Repository = (*SQLiteStore)(nil)
