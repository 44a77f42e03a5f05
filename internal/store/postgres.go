package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manimstudio/api/internal/model"
)

const projectColumns = `id, owner_id, title, prompt, status, source, artifact_location, error_reason,
	quality, resolution, fps, active_job_id, attempts, version, created_at, updated_at`

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id                TEXT PRIMARY KEY,
	owner_id          TEXT NOT NULL,
	title             TEXT NOT NULL,
	prompt            TEXT NOT NULL,
	status            TEXT NOT NULL,
	source            TEXT,
	artifact_location TEXT,
	error_reason      TEXT,
	quality           TEXT NOT NULL,
	resolution        TEXT NOT NULL,
	fps               INTEGER NOT NULL,
	active_job_id     TEXT NOT NULL DEFAULT '',
	attempts          INTEGER NOT NULL DEFAULT 0,
	version           BIGINT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_projects_owner_created ON projects(owner_id, created_at DESC);
`

// PostgresStore keeps projects in a single table; writes are guarded by the version column.
type PostgresStore struct {
	Pool *pgxpool.Pool
	now  func() time.Time
}

// ConnectPostgres opens a pool and ensures the schema exists
func ConnectPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool, now: time.Now}
}

// Migrate creates the projects table if needed
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate projects table: %w", err)
	}
	return nil
}

// Close releases the pool
func (s *PostgresStore) Close() {
	s.Pool.Close()
}

func (s *PostgresStore) Create(ctx context.Context, ownerID, prompt, title string) (*model.Project, error) {
	p := model.NewProject(uuid.New().String(), ownerID, prompt, title, s.now().UTC())

	query := `
		INSERT INTO projects (` + projectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := s.Pool.Exec(ctx, query,
		p.ID, p.OwnerID, p.Title, p.Prompt, p.Status, p.Source, p.ArtifactLocation, p.ErrorReason,
		p.RenderOptions.Quality, p.RenderOptions.Resolution, p.RenderOptions.FPS,
		p.ActiveJobID, p.Attempts, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	return p, nil
}

func (s *PostgresStore) Get(ctx context.Context, id, ownerID string) (*model.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1 AND owner_id = $2`

	project, err := scanProject(s.Pool.QueryRow(ctx, query, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) List(ctx context.Context, ownerID string) ([]model.Project, error) {
	query := `
		SELECT ` + projectColumns + `
		FROM projects
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.Pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []model.Project{}
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, project.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}

	return projects, nil
}

func (s *PostgresStore) UpdateDetails(ctx context.Context, id, ownerID string, d model.Details) (*model.Project, error) {
	return s.mutate(ctx, id, ownerID, func(p *model.Project) error {
		return model.ApplyDetails(p, d, s.now().UTC())
	})
}

func (s *PostgresStore) Transition(ctx context.Context, id, ownerID string, t model.Transition) (*model.Project, error) {
	return s.mutate(ctx, id, ownerID, func(p *model.Project) error {
		return model.Apply(p, t, s.now().UTC())
	})
}

func (s *PostgresStore) Delete(ctx context.Context, id, ownerID string) error {
	result, err := s.Pool.Exec(ctx, `DELETE FROM projects WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// mutate reads the row, applies fn and writes it back only if the version is unchanged.
func (s *PostgresStore) mutate(ctx context.Context, id, ownerID string, fn func(p *model.Project) error) (*model.Project, error) {
	query := `
		UPDATE projects SET
			title = $4, prompt = $5, status = $6, source = $7, artifact_location = $8,
			error_reason = $9, quality = $10, resolution = $11, fps = $12,
			active_job_id = $13, attempts = $14, version = $15, updated_at = $16
		WHERE id = $1 AND owner_id = $2 AND version = $3
	`

	for i := 0; i < maxCASRetries; i++ {
		p, err := s.Get(ctx, id, ownerID)
		if err != nil {
			return nil, err
		}

		prior := p.Version
		if err := fn(p); err != nil {
			return nil, conflict(err)
		}

		result, err := s.Pool.Exec(ctx, query,
			p.ID, p.OwnerID, prior,
			p.Title, p.Prompt, p.Status, p.Source, p.ArtifactLocation, p.ErrorReason,
			p.RenderOptions.Quality, p.RenderOptions.Resolution, p.RenderOptions.FPS,
			p.ActiveJobID, p.Attempts, p.Version, p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update project: %w", err)
		}
		if result.RowsAffected() == 1 {
			return p, nil
		}
	}
	return nil, fmt.Errorf("failed to update project %s: too much contention", id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*model.Project, error) {
	var p model.Project
	err := row.Scan(
		&p.ID,
		&p.OwnerID,
		&p.Title,
		&p.Prompt,
		&p.Status,
		&p.Source,
		&p.ArtifactLocation,
		&p.ErrorReason,
		&p.RenderOptions.Quality,
		&p.RenderOptions.Resolution,
		&p.RenderOptions.FPS,
		&p.ActiveJobID,
		&p.Attempts,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
