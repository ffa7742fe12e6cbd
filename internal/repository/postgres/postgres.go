package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hostedeth/deployer/internal/domain"
	"github.com/hostedeth/deployer/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.NonceRepository      = (*Repository)(nil)
)

const deploymentColumns = `name, pipeline_id, owner, repository, branch, package_dir, build_dir,
		owner_username, state, transitions, last_error, version, created_at, updated_at`

// CreateDeployment inserts a new deployment record at version 1.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments (name, pipeline_id, owner, repository, branch, package_dir, build_dir,
		owner_username, state, transitions, last_error, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12, $13)`
	transitions, lastError, err := encodeMutable(d)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		d.Name, d.PipelineID, d.Owner, d.Repository, d.Branch, d.PackageDir, d.BuildDir,
		d.OwnerUsername, string(d.State), transitions, lastError, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return err
	}
	d.Version = 1
	return nil
}

// GetDeploymentByName fetches a deployment by its primary key.
func (r *Repository) GetDeploymentByName(ctx context.Context, name string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE name = $1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, name))
}

// GetDeploymentByPipelineID fetches a deployment by its build pipeline id.
func (r *Repository) GetDeploymentByPipelineID(ctx context.Context, pipelineID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE pipeline_id = $1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, pipelineID))
}

// ListDeploymentsByOwner returns all deployments created by a user.
func (r *Repository) ListDeploymentsByOwner(ctx context.Context, ownerUsername string) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE owner_username = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, ownerUsername)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := r.scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// UpdateDeployment writes the mutable fields of a record, guarded by the
// version the caller read. Zero rows updated means either the record is gone
// or another writer got there first.
func (r *Repository) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `UPDATE deployments
		SET state = $2, transitions = $3, last_error = $4, updated_at = $5, version = version + 1
		WHERE name = $1 AND version = $6`
	transitions, lastError, err := encodeMutable(d)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, query, d.Name, string(d.State), transitions, lastError, d.UpdatedAt, d.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetDeploymentByName(ctx, d.Name); errors.Is(err, repository.ErrNotFound) {
			return repository.ErrNotFound
		}
		return repository.ErrConflict
	}
	d.Version++
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var (
		d           domain.Deployment
		state       string
		transitions []byte
		lastError   []byte
	)
	err := row.Scan(&d.Name, &d.PipelineID, &d.Owner, &d.Repository, &d.Branch, &d.PackageDir, &d.BuildDir,
		&d.OwnerUsername, &state, &transitions, &lastError, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	d.State = domain.DeployState(state)
	if len(transitions) > 0 {
		if err := json.Unmarshal(transitions, &d.Transitions); err != nil {
			return nil, fmt.Errorf("decode transitions for %s: %w", d.Name, err)
		}
	}
	if d.Transitions == nil {
		d.Transitions = make(map[domain.Stage]domain.StageTransition)
	}
	if len(lastError) > 0 {
		var stageErr domain.StageError
		if err := json.Unmarshal(lastError, &stageErr); err != nil {
			return nil, fmt.Errorf("decode last error for %s: %w", d.Name, err)
		}
		d.LastError = &stageErr
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func encodeMutable(d *domain.Deployment) ([]byte, []byte, error) {
	transitions := d.Transitions
	if transitions == nil {
		transitions = make(map[domain.Stage]domain.StageTransition)
	}
	encoded, err := json.Marshal(transitions)
	if err != nil {
		return nil, nil, fmt.Errorf("encode transitions for %s: %w", d.Name, err)
	}
	var lastError []byte
	if d.LastError != nil {
		lastError, err = json.Marshal(d.LastError)
		if err != nil {
			return nil, nil, fmt.Errorf("encode last error for %s: %w", d.Name, err)
		}
	}
	return encoded, lastError, nil
}

// Ping verifies database connectivity, used by the health endpoint.
func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.pool.Ping(ctx)
}
