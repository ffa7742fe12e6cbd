package repository

import (
	"context"

	"github.com/hostedeth/deployer/internal/domain"
)

// DeploymentRepository persists deployment records. UpdateDeployment uses
// optimistic versioning: it only writes when the stored version matches the
// record's and returns ErrConflict otherwise, so two concurrent work-item
// invocations can never both advance the same record.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByName(ctx context.Context, name string) (*domain.Deployment, error)
	GetDeploymentByPipelineID(ctx context.Context, pipelineID string) (*domain.Deployment, error)
	ListDeploymentsByOwner(ctx context.Context, ownerUsername string) ([]domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
}

// NonceRepository is the per-chain transaction counter. AdvanceNonce is a
// compare-and-advance: it increments only when the stored counter still
// equals usedNonce. Ledger rows are provisioned out-of-band; a missing chain
// is ErrNotFound and treated as a configuration error by callers.
type NonceRepository interface {
	NextNonce(ctx context.Context, chain string) (uint64, error)
	AdvanceNonce(ctx context.Context, chain string, usedNonce uint64) error
}
