package deploy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/hostedeth/deployer/internal/domain"
	"github.com/hostedeth/deployer/internal/repository"
	"github.com/hostedeth/deployer/internal/service/pipeline"
)

var (
	// ErrInvalidInput marks a create request with missing or malformed fields.
	ErrInvalidInput = errors.New("invalid deployment input")
	// ErrNameTaken marks a create request for a name that already exists.
	ErrNameTaken = errors.New("deployment name already taken")
	// ErrForbidden marks access to a deployment owned by another user.
	ErrForbidden = errors.New("deployment owned by another user")
	// ErrNotFound marks a lookup for a deployment that does not exist.
	ErrNotFound = errors.New("deployment not found")
)

var nameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// PipelineProvisioner creates and manages build pipelines for deployments.
type PipelineProvisioner interface {
	CreatePipeline(ctx context.Context, input pipeline.CreateInput) error
}

// Scheduler enqueues an orchestrator check for a deployment.
type Scheduler interface {
	ScheduleCheck(ctx context.Context, name string, delay time.Duration) error
}

// Publisher receives deployment snapshots after mutations.
type Publisher interface {
	Publish(d *domain.Deployment)
}

// Service owns the deployment request surface: creating records, answering
// reads with ownership checks, and folding pipeline webhook events into the
// record. Everything past the build stage belongs to the orchestrator.
type Service struct {
	records   repository.DeploymentRepository
	pipelines PipelineProvisioner
	scheduler Scheduler
	events    Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs a deployment service.
func New(records repository.DeploymentRepository, pipelines PipelineProvisioner,
	scheduler Scheduler, events Publisher, logger *slog.Logger) *Service {
	return &Service{
		records:   records,
		pipelines: pipelines,
		scheduler: scheduler,
		events:    events,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateInput describes a requested deployment. Name becomes the ENS
// subdomain label; the repository fields describe what to fetch and build.
type CreateInput struct {
	Name          string
	Owner         string
	Repository    string
	Branch        string
	PackageDir    string
	BuildDir      string
	OwnerUsername string
	OAuthToken    string
}

func (in CreateInput) validate() error {
	if !nameRe.MatchString(in.Name) {
		return fmt.Errorf("%w: name must be a lowercase dns label", ErrInvalidInput)
	}
	if in.Owner == "" || in.Repository == "" {
		return fmt.Errorf("%w: repository owner and name are required", ErrInvalidInput)
	}
	if in.Branch == "" {
		return fmt.Errorf("%w: branch is required", ErrInvalidInput)
	}
	if in.BuildDir == "" {
		return fmt.Errorf("%w: build dir is required", ErrInvalidInput)
	}
	if in.OwnerUsername == "" {
		return fmt.Errorf("%w: authenticated username is required", ErrInvalidInput)
	}
	return nil
}

// CreateDeployment records a new deployment in its initial state and
// provisions a build pipeline for it.
func (s *Service) CreateDeployment(ctx context.Context, in CreateInput) (*domain.Deployment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if _, err := s.records.GetDeploymentByName(ctx, in.Name); err == nil {
		return nil, ErrNameTaken
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	rec := &domain.Deployment{
		Name:          in.Name,
		PipelineID:    "ipfs-ens-builder-" + uuid.NewString(),
		Owner:         in.Owner,
		Repository:    in.Repository,
		Branch:        in.Branch,
		PackageDir:    in.PackageDir,
		BuildDir:      in.BuildDir,
		OwnerUsername: in.OwnerUsername,
		State:         domain.StateFetchingSource,
		Transitions:   map[domain.Stage]domain.StageTransition{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.records.CreateDeployment(ctx, rec); err != nil {
		return nil, fmt.Errorf("create deployment record: %w", err)
	}

	err := s.pipelines.CreatePipeline(ctx, pipeline.CreateInput{
		PipelineID: rec.PipelineID,
		Name:       rec.Name,
		Owner:      rec.Owner,
		Repository: rec.Repository,
		Branch:     rec.Branch,
		PackageDir: rec.PackageDir,
		BuildDir:   rec.BuildDir,
		OAuthToken: in.OAuthToken,
	})
	if err != nil {
		rec.LastError = &domain.StageError{Stage: domain.StageSource, Message: err.Error(), Timestamp: s.now()}
		if uerr := s.records.UpdateDeployment(ctx, rec); uerr != nil {
			s.logger.Error("failed to record pipeline provisioning error", "deployment", rec.Name, "error", uerr)
		}
		return nil, fmt.Errorf("provision pipeline: %w", err)
	}

	s.logger.Info("deployment created", "deployment", rec.Name, "pipeline_id", rec.PipelineID, "user", rec.OwnerUsername)
	s.publish(rec)
	return rec, nil
}

// GetDeployment returns a deployment if it exists and belongs to username.
func (s *Service) GetDeployment(ctx context.Context, name, username string) (*domain.Deployment, error) {
	rec, err := s.records.GetDeploymentByName(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.OwnerUsername != username {
		return nil, ErrForbidden
	}
	return rec, nil
}

// ListDeployments returns all deployments owned by username.
func (s *Service) ListDeployments(ctx context.Context, username string) ([]domain.Deployment, error) {
	return s.records.ListDeploymentsByOwner(ctx, username)
}

// TransitionEvent is a pipeline webhook payload: one stage finished (or
// failed) for the pipeline identified by PipelineID.
type TransitionEvent struct {
	PipelineID        string `json:"pipeline_id"`
	Stage             string `json:"stage"`
	Failed            bool   `json:"failed"`
	Message           string `json:"message,omitempty"`
	ArtifactSizeBytes int64  `json:"artifact_size_bytes,omitempty"`
}

// ProcessPipelineTransition folds a pipeline stage event into the deployment
// record. A successful build hands the record to the orchestrator via an
// immediate scheduled check. Events for states the record already left are
// logged and dropped, which makes webhook redelivery harmless.
func (s *Service) ProcessPipelineTransition(ctx context.Context, ev TransitionEvent) error {
	rec, err := s.records.GetDeploymentByPipelineID(ctx, ev.PipelineID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: no deployment for pipeline %s", ErrNotFound, ev.PipelineID)
		}
		return err
	}
	log := s.logger.With("deployment", rec.Name, "pipeline_id", ev.PipelineID, "stage", ev.Stage)

	var stage domain.Stage
	var expected domain.DeployState
	switch ev.Stage {
	case string(domain.StageSource):
		stage, expected = domain.StageSource, domain.StateFetchingSource
	case string(domain.StageBuild):
		stage, expected = domain.StageBuild, domain.StateBuilding
	default:
		return fmt.Errorf("%w: unknown pipeline stage %q", ErrInvalidInput, ev.Stage)
	}

	if ev.Failed {
		rec.LastError = &domain.StageError{Stage: stage, Message: ev.Message, Timestamp: s.now()}
		rec.UpdatedAt = s.now()
		if err := s.records.UpdateDeployment(ctx, rec); err != nil {
			return fmt.Errorf("record pipeline failure: %w", err)
		}
		log.Warn("pipeline stage failed", "message", ev.Message)
		s.publish(rec)
		return nil
	}

	if rec.State != expected {
		log.Warn("dropping stale pipeline event", "state", rec.State)
		return nil
	}

	now := s.now()
	tr := domain.StageTransition{Timestamp: &now}
	if ev.ArtifactSizeBytes > 0 {
		size := ev.ArtifactSizeBytes
		tr.ArtifactSizeBytes = &size
	}
	rec.SetTransition(stage, tr)
	rec.State = rec.State.Next()
	if rec.LastError != nil && rec.LastError.Stage == stage {
		rec.LastError = nil
	}
	rec.UpdatedAt = now
	if err := s.records.UpdateDeployment(ctx, rec); err != nil {
		return fmt.Errorf("record pipeline transition: %w", err)
	}
	log.Info("pipeline stage complete", "state", rec.State)
	s.publish(rec)

	if stage == domain.StageBuild {
		if err := s.scheduler.ScheduleCheck(ctx, rec.Name, 0); err != nil {
			return fmt.Errorf("schedule first orchestrator check: %w", err)
		}
	}
	return nil
}

func (s *Service) publish(rec *domain.Deployment) {
	if s.events != nil {
		s.events.Publish(rec)
	}
}
