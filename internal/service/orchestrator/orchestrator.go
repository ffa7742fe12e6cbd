package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/hostedeth/deployer/internal/domain"
	"github.com/hostedeth/deployer/internal/repository"
	"github.com/hostedeth/deployer/pkg/config"
)

// NameRegistry submits ENS transactions and answers the read-only queries
// the orchestrator polls with. Writes return as soon as the transaction is
// accepted for broadcast.
type NameRegistry interface {
	Owner(ctx context.Context, name string) (string, error)
	RegisterSubdomain(ctx context.Context, name string, nonce uint64) (string, error)
	SetResolver(ctx context.Context, name string, nonce uint64) (string, error)
	SetContentID(ctx context.Context, name, contentID string, nonce uint64) (string, error)
	TransactionCount(ctx context.Context) (uint64, error)
	TransactionStatus(ctx context.Context, txHash string) (domain.TxStatus, error)
}

// ContentStore turns a build artifact into a content id.
type ContentStore interface {
	Put(ctx context.Context, artifact []byte) (string, error)
}

// ContentChecker reports whether uploaded content is externally visible.
type ContentChecker interface {
	IsVisible(ctx context.Context, contentID string) (bool, error)
}

// PipelineProvider serves build artifacts and tears pipelines down.
type PipelineProvider interface {
	FetchArtifact(ctx context.Context, pipelineID string) ([]byte, error)
	DeletePipeline(ctx context.Context, pipelineID string) error
}

// Scheduler enqueues a re-invocation for a deployment after a delay. It is
// the only wait mechanism: nothing in the orchestrator blocks on mining or
// propagation.
type Scheduler interface {
	ScheduleCheck(ctx context.Context, name string, delay time.Duration) error
}

// Publisher receives deployment snapshots after every record mutation.
type Publisher interface {
	Publish(d *domain.Deployment)
}

// Orchestrator is the deployment state machine. Each work item loads the
// record, dispatches on state, performs at most one step (submit, confirm,
// or check), and reschedules itself unless the deployment is terminal. All
// state lives in the record; invocations are stateless between polls.
type Orchestrator struct {
	records   repository.DeploymentRepository
	nonces    repository.NonceRepository
	registry  NameRegistry
	store     ContentStore
	checker   ContentChecker
	pipelines PipelineProvider
	scheduler Scheduler
	events    Publisher
	chain     string
	txPoll    time.Duration
	propPoll  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New wires an orchestrator from its collaborators.
func New(records repository.DeploymentRepository, nonces repository.NonceRepository, registry NameRegistry,
	store ContentStore, checker ContentChecker, pipelines PipelineProvider, scheduler Scheduler,
	events Publisher, cfg config.DeployerConfig, logger *slog.Logger) *Orchestrator {
	txPoll := cfg.TxPollInterval
	if txPoll <= 0 {
		txPoll = 30 * time.Second
	}
	propPoll := cfg.PropagationPollInterval
	if propPoll <= 0 {
		propPoll = 60 * time.Second
	}
	return &Orchestrator{
		records:   records,
		nonces:    nonces,
		registry:  registry,
		store:     store,
		checker:   checker,
		pipelines: pipelines,
		scheduler: scheduler,
		events:    events,
		chain:     cfg.Chain,
		txPoll:    txPoll,
		propPoll:  propPoll,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProcessWorkItem advances one deployment by at most one step. It tolerates
// at-least-once delivery: duplicate invocations for a terminal record are
// logged no-ops, and versioned record writes make concurrent invocations for
// the same key yield rather than double-advance.
func (o *Orchestrator) ProcessWorkItem(ctx context.Context, name string) {
	log := o.logger.With("deployment", name)
	rec, err := o.records.GetDeploymentByName(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Error("work item for unknown deployment")
			return
		}
		log.Error("failed to load deployment", "error", err)
		o.schedule(ctx, name, o.txPoll)
		return
	}
	log = log.With("state", rec.State)

	switch rec.State {
	case domain.StateFetchingSource, domain.StateBuilding:
		// These advance via pipeline provider events, not scheduled checks.
		log.Debug("waiting on pipeline stage")
	case domain.StateUploadingContent:
		o.handleUpload(ctx, rec, log)
	case domain.StateRegisteringENS:
		o.handleTxStage(ctx, rec, domain.StageEnsRegister, log, func(ctx context.Context, nonce uint64) (string, error) {
			return o.registry.RegisterSubdomain(ctx, rec.Name, nonce)
		})
	case domain.StateSettingResolver:
		o.handleTxStage(ctx, rec, domain.StageEnsSetResolver, log, func(ctx context.Context, nonce uint64) (string, error) {
			return o.registry.SetResolver(ctx, rec.Name, nonce)
		})
	case domain.StateSettingContent:
		contentID := rec.ContentID()
		if contentID == "" {
			o.halt(ctx, rec, domain.StageEnsSetContent, errors.New("no content id recorded before content transaction"), log)
			return
		}
		o.handleTxStage(ctx, rec, domain.StageEnsSetContent, log, func(ctx context.Context, nonce uint64) (string, error) {
			return o.registry.SetContentID(ctx, rec.Name, contentID, nonce)
		})
	case domain.StatePropagating:
		o.handlePropagation(ctx, rec, log)
	case domain.StateAvailable:
		log.Info("deployment already available, ignoring work item")
	default:
		log.Error("unknown deployment state")
	}
}

// handleUpload fetches the build artifact, writes it to the content store,
// and advances to the first transaction stage.
func (o *Orchestrator) handleUpload(ctx context.Context, rec *domain.Deployment, log *slog.Logger) {
	artifact, err := o.pipelines.FetchArtifact(ctx, rec.PipelineID)
	if err != nil {
		o.stageFailure(ctx, rec, domain.StageContentUpload, err, o.txPoll, log)
		return
	}
	contentID, err := o.store.Put(ctx, artifact)
	if err != nil {
		o.stageFailure(ctx, rec, domain.StageContentUpload, err, o.txPoll, log)
		return
	}
	now := o.now()
	rec.SetTransition(domain.StageContentUpload, domain.StageTransition{Timestamp: &now, ContentID: contentID})
	rec.State = rec.State.Next()
	o.clearStageError(rec, domain.StageContentUpload)
	if !o.update(ctx, rec, log) {
		return
	}
	log.Info("content uploaded", "content_id", contentID)
	o.schedule(ctx, rec.Name, 0)
}

// handleTxStage runs the per-transaction-stage algorithm: submit once when
// no transaction exists and the nonce ledger agrees with the chain, poll for
// confirmation otherwise, and advance state once mined.
func (o *Orchestrator) handleTxStage(ctx context.Context, rec *domain.Deployment, stage domain.Stage,
	log *slog.Logger, submit func(ctx context.Context, nonce uint64) (string, error)) {
	tr, ok := rec.Transition(stage)
	switch {
	case !ok:
		o.submitStage(ctx, rec, stage, log, submit)
	case tr.ConfirmedAt == nil:
		o.confirmStage(ctx, rec, stage, tr, log)
	default:
		// Confirmed but state not yet advanced (crash window between the two
		// writes): finish the advance now.
		rec.State = rec.State.Next()
		if !o.update(ctx, rec, log) {
			return
		}
		o.schedule(ctx, rec.Name, 0)
	}
}

func (o *Orchestrator) submitStage(ctx context.Context, rec *domain.Deployment, stage domain.Stage,
	log *slog.Logger, submit func(ctx context.Context, nonce uint64) (string, error)) {
	chainCount, err := o.registry.TransactionCount(ctx)
	if err != nil {
		o.stageFailure(ctx, rec, stage, err, o.txPoll, log)
		return
	}
	next, err := o.nonces.NextNonce(ctx, o.chain)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			o.halt(ctx, rec, stage, fmt.Errorf("nonce ledger has no entry for chain %q", o.chain), log)
			return
		}
		o.stageFailure(ctx, rec, stage, err, o.txPoll, log)
		return
	}
	if chainCount != next {
		// A transaction is still outstanding somewhere in the system; do not
		// submit on top of it.
		log.Info("nonce ledger and chain disagree, waiting", "ledger", next, "chain_count", chainCount)
		o.schedule(ctx, rec.Name, o.txPoll)
		return
	}

	txHash, err := submit(ctx, next)
	if err != nil {
		o.stageFailure(ctx, rec, stage, err, o.txPoll, log)
		return
	}
	now := o.now()
	nonce := next
	rec.SetTransition(stage, domain.StageTransition{SubmittedAt: &now, TxHash: txHash, Nonce: &nonce})
	o.clearStageError(rec, stage)
	if !o.update(ctx, rec, log) {
		return
	}
	if err := o.nonces.AdvanceNonce(ctx, o.chain, next); err != nil {
		// The transaction is already out; a stale ledger shows up as a
		// ledger/chain mismatch on the next cycle and resolves there.
		log.Error("failed to advance nonce ledger", "nonce", next, "error", err)
	}
	log.Info("transaction submitted", "stage", stage, "nonce", next, "tx", txHash)
	o.schedule(ctx, rec.Name, o.txPoll)
}

func (o *Orchestrator) confirmStage(ctx context.Context, rec *domain.Deployment, stage domain.Stage,
	tr domain.StageTransition, log *slog.Logger) {
	status, err := o.registry.TransactionStatus(ctx, tr.TxHash)
	if err != nil {
		o.stageFailure(ctx, rec, stage, err, o.txPoll, log)
		return
	}
	if !status.Mined {
		log.Debug("transaction pending", "stage", stage, "tx", tr.TxHash)
		o.schedule(ctx, rec.Name, o.txPoll)
		return
	}
	if status.Reverted {
		// A reverted transaction consumed its nonce; clear the transition so
		// the stage resubmits with a fresh one.
		rec.ClearTransition(stage)
		o.recordStageError(rec, stage, fmt.Errorf("transaction %s reverted in block %d", tr.TxHash, status.BlockNumber))
		if !o.update(ctx, rec, log) {
			return
		}
		log.Warn("transaction reverted", "stage", stage, "tx", tr.TxHash, "block", status.BlockNumber)
		o.schedule(ctx, rec.Name, o.txPoll)
		return
	}

	confirmedAt := status.BlockTime
	blockNumber := status.BlockNumber
	tr.ConfirmedAt = &confirmedAt
	tr.BlockNumber = &blockNumber
	rec.SetTransition(stage, tr)
	rec.State = rec.State.Next()
	o.clearStageError(rec, stage)
	if !o.update(ctx, rec, log) {
		return
	}
	log.Info("transaction confirmed", "stage", stage, "tx", tr.TxHash, "block", blockNumber)
	o.schedule(ctx, rec.Name, 0)
}

// handlePropagation gates the terminal transition on both the content and
// the name binding being externally visible in the same invocation.
func (o *Orchestrator) handlePropagation(ctx context.Context, rec *domain.Deployment, log *slog.Logger) {
	contentID := rec.ContentID()
	if contentID == "" {
		o.halt(ctx, rec, domain.StagePropagation, errors.New("reached PROPAGATING without a recorded content id"), log)
		return
	}
	visible, err := o.checker.IsVisible(ctx, contentID)
	if err != nil {
		o.stageFailure(ctx, rec, domain.StagePropagation, err, o.propPoll, log)
		return
	}
	owner, err := o.registry.Owner(ctx, rec.Name)
	if err != nil {
		o.stageFailure(ctx, rec, domain.StagePropagation, err, o.propPoll, log)
		return
	}
	bound := owner != ""

	if !visible || !bound {
		log.Info("propagation incomplete", "content_visible", visible, "name_bound", bound)
		o.schedule(ctx, rec.Name, o.propPoll)
		return
	}

	rec.State = domain.StateAvailable
	o.clearStageError(rec, domain.StagePropagation)
	if !o.update(ctx, rec, log) {
		return
	}
	log.Info("deployment available", "content_id", contentID, "owner", owner)
	if err := o.pipelines.DeletePipeline(ctx, rec.PipelineID); err != nil {
		log.Warn("failed to delete build pipeline", "pipeline_id", rec.PipelineID, "error", err)
	}
	// Terminal: no further checks are scheduled.
}

// halt records an invariant violation and stops auto-scheduling; the record
// needs operator intervention.
func (o *Orchestrator) halt(ctx context.Context, rec *domain.Deployment, stage domain.Stage, cause error, log *slog.Logger) {
	log.Error("invariant violation, halting deployment", "stage", stage, "error", cause)
	o.recordStageError(rec, stage, cause)
	err := o.records.UpdateDeployment(ctx, rec)
	switch {
	case err == nil:
		if o.events != nil {
			o.events.Publish(rec)
		}
	case errors.Is(err, repository.ErrConflict):
		log.Warn("concurrent update detected, yielding")
	default:
		log.Error("failed to record invariant violation", "error", err)
	}
}

// stageFailure converts a collaborator failure into a StageError annotation
// and a retry; it never changes state and never fails the workflow.
func (o *Orchestrator) stageFailure(ctx context.Context, rec *domain.Deployment, stage domain.Stage,
	cause error, delay time.Duration, log *slog.Logger) {
	log.Warn("stage error", "stage", stage, "error", cause)
	o.recordStageError(rec, stage, cause)
	err := o.records.UpdateDeployment(ctx, rec)
	switch {
	case err == nil:
		if o.events != nil {
			o.events.Publish(rec)
		}
	case errors.Is(err, repository.ErrConflict):
		log.Warn("concurrent update detected while recording stage error")
	default:
		log.Error("failed to record stage error", "error", err)
	}
	o.schedule(ctx, rec.Name, delay)
}

func (o *Orchestrator) recordStageError(rec *domain.Deployment, stage domain.Stage, cause error) {
	rec.UpdatedAt = o.now()
	rec.LastError = &domain.StageError{Stage: stage, Message: cause.Error(), Timestamp: o.now()}
}

func (o *Orchestrator) clearStageError(rec *domain.Deployment, stage domain.Stage) {
	if rec.LastError != nil && rec.LastError.Stage == stage {
		rec.LastError = nil
	}
}

// update writes the record under its version guard. A conflict means a
// concurrent invocation owns this cycle; the caller yields without
// rescheduling since the winner already did.
func (o *Orchestrator) update(ctx context.Context, rec *domain.Deployment, log *slog.Logger) bool {
	rec.UpdatedAt = o.now()
	if err := o.records.UpdateDeployment(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			log.Warn("concurrent update detected, yielding")
			return false
		}
		log.Error("failed to update deployment", "error", err)
		o.schedule(ctx, rec.Name, o.txPoll)
		return false
	}
	if o.events != nil {
		o.events.Publish(rec)
	}
	return true
}

func (o *Orchestrator) schedule(ctx context.Context, name string, delay time.Duration) {
	if err := o.scheduler.ScheduleCheck(ctx, name, delay); err != nil {
		o.logger.Error("failed to schedule check", "deployment", name, "error", err)
	}
}
