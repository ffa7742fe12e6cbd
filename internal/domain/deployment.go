package domain

import "time"

// DeployState tracks where a deployment sits in its linear lifecycle.
type DeployState string

const (
	StateFetchingSource   DeployState = "FETCHING_SOURCE"
	StateBuilding         DeployState = "BUILDING"
	StateUploadingContent DeployState = "UPLOADING_CONTENT"
	StateRegisteringENS   DeployState = "REGISTERING_ENS"
	StateSettingResolver  DeployState = "SETTING_RESOLVER_ENS"
	StateSettingContent   DeployState = "SETTING_CONTENT_ENS"
	StatePropagating      DeployState = "PROPAGATING"
	StateAvailable        DeployState = "AVAILABLE"
)

// Next returns the state that follows s in the lifecycle. AVAILABLE is
// terminal and returns itself.
func (s DeployState) Next() DeployState {
	switch s {
	case StateFetchingSource:
		return StateBuilding
	case StateBuilding:
		return StateUploadingContent
	case StateUploadingContent:
		return StateRegisteringENS
	case StateRegisteringENS:
		return StateSettingResolver
	case StateSettingResolver:
		return StateSettingContent
	case StateSettingContent:
		return StatePropagating
	case StatePropagating:
		return StateAvailable
	case StateAvailable:
		return StateAvailable
	}
	return s
}

// Terminal reports whether no further work exists for a deployment in s.
func (s DeployState) Terminal() bool {
	return s == StateAvailable
}

// Valid reports whether s is one of the defined lifecycle states.
func (s DeployState) Valid() bool {
	switch s {
	case StateFetchingSource, StateBuilding, StateUploadingContent,
		StateRegisteringENS, StateSettingResolver, StateSettingContent,
		StatePropagating, StateAvailable:
		return true
	}
	return false
}

// Stage names one unit of the deployment workflow. Pipeline stages are
// reported by the build pipeline, the content stage by the uploader, and the
// ENS stages each correspond to exactly one on-chain transaction.
type Stage string

const (
	StageSource         Stage = "source"
	StageBuild          Stage = "build"
	StageContentUpload  Stage = "content-upload"
	StageEnsRegister    Stage = "ens-register"
	StageEnsSetResolver Stage = "ens-set-resolver"
	StageEnsSetContent  Stage = "ens-set-content"

	// StagePropagation labels errors from the propagation checks. It is
	// diagnostic only and never appears as a transition key.
	StagePropagation Stage = "propagation"
)

// TxStageFor returns the transaction stage a state submits, if any.
func TxStageFor(s DeployState) (Stage, bool) {
	switch s {
	case StateRegisteringENS:
		return StageEnsRegister, true
	case StateSettingResolver:
		return StageEnsSetResolver, true
	case StateSettingContent:
		return StageEnsSetContent, true
	}
	return "", false
}

// StageTransition records the completion (or submission) of one stage.
// Pipeline stages carry a timestamp and artifact size, the content stage a
// timestamp and content id, and transaction stages the submission details
// plus confirmation fields once mined. A transaction stage with a nil
// ConfirmedAt is still outstanding.
type StageTransition struct {
	Timestamp         *time.Time `json:"timestamp,omitempty"`
	ArtifactSizeBytes *int64     `json:"artifactSizeBytes,omitempty"`
	ContentID         string     `json:"contentId,omitempty"`
	SubmittedAt       *time.Time `json:"submittedAt,omitempty"`
	TxHash            string     `json:"txHash,omitempty"`
	Nonce             *uint64    `json:"nonce,omitempty"`
	ConfirmedAt       *time.Time `json:"confirmedAt,omitempty"`
	BlockNumber       *uint64    `json:"blockNumber,omitempty"`
}

// StageError annotates the last failure seen on a stage. It is diagnostic
// only; a later successful pass over the same stage clears it.
type StageError struct {
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Deployment is the durable record for one requested deployment, keyed by
// its ENS subdomain name. The source descriptor and ownership fields are
// immutable after creation; only the orchestrator mutates the rest.
type Deployment struct {
	Name          string
	PipelineID    string
	Owner         string
	Repository    string
	Branch        string
	PackageDir    string
	BuildDir      string
	OwnerUsername string
	State         DeployState
	Transitions   map[Stage]StageTransition
	LastError     *StageError
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Transition returns the recorded transition for a stage.
func (d *Deployment) Transition(stage Stage) (StageTransition, bool) {
	if d.Transitions == nil {
		return StageTransition{}, false
	}
	tr, ok := d.Transitions[stage]
	return tr, ok
}

// SetTransition records or overwrites the transition for a stage.
func (d *Deployment) SetTransition(stage Stage, tr StageTransition) {
	if d.Transitions == nil {
		d.Transitions = make(map[Stage]StageTransition)
	}
	d.Transitions[stage] = tr
}

// ClearTransition removes a stage transition, used when a mined transaction
// reverted and the stage must be resubmitted with a fresh nonce.
func (d *Deployment) ClearTransition(stage Stage) {
	delete(d.Transitions, stage)
}

// ContentID returns the content id recorded by the upload stage.
func (d *Deployment) ContentID() string {
	tr, ok := d.Transition(StageContentUpload)
	if !ok {
		return ""
	}
	return tr.ContentID
}

// TxStatus describes what the chain currently knows about a submitted
// transaction.
type TxStatus struct {
	Mined       bool
	Reverted    bool
	BlockNumber uint64
	BlockTime   time.Time
}
