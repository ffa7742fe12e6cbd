package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hostedeth/deployer/internal/domain"
	"github.com/hostedeth/deployer/internal/repository"
	"github.com/hostedeth/deployer/internal/service/pipeline"
)

type fakeRecords struct {
	byName     map[string]*domain.Deployment
	byPipeline map[string]*domain.Deployment
	createErr  error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		byName:     map[string]*domain.Deployment{},
		byPipeline: map[string]*domain.Deployment{},
	}
}

func (f *fakeRecords) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.byName[d.Name] = d
	f.byPipeline[d.PipelineID] = d
	return nil
}

func (f *fakeRecords) GetDeploymentByName(ctx context.Context, name string) (*domain.Deployment, error) {
	if d, ok := f.byName[name]; ok {
		return d, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRecords) GetDeploymentByPipelineID(ctx context.Context, id string) (*domain.Deployment, error) {
	if d, ok := f.byPipeline[id]; ok {
		return d, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRecords) ListDeploymentsByOwner(ctx context.Context, owner string) ([]domain.Deployment, error) {
	var out []domain.Deployment
	for _, d := range f.byName {
		if d.OwnerUsername == owner {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeRecords) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	f.byName[d.Name] = d
	return nil
}

type fakeProvisioner struct {
	created []pipeline.CreateInput
	err     error
}

func (f *fakeProvisioner) CreatePipeline(ctx context.Context, in pipeline.CreateInput) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, in)
	return nil
}

type fakeScheduler struct {
	calls []time.Duration
}

func (f *fakeScheduler) ScheduleCheck(ctx context.Context, name string, delay time.Duration) error {
	f.calls = append(f.calls, delay)
	return nil
}

func newService(records *fakeRecords, prov *fakeProvisioner, sched *fakeScheduler) *Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(records, prov, sched, nil, log)
	s.now = func() time.Time { return time.Date(2021, 3, 14, 12, 0, 0, 0, time.UTC) }
	return s
}

func validInput() CreateInput {
	return CreateInput{
		Name:          "mysite",
		Owner:         "alice",
		Repository:    "site",
		Branch:        "main",
		BuildDir:      "dist",
		OwnerUsername: "alice",
		OAuthToken:    "gho_token",
	}
}

func TestCreateDeployment(t *testing.T) {
	records := newFakeRecords()
	prov := &fakeProvisioner{}
	s := newService(records, prov, &fakeScheduler{})

	rec, err := s.CreateDeployment(context.Background(), validInput())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if rec.State != domain.StateFetchingSource {
		t.Fatalf("expected FETCHING_SOURCE, got %s", rec.State)
	}
	if !strings.HasPrefix(rec.PipelineID, "ipfs-ens-builder-") {
		t.Fatalf("unexpected pipeline id %q", rec.PipelineID)
	}
	if len(prov.created) != 1 {
		t.Fatalf("expected one pipeline, got %d", len(prov.created))
	}
	if got := prov.created[0]; got.PipelineID != rec.PipelineID || got.OAuthToken != "gho_token" {
		t.Fatalf("unexpected pipeline input %+v", got)
	}
}

func TestCreateDeploymentRejectsTakenName(t *testing.T) {
	records := newFakeRecords()
	records.byName["mysite"] = &domain.Deployment{Name: "mysite"}
	s := newService(records, &fakeProvisioner{}, &fakeScheduler{})

	if _, err := s.CreateDeployment(context.Background(), validInput()); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
}

func TestCreateDeploymentValidatesName(t *testing.T) {
	s := newService(newFakeRecords(), &fakeProvisioner{}, &fakeScheduler{})
	for _, name := range []string{"", "MySite", "my_site", "-leading", "trailing-"} {
		in := validInput()
		in.Name = name
		if _, err := s.CreateDeployment(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("name %q: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestCreateDeploymentRecordsProvisionFailure(t *testing.T) {
	records := newFakeRecords()
	s := newService(records, &fakeProvisioner{err: errors.New("provider down")}, &fakeScheduler{})

	if _, err := s.CreateDeployment(context.Background(), validInput()); err == nil {
		t.Fatal("expected an error")
	}
	rec := records.byName["mysite"]
	if rec == nil || rec.LastError == nil || rec.LastError.Stage != domain.StageSource {
		t.Fatalf("expected a source stage error on the record, got %+v", rec)
	}
}

func TestGetDeploymentOwnership(t *testing.T) {
	records := newFakeRecords()
	records.byName["mysite"] = &domain.Deployment{Name: "mysite", OwnerUsername: "alice"}
	s := newService(records, &fakeProvisioner{}, &fakeScheduler{})

	if _, err := s.GetDeployment(context.Background(), "mysite", "alice"); err != nil {
		t.Fatalf("owner read failed: %v", err)
	}
	if _, err := s.GetDeployment(context.Background(), "mysite", "mallory"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := s.GetDeployment(context.Background(), "ghost", "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBuildTransitionAdvancesAndSchedules(t *testing.T) {
	records := newFakeRecords()
	rec := &domain.Deployment{
		Name: "mysite", PipelineID: "pipe-1", State: domain.StateBuilding,
		Transitions: map[domain.Stage]domain.StageTransition{},
	}
	records.byName["mysite"] = rec
	records.byPipeline["pipe-1"] = rec
	sched := &fakeScheduler{}
	s := newService(records, &fakeProvisioner{}, sched)

	err := s.ProcessPipelineTransition(context.Background(), TransitionEvent{
		PipelineID: "pipe-1", Stage: "build", ArtifactSizeBytes: 2048,
	})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if rec.State != domain.StateUploadingContent {
		t.Fatalf("expected UPLOADING_CONTENT, got %s", rec.State)
	}
	tr, ok := rec.Transition(domain.StageBuild)
	if !ok || tr.ArtifactSizeBytes == nil || *tr.ArtifactSizeBytes != 2048 {
		t.Fatalf("unexpected build transition %+v", tr)
	}
	if len(sched.calls) != 1 || sched.calls[0] != 0 {
		t.Fatalf("expected one immediate check, got %v", sched.calls)
	}
}

func TestSourceTransitionDoesNotSchedule(t *testing.T) {
	records := newFakeRecords()
	rec := &domain.Deployment{
		Name: "mysite", PipelineID: "pipe-1", State: domain.StateFetchingSource,
		Transitions: map[domain.Stage]domain.StageTransition{},
	}
	records.byPipeline["pipe-1"] = rec
	records.byName["mysite"] = rec
	sched := &fakeScheduler{}
	s := newService(records, &fakeProvisioner{}, sched)

	err := s.ProcessPipelineTransition(context.Background(), TransitionEvent{PipelineID: "pipe-1", Stage: "source"})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if rec.State != domain.StateBuilding {
		t.Fatalf("expected BUILDING, got %s", rec.State)
	}
	if len(sched.calls) != 0 {
		t.Fatalf("source completion must not schedule checks, got %v", sched.calls)
	}
}

func TestStalePipelineEventIsDropped(t *testing.T) {
	records := newFakeRecords()
	rec := &domain.Deployment{
		Name: "mysite", PipelineID: "pipe-1", State: domain.StateUploadingContent,
		Transitions: map[domain.Stage]domain.StageTransition{},
	}
	records.byPipeline["pipe-1"] = rec
	sched := &fakeScheduler{}
	s := newService(records, &fakeProvisioner{}, sched)

	err := s.ProcessPipelineTransition(context.Background(), TransitionEvent{PipelineID: "pipe-1", Stage: "build"})
	if err != nil {
		t.Fatalf("redelivered event must be tolerated: %v", err)
	}
	if rec.State != domain.StateUploadingContent {
		t.Fatalf("stale event must not change state, got %s", rec.State)
	}
	if len(sched.calls) != 0 {
		t.Fatalf("stale event must not schedule checks, got %v", sched.calls)
	}
}

func TestFailedPipelineStageRecordsError(t *testing.T) {
	records := newFakeRecords()
	rec := &domain.Deployment{
		Name: "mysite", PipelineID: "pipe-1", State: domain.StateBuilding,
		Transitions: map[domain.Stage]domain.StageTransition{},
	}
	records.byName["mysite"] = rec
	records.byPipeline["pipe-1"] = rec
	s := newService(records, &fakeProvisioner{}, &fakeScheduler{})

	err := s.ProcessPipelineTransition(context.Background(), TransitionEvent{
		PipelineID: "pipe-1", Stage: "build", Failed: true, Message: "npm build exited 1",
	})
	if err != nil {
		t.Fatalf("failure event handling failed: %v", err)
	}
	if rec.State != domain.StateBuilding {
		t.Fatalf("failure must not change state, got %s", rec.State)
	}
	if rec.LastError == nil || rec.LastError.Stage != domain.StageBuild || rec.LastError.Message != "npm build exited 1" {
		t.Fatalf("unexpected stage error %+v", rec.LastError)
	}
}

func TestUnknownPipelineEventErrors(t *testing.T) {
	s := newService(newFakeRecords(), &fakeProvisioner{}, &fakeScheduler{})
	err := s.ProcessPipelineTransition(context.Background(), TransitionEvent{PipelineID: "ghost", Stage: "build"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
