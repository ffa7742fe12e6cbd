package domain

import (
	"testing"
	"time"
)

func TestStateProgressionIsLinear(t *testing.T) {
	order := []DeployState{
		StateFetchingSource,
		StateBuilding,
		StateUploadingContent,
		StateRegisteringENS,
		StateSettingResolver,
		StateSettingContent,
		StatePropagating,
		StateAvailable,
	}
	for i := 0; i < len(order)-1; i++ {
		if got := order[i].Next(); got != order[i+1] {
			t.Fatalf("Next(%s) = %s, want %s", order[i], got, order[i+1])
		}
	}
	if got := StateAvailable.Next(); got != StateAvailable {
		t.Fatalf("Next(AVAILABLE) = %s, want AVAILABLE", got)
	}
	if !StateAvailable.Terminal() {
		t.Fatal("AVAILABLE should be terminal")
	}
	if StatePropagating.Terminal() {
		t.Fatal("PROPAGATING should not be terminal")
	}
}

func TestTxStageFor(t *testing.T) {
	cases := map[DeployState]Stage{
		StateRegisteringENS:  StageEnsRegister,
		StateSettingResolver: StageEnsSetResolver,
		StateSettingContent:  StageEnsSetContent,
	}
	for state, want := range cases {
		stage, ok := TxStageFor(state)
		if !ok || stage != want {
			t.Fatalf("TxStageFor(%s) = %s, %v; want %s", state, stage, ok, want)
		}
	}
	for _, state := range []DeployState{StateFetchingSource, StateBuilding, StateUploadingContent, StatePropagating, StateAvailable} {
		if _, ok := TxStageFor(state); ok {
			t.Fatalf("TxStageFor(%s) should report no transaction stage", state)
		}
	}
}

func TestTransitionAccessors(t *testing.T) {
	d := &Deployment{Name: "mysite"}
	if _, ok := d.Transition(StageBuild); ok {
		t.Fatal("empty record should have no transitions")
	}
	now := time.Now().UTC()
	d.SetTransition(StageContentUpload, StageTransition{Timestamp: &now, ContentID: "QmExample"})
	if got := d.ContentID(); got != "QmExample" {
		t.Fatalf("ContentID = %q, want QmExample", got)
	}
	d.ClearTransition(StageContentUpload)
	if got := d.ContentID(); got != "" {
		t.Fatalf("ContentID after clear = %q, want empty", got)
	}
}
