package merge

import (
	"context"
	"testing"
	"time"

	"github.com/lucasnoah/gitswarm/internal/gitmechanics"
	"github.com/lucasnoah/gitswarm/internal/id"
	"github.com/lucasnoah/gitswarm/internal/models"
)

func TestDispatchPluginPromoteBufferToMain(t *testing.T) {
	mech := &stubMechanics{mergeResult: &gitmechanics.MergeResult{CommitHash: "ff1"}}
	c, s, repo := setup(t, models.MergeModeSwarm, mech)
	repo.AutoPromoteOnGreen = true

	tag := "green/" + time.Now().UTC().Format(time.RFC3339)
	if err := s.InsertStabilization(context.Background(), models.Stabilization{
		ID: id.Generate(), RepoID: repo.ID, Result: models.ResultGreen, BufferCommit: "sha1",
		Tag: &tag, StabilizedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert stabilization: %v", err)
	}

	if err := c.DispatchPlugin(context.Background(), repo, "/repo", "promote_buffer_to_main", PluginOptions{}); err != nil {
		t.Fatalf("dispatch plugin: %v", err)
	}
}

func TestDispatchPluginSkipsWhenDisabled(t *testing.T) {
	mech := &stubMechanics{}
	c, _, repo := setup(t, models.MergeModeSwarm, mech)
	repo.AutoPromoteOnGreen = false

	if err := c.DispatchPlugin(context.Background(), repo, "/repo", "promote_buffer_to_main", PluginOptions{}); err != nil {
		t.Fatalf("dispatch plugin: %v", err)
	}
}

func TestDispatchPluginUnknownTierWarnsAndRecords(t *testing.T) {
	mech := &stubMechanics{}
	c, _, repo := setup(t, models.MergeModeSwarm, mech)

	if err := c.DispatchPlugin(context.Background(), repo, "/repo", "smart_reviewer_assignment", PluginOptions{}); err != nil {
		t.Fatalf("dispatch plugin: %v", err)
	}
}

func TestStaleStreamCleanupAbandonsOldStreams(t *testing.T) {
	mech := &stubMechanics{}
	c, s, repo := setup(t, models.MergeModeSwarm, mech)
	agent := insertAgent(t, s, 0)
	st := insertStream(t, s, repo, agent, models.StreamActive, nil)

	if err := c.staleStreamCleanup(context.Background(), repo, 1); err != nil {
		t.Fatalf("stale cleanup: %v", err)
	}

	got, err := s.GetStream(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if got.Status != models.StreamAbandoned {
		t.Errorf("status = %s, want abandoned", got.Status)
	}
}

func TestStaleStreamCleanupIgnoresZeroDays(t *testing.T) {
	mech := &stubMechanics{}
	c, s, repo := setup(t, models.MergeModeSwarm, mech)
	agent := insertAgent(t, s, 0)
	st := insertStream(t, s, repo, agent, models.StreamActive, nil)

	if err := c.staleStreamCleanup(context.Background(), repo, 0); err != nil {
		t.Fatalf("stale cleanup: %v", err)
	}

	got, err := s.GetStream(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if got.Status != models.StreamActive {
		t.Errorf("status = %s, want unchanged active", got.Status)
	}
}
