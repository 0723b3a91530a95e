package merge

import (
	"context"
	"testing"

	"github.com/lucasnoah/gitswarm/internal/gitmechanics"
	"github.com/lucasnoah/gitswarm/internal/models"
)

func TestProcessQueueSkipsUnsettledAncestor(t *testing.T) {
	mech := &stubMechanics{mergeResult: &gitmechanics.MergeResult{CommitHash: "m1"}}
	c, s, repo := setup(t, models.MergeModeSwarm, mech)
	agent := insertAgent(t, s, 0)

	parent := insertStream(t, s, repo, agent, models.StreamActive, nil)
	parentID := parent.ID
	child := insertStream(t, s, repo, agent, models.StreamActive, &parentID)

	if _, err := s.EnqueueMerge(context.Background(), repo.ID, child.ID, PriorityMedium); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	results, err := c.ProcessQueue(context.Background(), repo, "/repo", 10)
	if err != nil {
		t.Fatalf("process queue: %v", err)
	}
	if len(results) != 1 || results[0].Status != "skipped_dag" {
		t.Fatalf("results = %+v, want single skipped_dag", results)
	}

	queued, err := s.ListQueuedMerges(context.Background(), repo.ID)
	if err != nil || len(queued) != 1 {
		t.Fatalf("expected entry to remain queued, got %v (err %v)", queued, err)
	}
}

func TestProcessQueueMergesWhenAncestorTerminal(t *testing.T) {
	mech := &stubMechanics{mergeResult: &gitmechanics.MergeResult{CommitHash: "m1"}}
	c, s, repo := setup(t, models.MergeModeSwarm, mech)
	agent := insertAgent(t, s, 0)

	parent := insertStream(t, s, repo, agent, models.StreamMerged, nil)
	parentID := parent.ID
	child := insertStream(t, s, repo, agent, models.StreamActive, &parentID)

	if _, err := s.EnqueueMerge(context.Background(), repo.ID, child.ID, PriorityMedium); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	results, err := c.ProcessQueue(context.Background(), repo, "/repo", 10)
	if err != nil {
		t.Fatalf("process queue: %v", err)
	}
	if len(results) != 1 || results[0].Status != "merged" {
		t.Fatalf("results = %+v, want single merged", results)
	}

	queued, err := s.ListQueuedMerges(context.Background(), repo.ID)
	if err != nil || len(queued) != 0 {
		t.Fatalf("expected queue drained, got %v (err %v)", queued, err)
	}
	got, err := s.GetStream(context.Background(), child.ID)
	if err != nil || got == nil || got.Status != models.StreamMerged {
		t.Fatalf("child status = %+v, err %v, want merged", got, err)
	}
}

func TestProcessQueueRoutesConflict(t *testing.T) {
	mech := &stubMechanics{mergeErr: &gitmechanics.Conflict{Files: []string{"a.go"}, Src: "stream/x", Tgt: "buffer"}}
	c, s, repo := setup(t, models.MergeModeReview, mech)
	agent := insertAgent(t, s, 0)
	st := insertStream(t, s, repo, agent, models.StreamActive, nil)

	if _, err := s.EnqueueMerge(context.Background(), repo.ID, st.ID, PriorityMedium); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	results, err := c.ProcessQueue(context.Background(), repo, "/repo", 10)
	if err != nil {
		t.Fatalf("process queue: %v", err)
	}
	if len(results) != 1 || results[0].Status != "conflicted" {
		t.Fatalf("results = %+v, want single conflicted", results)
	}

	got, err := s.GetStream(context.Background(), st.ID)
	if err != nil || got == nil || got.Status != models.StreamConflicted {
		t.Fatalf("stream status = %+v, err %v, want conflicted", got, err)
	}

	tasks, err := s.ListTasksForRepo(context.Background(), repo.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one fixup task for review-mode conflict, got %d", len(tasks))
	}
}

func TestProcessQueueSwarmCascadesRebase(t *testing.T) {
	mech := &stubMechanics{mergeResult: &gitmechanics.MergeResult{CommitHash: "m1"}}
	c, s, repo := setup(t, models.MergeModeSwarm, mech)
	agent := insertAgent(t, s, 0)

	merging := insertStream(t, s, repo, agent, models.StreamActive, nil)
	other := insertStream(t, s, repo, agent, models.StreamActive, nil)
	_ = other

	if _, err := s.EnqueueMerge(context.Background(), repo.ID, merging.ID, PriorityMedium); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	results, err := c.ProcessQueue(context.Background(), repo, "/repo", 10)
	if err != nil {
		t.Fatalf("process queue: %v", err)
	}
	if len(results) != 1 || results[0].Status != "merged" {
		t.Fatalf("results = %+v, want single merged", results)
	}
}
