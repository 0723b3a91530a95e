package merge

import (
	"context"
	"testing"
	"time"

	"github.com/lucasnoah/gitswarm/internal/gitmechanics"
	"github.com/lucasnoah/gitswarm/internal/models"
)

type scriptedRunner struct {
	codes []int
	calls int
}

func (r *scriptedRunner) Run(ctx context.Context, dir, command string) (string, string, int, error) {
	i := r.calls
	if i >= len(r.codes) {
		i = len(r.codes) - 1
	}
	r.calls++
	return "out", "", r.codes[i], nil
}

func TestClassify(t *testing.T) {
	cases := []struct {
		timedOut bool
		exitCode int
		want     models.StabilizationResult
	}{
		{false, 0, models.ResultGreen},
		{false, 1, models.ResultRed},
		{true, 0, models.ResultTimeout},
	}
	for _, tc := range cases {
		if got := classify(tc.timedOut, tc.exitCode); got != tc.want {
			t.Errorf("classify(%v,%d) = %s, want %s", tc.timedOut, tc.exitCode, got, tc.want)
		}
	}
}

func TestStabilizeGreenTagsAndPromotes(t *testing.T) {
	mech := &stubMechanics{mergeResult: &gitmechanics.MergeResult{CommitHash: "ff1"}}
	c, s, repo := setup(t, models.MergeModeSwarm, mech)
	repo.AutoPromoteOnGreen = true
	runner := &scriptedRunner{codes: []int{0}}

	st, err := c.Stabilize(context.Background(), repo, "/repo", runner, StabilizeConfig{Command: "make test", Timeout: time.Second, AutoPromote: true})
	if err != nil {
		t.Fatalf("stabilize: %v", err)
	}
	if st.Result != models.ResultGreen {
		t.Fatalf("result = %s, want green", st.Result)
	}
	if st.Tag == nil {
		t.Fatal("expected a green tag to be set")
	}
	tag, err := s.LatestGreenTag(context.Background(), repo.ID)
	if err != nil || tag == "" {
		t.Fatalf("latest green tag = %q, err %v", tag, err)
	}
	events, err := s.ListPendingSyncEvents(context.Background(), repo.ID, 100, 100)
	if err != nil {
		t.Fatalf("list sync events: %v", err)
	}
	promoted := false
	for _, e := range events {
		if e.EventType == models.EventPromotion {
			promoted = true
		}
	}
	if !promoted {
		t.Error("expected a promotion sync event after auto-promote")
	}
}

func TestStabilizeRedWithoutFlakeDetectionStaysRed(t *testing.T) {
	mech := &stubMechanics{}
	c, _, repo := setup(t, models.MergeModeSwarm, mech)
	runner := &scriptedRunner{codes: []int{1}}

	st, err := c.Stabilize(context.Background(), repo, "/repo", runner, StabilizeConfig{Command: "make test", Timeout: time.Second})
	if err != nil {
		t.Fatalf("stabilize: %v", err)
	}
	if st.Result != models.ResultRed {
		t.Fatalf("result = %s, want red", st.Result)
	}
}

func TestStabilizeFlakeDetectionReclassifies(t *testing.T) {
	mech := &stubMechanics{}
	c, _, repo := setup(t, models.MergeModeSwarm, mech)
	runner := &scriptedRunner{codes: []int{1, 0, 0, 0}}

	st, err := c.Stabilize(context.Background(), repo, "/repo", runner, StabilizeConfig{
		Command: "make test", Timeout: time.Second,
		FlakeEnabled: true, RetryCount: 3, FlakyThreshold: 0.5,
	})
	if err != nil {
		t.Fatalf("stabilize: %v", err)
	}
	if st.Result != models.ResultFlaky {
		t.Fatalf("result = %s, want flaky", st.Result)
	}
}

func TestStabilizeAutoRevertOnRed(t *testing.T) {
	mech := &stubMechanics{}
	c, s, repo := setup(t, models.MergeModeSwarm, mech)
	repo.AutoRevertOnRed = true
	agent := insertAgent(t, s, 0)
	insertStream(t, s, repo, agent, models.StreamActive, nil)
	runner := &scriptedRunner{codes: []int{1}}

	st, err := c.Stabilize(context.Background(), repo, "/repo", runner, StabilizeConfig{Command: "make test", Timeout: time.Second, AutoRevert: true})
	if err != nil {
		t.Fatalf("stabilize: %v", err)
	}
	if st.Result != models.ResultRed {
		t.Fatalf("result = %s, want red", st.Result)
	}
}

func TestStabilizeCoalescesConcurrentCalls(t *testing.T) {
	mech := &stubMechanics{}
	c, _, repo := setup(t, models.MergeModeSwarm, mech)
	runner := &scriptedRunner{codes: []int{0}}

	var results [2]*models.Stabilization
	var errs [2]error
	done := make(chan int, 2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			results[i], errs[i] = c.Stabilize(context.Background(), repo, "/repo", runner, StabilizeConfig{Command: "make test", Timeout: time.Second})
			done <- i
		}()
	}
	<-done
	<-done
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("stabilize[%d]: %v", i, errs[i])
		}
		if results[i] == nil {
			t.Fatalf("stabilize[%d]: nil result", i)
		}
	}
}
