package errs

import (
	"errors"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	e := New(KindInvalidInput, "merge_mode must be one of swarm/review/gated")
	if e.Error() != "invalid_input: merge_mode must be one of swarm/review/gated" {
		t.Errorf("unexpected message: %s", e.Error())
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(KindTransient, "sqlite busy", cause)
	if !errors.Is(e, cause) {
		t.Errorf("expected wrapped cause to be unwrappable")
	}
}

func TestWithDetail(t *testing.T) {
	e := New(KindConflict, "review already cast").WithDetail("stream_id", "abc").WithDetail("agent_id", "xyz")
	if e.Detail["stream_id"] != "abc" || e.Detail["agent_id"] != "xyz" {
		t.Errorf("detail not preserved: %+v", e.Detail)
	}
}

func TestKindOf(t *testing.T) {
	e := New(KindStaleReviews, "reviews stale after rebase")
	k, ok := KindOf(e)
	if !ok || k != KindStaleReviews {
		t.Errorf("KindOf = %v, %v, want stale_reviews, true", k, ok)
	}

	if _, ok := KindOf(errors.New("plain")); ok {
		t.Errorf("KindOf on plain error should be false")
	}
}

func TestRetryable(t *testing.T) {
	cases := map[Kind]bool{
		KindTransient:         true,
		KindServerUnavailable: true,
		KindStaleReviews:      true,
		KindFatal:             false,
		KindConflict:          false,
		KindForbidden:         false,
	}
	for kind, want := range cases {
		if got := kind.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", kind, got, want)
		}
	}
}
