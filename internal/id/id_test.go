package id

import (
	"testing"

	"github.com/lucasnoah/gitswarm/internal/errs"
)

func TestGenerateIsValid(t *testing.T) {
	for i := 0; i < 10; i++ {
		got := Generate()
		if !IsValid(got) {
			t.Fatalf("generated id %q is not canonical", got)
		}
	}
}

func TestIsValid(t *testing.T) {
	cases := map[string]bool{
		"550e8400-e29b-41d4-a716-446655440000": true,
		"550E8400-E29B-41D4-A716-446655440000": false, // uppercase rejected
		"550e8400e29b41d4a716446655440000":     false, // undashed rejected by IsValid
		"not-a-uuid":                           false,
	}
	for in, want := range cases {
		if got := IsValid(in); got != want {
			t.Errorf("IsValid(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNormalizeCanonical(t *testing.T) {
	in := "550e8400-e29b-41d4-a716-446655440000"
	got, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got != in {
		t.Errorf("Normalize(%q) = %q, want unchanged", in, got)
	}
}

func TestNormalizeLegacyHex(t *testing.T) {
	in := "550e8400e29b41d4a716446655440000"
	got, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := "550e8400-e29b-41d4-a716-446655440000"
	if got != want {
		t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
	}
}

func TestNormalizeInvalid(t *testing.T) {
	_, err := Normalize("garbage")
	if err == nil {
		t.Fatal("expected error for garbage input")
	}
	kind, ok := errs.KindOf(err)
	if !ok || kind != errs.KindInvalidInput {
		t.Errorf("expected KindInvalidInput, got %v (ok=%v)", kind, ok)
	}
}
