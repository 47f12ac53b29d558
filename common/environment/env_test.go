package environment_test

import (
	"slices"
	"testing"
	"time"

	"github.com/bdobrica/Kakeibo/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("TEST_STRING", "hello")
	if got := environment.StringOr("TEST_STRING", "default"); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if got := environment.StringOr("TEST_STRING_MISSING", "default"); got != "default" {
		t.Errorf("expected %q, got %q", "default", got)
	}
}

func TestRequiredString(t *testing.T) {
	t.Setenv("TEST_REQUIRED", "value")
	v, err := environment.RequiredString("TEST_REQUIRED")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "value" {
		t.Errorf("expected %q, got %q", "value", v)
	}

	if _, err := environment.RequiredString("TEST_REQUIRED_MISSING"); err == nil {
		t.Error("expected error for missing variable, got nil")
	}
}

func TestIntOr(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if got := environment.IntOr("TEST_INT", 0); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	if got := environment.IntOr("TEST_INT_MISSING", 99); got != 99 {
		t.Errorf("expected 99, got %d", got)
	}
	t.Setenv("TEST_INT_BAD", "notanint")
	if got := environment.IntOr("TEST_INT_BAD", 7); got != 7 {
		t.Errorf("expected default 7 for bad value, got %d", got)
	}
}

func TestFloatOr(t *testing.T) {
	t.Setenv("TEST_FLOAT", " 2.5 ")
	if got := environment.FloatOr("TEST_FLOAT", 0); got != 2.5 {
		t.Errorf("expected 2.5, got %v", got)
	}
	t.Setenv("TEST_FLOAT_BAD", "abc")
	if got := environment.FloatOr("TEST_FLOAT_BAD", 1.5); got != 1.5 {
		t.Errorf("expected default 1.5, got %v", got)
	}
}

func TestDurationOr(t *testing.T) {
	t.Setenv("TEST_DURATION", "24h")
	if got := environment.DurationOr("TEST_DURATION", time.Second); got != 24*time.Hour {
		t.Errorf("expected 24h, got %v", got)
	}
	t.Setenv("TEST_DURATION_BAD", "soon")
	if got := environment.DurationOr("TEST_DURATION_BAD", time.Minute); got != time.Minute {
		t.Errorf("expected default 1m, got %v", got)
	}
}

func TestStringSliceOr(t *testing.T) {
	t.Setenv("TEST_SLICE", " poe , ,metered ")
	got := environment.StringSliceOr("TEST_SLICE", nil)
	if !slices.Equal(got, []string{"poe", "metered"}) {
		t.Errorf("unexpected slice %v", got)
	}

	t.Setenv("TEST_SLICE_EMPTY", " , ")
	def := []string{"x"}
	if got := environment.StringSliceOr("TEST_SLICE_EMPTY", def); !slices.Equal(got, def) {
		t.Errorf("expected default, got %v", got)
	}
}
