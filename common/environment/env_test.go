package environment_test

import (
	"testing"

	"github.com/calyptra/agentfabric/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("FABRIC_TEST_STRING", "set")
	if got := environment.StringOr("FABRIC_TEST_STRING", "default"); got != "set" {
		t.Fatalf("expected set, got %q", got)
	}
	if got := environment.StringOr("FABRIC_TEST_STRING_UNSET", "default"); got != "default" {
		t.Fatalf("expected default, got %q", got)
	}
}

func TestRequiredString(t *testing.T) {
	t.Setenv("FABRIC_TEST_REQUIRED", "value")
	if got, err := environment.RequiredString("FABRIC_TEST_REQUIRED"); err != nil || got != "value" {
		t.Fatalf("expected value, got %q (%v)", got, err)
	}
	if _, err := environment.RequiredString("FABRIC_TEST_REQUIRED_UNSET"); err == nil {
		t.Fatal("expected error for unset variable")
	}
}

func TestBoolOr(t *testing.T) {
	t.Setenv("FABRIC_TEST_BOOL", "true")
	if !environment.BoolOr("FABRIC_TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	t.Setenv("FABRIC_TEST_BOOL_BAD", "not-a-bool")
	if environment.BoolOr("FABRIC_TEST_BOOL_BAD", false) {
		t.Fatal("unparseable value should fall back to default")
	}
}

func TestIntOr(t *testing.T) {
	t.Setenv("FABRIC_TEST_INT", "42")
	if got := environment.IntOr("FABRIC_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("FABRIC_TEST_INT_BAD", "forty-two")
	if got := environment.IntOr("FABRIC_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
}
