package schederr

import (
	"errors"
	"testing"
)

func TestValidationErrorMessage(t *testing.T) {
	err := NewValidationError("invalid chunk duration", map[string]any{"value": -5})
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
	if err.Context()["value"] != -5 {
		t.Errorf("context value = %v, want -5", err.Context()["value"])
	}
}

func TestErrorsAs(t *testing.T) {
	var err error = NewCalibratorNotFoundError("calibrator not found", map[string]any{"name": "3C286"})

	var target *CalibratorNotFoundError
	if !errors.As(err, &target) {
		t.Fatal("errors.As failed to match CalibratorNotFoundError")
	}
	if target.Context()["name"] != "3C286" {
		t.Errorf("name = %v, want 3C286", target.Context()["name"])
	}

	var other *GroupNotFoundError
	if errors.As(err, &other) {
		t.Fatal("errors.As should not match GroupNotFoundError")
	}
}

func TestConversionErrorUnwrap(t *testing.T) {
	sentinel := errors.New("exit status 1")
	err := NewConversionError("converter failed", sentinel, map[string]any{"group_id": "2026-01-01T00:00:00"})

	if !errors.Is(err, sentinel) {
		t.Fatal("errors.Is failed to match wrapped sentinel")
	}

	var target *ConversionError
	if !errors.As(err, &target) {
		t.Fatal("errors.As failed to match ConversionError")
	}
	if target.Err != sentinel {
		t.Errorf("Err = %v, want %v", target.Err, sentinel)
	}
}

func TestNoContextRendersBareMessage(t *testing.T) {
	err := NewTransitNotFoundError("no transit within window", nil)
	if err.Error() != "no transit within window" {
		t.Errorf("Error() = %q, want bare message", err.Error())
	}
}
