package schema

import (
	"strings"
	"testing"

	"voice-proxy-service/internal/models"
)

func TestValidator_Validate(t *testing.T) {
	v := New("client")

	if err := v.Validate(models.NewAgentResponse("hi!")); err != nil {
		t.Errorf("expected valid notification, got %v", err)
	}

	err := v.Validate(models.NewError(""))
	if err == nil {
		t.Fatal("expected error for empty error notification")
	}
	if !strings.HasPrefix(err.Error(), "client:") {
		t.Errorf("expected boundary prefix, got %q", err.Error())
	}

	if err := v.Validate(models.NewSynthesisText("")); err == nil {
		t.Error("expected error for empty synthesis text")
	}
}

func TestValidator_PassesUnknownTypes(t *testing.T) {
	v := New("any")
	if err := v.Validate(map[string]string{"k": "v"}); err != nil {
		t.Errorf("expected nil for non-validatable message, got %v", err)
	}
}
