package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const suspendPolicy = `package bizhub.admission

default allow := false

allow if {
	input.role != "suspended"
}

reason := "role suspended" if {
	input.role == "suspended"
}
`

func TestOPAEvaluator_DefaultAllowsEveryone(t *testing.T) {
	e, err := NewOPAEvaluator("")
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	ctx := context.Background()
	if err := e.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	d, err := e.Admit(ctx, AdmissionInput{IdentityID: "u1", RoleID: "customer"})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !d.Allow {
		t.Error("default policy should allow")
	}
}

func TestOPAEvaluator_CustomPolicyDenies(t *testing.T) {
	e, err := NewOPAEvaluator(suspendPolicy)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	ctx := context.Background()

	d, err := e.Admit(ctx, AdmissionInput{IdentityID: "u1", RoleID: "suspended"})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if d.Allow {
		t.Fatal("suspended role should be denied")
	}
	if d.Reason != "role suspended" {
		t.Errorf("Reason = %q, want %q", d.Reason, "role suspended")
	}

	d, err = e.Admit(ctx, AdmissionInput{IdentityID: "u2", RoleID: "manager"})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !d.Allow {
		t.Error("manager should be allowed")
	}
}

func TestOPAEvaluator_DefaultReason(t *testing.T) {
	e, err := NewOPAEvaluator("package bizhub.admission\n\nallow := false\n")
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	d, err := e.Admit(context.Background(), AdmissionInput{IdentityID: "u1"})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if d.Allow || d.Reason != "denied by admission policy" {
		t.Errorf("Decision = %+v", d)
	}
}

func TestOPAEvaluator_PolicyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admission.rego")
	if err := os.WriteFile(path, []byte(suspendPolicy), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	e, err := NewOPAEvaluator(path)
	if err != nil {
		t.Fatalf("NewOPAEvaluator(file): %v", err)
	}
	d, err := e.Admit(context.Background(), AdmissionInput{RoleID: "suspended"})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if d.Allow {
		t.Error("policy loaded from file should deny suspended")
	}
}

func TestOPAEvaluator_InvalidPolicy(t *testing.T) {
	if _, err := NewOPAEvaluator("package bizhub.admission\n\nallow if {"); err == nil {
		t.Error("NewOPAEvaluator with broken Rego: want error")
	}
	if _, err := NewOPAEvaluator(filepath.Join(t.TempDir(), "missing.rego")); err == nil {
		t.Error("NewOPAEvaluator with missing file: want error")
	}
}

func TestOPAEvaluator_HealthCheckNonBool(t *testing.T) {
	e, err := NewOPAEvaluator("package bizhub.admission\n\nallow := \"yes\"\n")
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	if err := e.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck should fail when allow is not boolean")
	}
}
