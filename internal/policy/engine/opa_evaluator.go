package engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const policyPackage = "bizhub.admission"

// Default Rego policy: every authenticated identity is admitted.
const defaultRegoPolicy = `package bizhub.admission

default allow := true

default reason := ""
`

// OPAEvaluator evaluates the handshake admission policy using OPA Rego.
// The policy must live in package bizhub.admission and define allow (bool) and optionally reason (string).
type OPAEvaluator struct {
	compiler *ast.Compiler
}

// NewOPAEvaluator compiles policy (inline Rego or a path to a .rego file). Empty policy uses the default allow-all module.
func NewOPAEvaluator(policy string) (*OPAEvaluator, error) {
	src, err := loadPolicy(policy)
	if err != nil {
		return nil, err
	}
	compiler, err := ast.CompileModules(map[string]string{"admission.rego": src})
	if err != nil {
		return nil, fmt.Errorf("compile admission policy: %w", err)
	}
	return &OPAEvaluator{compiler: compiler}, nil
}

// HealthCheck verifies the compiled policy evaluates to a boolean for a minimal input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	rs, err := rego.New(
		rego.Query("data."+policyPackage+".allow"),
		rego.Compiler(e.compiler),
		rego.Input(buildInput(AdmissionInput{})),
	).Eval(ctx)
	if err != nil {
		return fmt.Errorf("eval admission policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("admission policy query returned no result")
	}
	if _, ok := rs[0].Expressions[0].Value.(bool); !ok {
		return fmt.Errorf("admission policy allow is not a boolean")
	}
	return nil
}

// Admit evaluates allow and reason for in. An undefined allow denies.
func (e *OPAEvaluator) Admit(ctx context.Context, in AdmissionInput) (Decision, error) {
	input := buildInput(in)

	allowRS, err := rego.New(
		rego.Query("data."+policyPackage+".allow"),
		rego.Compiler(e.compiler),
		rego.Input(input),
	).Eval(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("eval admission policy: %w", err)
	}
	out := Decision{}
	if len(allowRS) > 0 && len(allowRS[0].Expressions) > 0 {
		if v, ok := allowRS[0].Expressions[0].Value.(bool); ok {
			out.Allow = v
		}
	}
	if out.Allow {
		return out, nil
	}

	reasonRS, err := rego.New(
		rego.Query("data."+policyPackage+".reason"),
		rego.Compiler(e.compiler),
		rego.Input(input),
	).Eval(ctx)
	if err == nil && len(reasonRS) > 0 && len(reasonRS[0].Expressions) > 0 {
		if v, ok := reasonRS[0].Expressions[0].Value.(string); ok {
			out.Reason = v
		}
	}
	if out.Reason == "" {
		out.Reason = "denied by admission policy"
	}
	return out, nil
}

func buildInput(in AdmissionInput) map[string]interface{} {
	return map[string]interface{}{
		"identity": in.IdentityID,
		"role":     in.RoleID,
		"source":   in.Source,
	}
}

func loadPolicy(policy string) (string, error) {
	policy = strings.TrimSpace(policy)
	if policy == "" {
		return defaultRegoPolicy, nil
	}
	if strings.HasPrefix(policy, "package ") {
		return policy, nil
	}
	b, err := os.ReadFile(policy)
	if err != nil {
		return "", fmt.Errorf("read admission policy: %w", err)
	}
	return string(b), nil
}
