package engine

import "context"

// AdmissionInput is what the admission policy sees about an authenticated connection attempt.
type AdmissionInput struct {
	IdentityID string
	RoleID     string
	// Source names where the token came from (auth, query, header).
	Source string
}

// Decision is the outcome of an admission evaluation.
type Decision struct {
	Allow  bool
	Reason string
}

// Evaluator decides whether an authenticated identity may open a real-time connection.
type Evaluator interface {
	Admit(ctx context.Context, in AdmissionInput) (Decision, error)
}
