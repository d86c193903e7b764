package authority

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/jmcleod/rbacaccel/internal/util"
	"github.com/jmcleod/rbacaccel/rbac"
)

//go:embed authz.rego
var authzModule string

const authzQuery = "data.rbacaccel.authz.allow"

// AccessInput is the document an Evaluator decides over. Role names in
// ActiveRoles and Grants keys are normalized.
type AccessInput struct {
	ActiveRoles []string                     `json:"active_roles"`
	Grants      map[string][]rbac.Permission `json:"grants"`
	Permission  rbac.Permission              `json:"permission"`
}

// NewAccessInput builds the evaluator input for a session's active roles.
func NewAccessInput(active []string, grants rbac.Grants, p rbac.Permission) AccessInput {
	in := AccessInput{
		ActiveRoles: make([]string, 0, len(active)),
		Grants:      make(map[string][]rbac.Permission, len(active)),
		Permission:  p,
	}
	for _, name := range active {
		key := util.NormalizeID(name)
		in.ActiveRoles = append(in.ActiveRoles, key)
		if perms := grants.For(key); len(perms) > 0 {
			in.Grants[key] = perms
		}
	}
	return in
}

// Evaluator decides whether an access input is allowed.
type Evaluator interface {
	Allowed(ctx context.Context, in AccessInput) (bool, error)
}

// RegoEvaluator evaluates access with an embedded Rego policy.
type RegoEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewRegoEvaluator compiles the embedded authorization policy.
func NewRegoEvaluator(ctx context.Context) (*RegoEvaluator, error) {
	r := rego.New(
		rego.Query(authzQuery),
		rego.Module("authz.rego", authzModule),
		rego.StrictBuiltinErrors(true),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compiling authorization policy: %w", err)
	}
	return &RegoEvaluator{query: prepared}, nil
}

func (e *RegoEvaluator) Allowed(ctx context.Context, in AccessInput) (bool, error) {
	if e == nil {
		return false, errors.New("evaluator is nil")
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, errors.New("empty authorization result")
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("authorization result is %T, want bool", results[0].Expressions[0].Value)
	}
	return allowed, nil
}

// StaticEvaluator evaluates access in Go without a policy engine.
type StaticEvaluator struct{}

func (StaticEvaluator) Allowed(_ context.Context, in AccessInput) (bool, error) {
	grants := make(rbac.Grants, len(in.Grants))
	for role, perms := range in.Grants {
		grants.Add(role, perms...)
	}
	return rbac.Evaluate(rbac.UserRoles("", in.ActiveRoles), grants, in.Permission), nil
}
