package ledger

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"monthlypay/internal/core"
)

// TransitionPolicy decides whether a status change may be written.
type TransitionPolicy interface {
	Allow(from, to core.CheckStatus) (bool, error)
}

// AllowAll accepts every transition. Reviewers may move a record between
// any two statuses.
type AllowAll struct{}

func (AllowAll) Allow(_, _ core.CheckStatus) (bool, error) { return true, nil }

// CELPolicy evaluates a boolean CEL expression over the string variables
// from and to, e.g.
//
//	to != "confirmed" || from == "in_review"
type CELPolicy struct {
	expr    string
	program cel.Program
}

func NewCELPolicy(expr string) (*CELPolicy, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("transition rule is empty")
	}

	env, err := cel.NewEnv(
		cel.Variable("from", cel.StringType),
		cel.Variable("to", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile transition rule: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("transition rule must evaluate to bool, got %s", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build transition rule: %w", err)
	}
	return &CELPolicy{expr: expr, program: program}, nil
}

func (p *CELPolicy) String() string { return p.expr }

func (p *CELPolicy) Allow(from, to core.CheckStatus) (bool, error) {
	out, _, err := p.program.Eval(map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	if err != nil {
		return false, fmt.Errorf("evaluate transition rule: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("transition rule returned %T", out.Value())
	}
	return allowed, nil
}
