// Package rules decides, per job, whether it is part of a pipeline run.
// Conditions are boolean expressions over the trigger context; the grammar
// is deliberately minimal: equality, inequality, logical AND/OR/NOT,
// parentheses, literals and variable references. Evaluation is a pure
// function of (job, context).
package rules

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/trigger"
)

// Decision is the outcome of rule evaluation for one job.
type Decision int

const (
	// Included means the job is part of the run and schedules normally.
	Included Decision = iota
	// Excluded means the job is not part of the run and is never created.
	Excluded
	// ManualGate means the job is created but held until an explicit
	// external trigger; it never auto-runs.
	ManualGate
)

// String returns the decision name for logs.
func (d Decision) String() string {
	switch d {
	case Included:
		return "included"
	case Excluded:
		return "excluded"
	case ManualGate:
		return "manual"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// EvaluationError reports a malformed rule condition. It is fatal to the
// owning job only: the job is treated as failed without ever executing.
type EvaluationError struct {
	Job       string
	Condition string
	Detail    string
}

// Error implements the error interface.
func (e *EvaluationError) Error() string {
	return fmt.Sprintf("rule evaluation failed for job %q: condition %q: %s", e.Job, e.Condition, e.Detail)
}

// Evaluate applies a job's rules to the trigger context. The first rule
// whose condition holds decides; a rule without a condition always matches.
// A job with rules but no matching rule is Excluded; a job with no rules at
// all is Included.
func Evaluate(job *config.Job, tc *trigger.Context) (Decision, error) {
	if len(job.Rules) == 0 {
		return Included, nil
	}
	scope := &hcl.EvalContext{Variables: tc.EvalVariables()}
	for _, rule := range job.Rules {
		matched := true
		if rule.If != "" {
			var err error
			matched, err = evalCondition(job.Name, rule.If, scope)
			if err != nil {
				return Excluded, err
			}
		}
		if !matched {
			continue
		}
		switch rule.When {
		case "never":
			return Excluded, nil
		case "manual":
			return ManualGate, nil
		default: // "", "always", "on_success"
			return Included, nil
		}
	}
	return Excluded, nil
}

// evalCondition parses, restricts and evaluates one boolean condition.
func evalCondition(jobName, condition string, scope *hcl.EvalContext) (bool, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(condition), "rules", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return false, &EvaluationError{Job: jobName, Condition: condition, Detail: diags.Error()}
	}
	if err := restrict(expr); err != nil {
		return false, &EvaluationError{Job: jobName, Condition: condition, Detail: err.Error()}
	}
	val, diags := expr.Value(scope)
	if diags.HasErrors() {
		return false, &EvaluationError{Job: jobName, Condition: condition, Detail: diags.Error()}
	}
	if val.Type() != cty.Bool {
		return false, &EvaluationError{Job: jobName, Condition: condition, Detail: "condition is not boolean"}
	}
	return val.True(), nil
}

// restrict walks the parsed expression and rejects anything outside the
// minimal grammar. Richer syntax (function calls, arithmetic, indexing,
// interpolation) is an error, not silently accepted.
func restrict(expr hclsyntax.Expression) error {
	switch e := expr.(type) {
	case *hclsyntax.BinaryOpExpr:
		switch e.Op {
		case hclsyntax.OpEqual, hclsyntax.OpNotEqual, hclsyntax.OpLogicalAnd, hclsyntax.OpLogicalOr:
		default:
			return fmt.Errorf("operator not allowed; use ==, !=, && or ||")
		}
		if err := restrict(e.LHS); err != nil {
			return err
		}
		return restrict(e.RHS)
	case *hclsyntax.UnaryOpExpr:
		if e.Op != hclsyntax.OpLogicalNot {
			return fmt.Errorf("unary operator not allowed; only ! is supported")
		}
		return restrict(e.Val)
	case *hclsyntax.ParenthesesExpr:
		return restrict(e.Expression)
	case *hclsyntax.ScopeTraversalExpr:
		if len(e.Traversal) != 1 {
			return fmt.Errorf("only bare variable references are allowed")
		}
		return nil
	case *hclsyntax.LiteralValueExpr:
		return nil
	case *hclsyntax.TemplateExpr:
		// A quoted string parses as a template; only constant ones pass.
		for _, part := range e.Parts {
			if _, ok := part.(*hclsyntax.LiteralValueExpr); !ok {
				return fmt.Errorf("string interpolation is not allowed in conditions")
			}
		}
		return nil
	}
	return fmt.Errorf("expression form %T is not allowed", expr)
}
