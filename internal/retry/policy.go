package retry

import (
	"fmt"
	"sort"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/yourorg/payment-automaton/internal/payment"
)

// Decision is what the policy says to do with an unresolved transaction.
type Decision string

const (
	DecisionRetry    Decision = "RETRY"
	DecisionEscalate Decision = "ESCALATE"
)

// Rule is one policy expression. Expressions see the parameters attempt,
// max_attempts, status, transaction_type and age_seconds.
type Rule struct {
	ID         string   `mapstructure:"id"`
	Expression string   `mapstructure:"expression"`
	Priority   int      `mapstructure:"priority"` // lower runs first
	Decision   Decision `mapstructure:"decision"`
}

type compiledRule struct {
	Rule
	expr *govaluate.EvaluableExpression
}

// Attempt describes the state of a transaction before the next retry.
type Attempt struct {
	// Number of retries already made by this control loop run.
	Number int
	Status payment.TransactionStatus
	Type   payment.TransactionType
	Age    time.Duration
}

// Policy decides whether an unresolved transaction is retried again.
type Policy struct {
	maxAttempts int
	rules       []compiledRule
}

// NewPolicy compiles rules. A transaction is never retried once maxAttempts
// retries were made; below that bound the first matching rule decides, and
// without one the transaction is retried.
func NewPolicy(maxAttempts int, rules []Rule) (*Policy, error) {
	if maxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must not be negative, got %d", maxAttempts)
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Expression == "" {
			return nil, fmt.Errorf("policy rule ID '%s' has an empty expression", r.ID)
		}
		switch r.Decision {
		case DecisionRetry, DecisionEscalate:
		default:
			return nil, fmt.Errorf("policy rule ID '%s' has unknown decision %q", r.ID, r.Decision)
		}
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule ID '%s': %w", r.ID, err)
		}
		compiled = append(compiled, compiledRule{Rule: r, expr: expr})
	}
	sort.SliceStable(compiled, func(i, j int) bool { return compiled[i].Priority < compiled[j].Priority })
	return &Policy{maxAttempts: maxAttempts, rules: compiled}, nil
}

// MaxAttempts returns the default retry bound.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// Evaluate returns the decision for a and the ID of the rule that made it,
// empty when the default bound decided.
func (p *Policy) Evaluate(a Attempt) (Decision, string, error) {
	params := map[string]interface{}{
		"attempt":          float64(a.Number),
		"max_attempts":     float64(p.maxAttempts),
		"status":           string(a.Status),
		"transaction_type": string(a.Type),
		"age_seconds":      a.Age.Seconds(),
	}
	for _, r := range p.rules {
		result, err := r.expr.Evaluate(params)
		if err != nil {
			return "", r.ID, fmt.Errorf("error evaluating rule ID '%s': %w", r.ID, err)
		}
		matched, ok := result.(bool)
		if !ok {
			return "", r.ID, fmt.Errorf("rule ID '%s' did not evaluate to a boolean, got %T", r.ID, result)
		}
		if !matched {
			continue
		}
		if r.Decision == DecisionRetry && a.Number >= p.maxAttempts {
			return DecisionEscalate, "", nil
		}
		return r.Decision, r.ID, nil
	}
	if a.Number < p.maxAttempts {
		return DecisionRetry, "", nil
	}
	return DecisionEscalate, "", nil
}
