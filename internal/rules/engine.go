// Package rules compiles tenant-authored CEL reason rules and evaluates them
// against the signals of a single decision.
package rules

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/trialguard/internal/domain"
)

// Engine owns the CEL environment reason rules are compiled against.
// It is safe for concurrent use.
type Engine struct {
	env *cel.Env
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    domain.ReasonRule
	Program cel.Program
}

// RuleSet is an immutable, ordered list of compiled rules.
type RuleSet struct {
	rules []*CompiledRule
}

// NewEngine creates a rule engine with the decision variables declared.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("abuse", cel.DoubleType),
		cel.Variable("cost", cel.DoubleType),
		cel.Variable("conversion", cel.DoubleType),
		cel.Variable("roi", cel.DoubleType),
		cel.Variable("disposition", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("cold_start", cel.BoolType),
		// Fingerprint
		cel.Variable("burst", cel.BoolType),
		cel.Variable("repeated", cel.BoolType),
		cel.Variable("window", cel.IntType),
		cel.Variable("sessions", cel.IntType),
		// Resource usage
		cel.Variable("held", cel.DoubleType),
		cel.Variable("claims", cel.IntType),
		cel.Variable("anomalies", cel.IntType),
		cel.Variable("attrs", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Engine{env: env}, nil
}

// Input is the set of values a rule can reference.
type Input struct {
	Abuse       float64
	Cost        float64
	Conversion  float64
	ROI         float64
	Disposition domain.Disposition
	Kind        domain.EventKind
	ColdStart   bool
	Burst       bool
	Repeated    bool
	Window      int
	Sessions    int
	Held        float64
	Claims      uint64
	Anomalies   uint64
	Attributes  map[string]string
}

func (in *Input) activation() map[string]any {
	attrs := in.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return map[string]any{
		"abuse":       in.Abuse,
		"cost":        in.Cost,
		"conversion":  in.Conversion,
		"roi":         in.ROI,
		"disposition": string(in.Disposition),
		"kind":        string(in.Kind),
		"cold_start":  in.ColdStart,
		"burst":       in.Burst,
		"repeated":    in.Repeated,
		"window":      int64(in.Window),
		"sessions":    int64(in.Sessions),
		"held":        in.Held,
		"claims":      int64(in.Claims),
		"anomalies":   int64(in.Anomalies),
		"attrs":       attrs,
	}
}

// ValidateRule compiles r without keeping the result.
func (e *Engine) ValidateRule(r domain.ReasonRule) error {
	_, err := e.compileRule(r)
	return err
}

// Compile compiles rules in order. Any failure wraps ErrInvalidConfig.
func (e *Engine) Compile(rules []domain.ReasonRule) (*RuleSet, error) {
	set := &RuleSet{rules: make([]*CompiledRule, 0, len(rules))}
	for _, r := range rules {
		c, err := e.compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
		}
		set.rules = append(set.rules, c)
	}
	return set, nil
}

func (e *Engine) compileRule(r domain.ReasonRule) (*CompiledRule, error) {
	ast, issues := e.env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", r.Code, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", r.Code, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", r.Code, err)
	}

	return &CompiledRule{Rule: r, Program: program}, nil
}

// Evaluate returns the codes of rules that hold for in, in rule order.
// A rule that fails at runtime (missing map key, bad conversion) counts as false.
func (s *RuleSet) Evaluate(in *Input) []string {
	if s == nil || len(s.rules) == 0 {
		return nil
	}
	act := in.activation()
	var codes []string
	for _, r := range s.rules {
		out, _, err := r.Program.Eval(act)
		if err != nil {
			slog.Debug("reason rule evaluation failed", "code", r.Rule.Code, "error", err)
			continue
		}
		if b, ok := out.(types.Bool); ok && bool(b) {
			codes = append(codes, r.Rule.Code)
		}
	}
	return codes
}

// Len returns the number of compiled rules.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Rules returns the source rules in order.
func (s *RuleSet) Rules() []domain.ReasonRule {
	if s == nil {
		return nil
	}
	out := make([]domain.ReasonRule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Rule
	}
	return out
}
