// Package interpreter evaluates constitution rules against computed
// signal values. Rules are data — signal refs, a comparator, thresholds,
// severity, weight — interpreted by one generic evaluator; new rules
// need no interpreter changes. Predicates compile to CEL programs at
// constitution activation, so a malformed rule is rejected before it can
// ever corrupt a live evaluation run.
package interpreter

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/covenantlabs/covenant/pkg/contracts"
	"github.com/covenantlabs/covenant/pkg/signals"
)

var (
	// ErrInvalidPredicate marks a rule predicate that fails validation
	// or compilation. Raised at activation time only.
	ErrInvalidPredicate = errors.New("invalid rule predicate")
)

// Interpreter holds the CEL environment and a compiled-program cache.
type Interpreter struct {
	env      *cel.Env
	registry *signals.Registry

	mu    sync.RWMutex
	cache map[string]cel.Program // CEL source → compiled program
}

// New creates an interpreter bound to a signal registry. The CEL
// environment exposes one variable: `signals`, a map of signal name to
// computed double.
func New(registry *signals.Registry) (*Interpreter, error) {
	env, err := cel.NewEnv(
		cel.Variable("signals", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("interpreter: create CEL env: %w", err)
	}
	return &Interpreter{
		env:      env,
		registry: registry,
		cache:    make(map[string]cel.Program),
	}, nil
}

// CompileRule validates a rule and compiles its predicate bands. Every
// signal ref must be registered and the predicate must compile; any
// failure here is a config error surfaced at constitution activation,
// never at evaluation time.
func (it *Interpreter) CompileRule(rule contracts.Rule) error {
	if len(rule.SignalRefs) == 0 {
		return fmt.Errorf("%w: rule %s declares no signal refs", ErrInvalidPredicate, rule.ID)
	}
	if rule.Weight < 0 || rule.Weight > 1 {
		return fmt.Errorf("%w: rule %s weight %v outside [0,1]", ErrInvalidPredicate, rule.ID, rule.Weight)
	}
	declared := make(map[string]bool, len(rule.SignalRefs))
	for _, ref := range rule.SignalRefs {
		if _, ok := it.registry.Lookup(ref); !ok {
			return fmt.Errorf("rule %s: %w: %s", rule.ID, signals.ErrUnknownSignal, ref)
		}
		declared[ref] = true
	}

	// Informational rules only report signal values; they may omit the
	// predicate entirely.
	if rule.Severity == contracts.SeverityInfo {
		return nil
	}

	failSrc, warnSrc, err := predicateSources(rule, declared)
	if err != nil {
		return err
	}
	if _, err := it.program(failSrc); err != nil {
		return fmt.Errorf("rule %s: %w: %v", rule.ID, ErrInvalidPredicate, err)
	}
	if warnSrc != "" {
		if _, err := it.program(warnSrc); err != nil {
			return fmt.Errorf("rule %s: %w: %v", rule.ID, ErrInvalidPredicate, err)
		}
	}
	return nil
}

// predicateSources renders the FAIL and WARN band expressions for a
// rule. Threshold-form predicates express the compliant direction
// (e.g. lte 0.15); the band expression is its negation at each threshold.
func predicateSources(rule contracts.Rule, declared map[string]bool) (failSrc, warnSrc string, err error) {
	p := rule.Predicate

	if p.FailExpr != "" {
		return p.FailExpr, p.WarnExpr, nil
	}

	if p.Signal == "" {
		return "", "", fmt.Errorf("%w: rule %s has neither thresholds nor expressions", ErrInvalidPredicate, rule.ID)
	}
	if !declared[p.Signal] {
		return "", "", fmt.Errorf("%w: rule %s predicate signal %q not in signal_refs", ErrInvalidPredicate, rule.ID, p.Signal)
	}
	if p.Fail == nil {
		return "", "", fmt.Errorf("%w: rule %s missing fail threshold", ErrInvalidPredicate, rule.ID)
	}

	sym, ok := comparatorSymbol(p.Op)
	if !ok {
		return "", "", fmt.Errorf("%w: rule %s unknown comparator %q", ErrInvalidPredicate, rule.ID, p.Op)
	}

	failSrc = violationExpr(p.Signal, sym, *p.Fail)
	if p.Warn != nil {
		warnSrc = violationExpr(p.Signal, sym, *p.Warn)
	}
	return failSrc, warnSrc, nil
}

func comparatorSymbol(op contracts.Comparator) (string, bool) {
	switch op {
	case contracts.CmpLTE:
		return "<=", true
	case contracts.CmpGTE:
		return ">=", true
	case contracts.CmpLT:
		return "<", true
	case contracts.CmpGT:
		return ">", true
	case contracts.CmpEQ:
		return "==", true
	default:
		return "", false
	}
}

func violationExpr(signal, sym string, threshold float64) string {
	return fmt.Sprintf("!(signals[%q] %s %s)",
		signal, sym, strconv.FormatFloat(threshold, 'g', -1, 64))
}

// program compiles a CEL source with cost limits, caching the result.
func (it *Interpreter) program(src string) (cel.Program, error) {
	it.mu.RLock()
	prg, hit := it.cache[src]
	it.mu.RUnlock()
	if hit {
		return prg, nil
	}

	it.mu.Lock()
	defer it.mu.Unlock()
	if prg, hit = it.cache[src]; hit {
		return prg, nil
	}

	ast, issues := it.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := it.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	it.cache[src] = prg
	return prg, nil
}

func (it *Interpreter) evalBool(src string, input map[string]any) (bool, error) {
	prg, err := it.program(src)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate result is %T, want bool", out.Value())
	}
	return val, nil
}

// EvaluateRule produces the RuleResult for one rule given computed
// signal results and the currently approved exceptions.
//
// Order of operations: unavailable signal inputs downgrade to INFO with
// a data_insufficient annotation; otherwise the FAIL band is checked
// before WARN (most severe outcome wins); an active covering exception
// then caps FAIL at WARN.
func (it *Interpreter) EvaluateRule(rule contracts.Rule, sigMap map[string]signals.Result, exceptions []contracts.Exception, now time.Time) (contracts.RuleResult, error) {
	result := contracts.RuleResult{
		RuleID:       rule.ID,
		ArticleID:    rule.ArticleID,
		SignalValues: make(map[string]float64, len(rule.SignalRefs)),
	}

	for _, ref := range rule.SignalRefs {
		res, ok := sigMap[ref]
		if !ok || !res.Available {
			result.Status = contracts.StatusInfo
			result.Reason = contracts.ReasonDataInsufficient
			if ok && res.Reason != "" {
				result.Reason = contracts.ReasonDataInsufficient + ": " + res.Reason
			}
			return result, nil
		}
		result.SignalValues[ref] = res.Value
	}

	// Informational rules report signal values but never score.
	if rule.Severity == contracts.SeverityInfo {
		result.Status = contracts.StatusInfo
		return result, nil
	}

	input := map[string]any{"signals": result.SignalValues}
	failSrc, warnSrc, err := predicateSources(rule, declaredSet(rule.SignalRefs))
	if err != nil {
		return contracts.RuleResult{}, err
	}

	status := contracts.StatusPass
	failed, err := it.evalBool(failSrc, input)
	if err != nil {
		return contracts.RuleResult{}, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	switch {
	case failed:
		status = contracts.StatusFail
	case warnSrc != "":
		warned, err := it.evalBool(warnSrc, input)
		if err != nil {
			return contracts.RuleResult{}, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if warned {
			status = contracts.StatusWarn
		}
	}

	// A WARN-severity rule never escalates past WARN.
	if status == contracts.StatusFail && rule.Severity == contracts.SeverityWarn {
		status = contracts.StatusWarn
	}

	if status == contracts.StatusFail {
		if ex, ok := coveringException(rule, exceptions, now); ok {
			status = contracts.StatusWarn
			result.ExceptionApplied = true
			result.ExceptionID = ex.ID
			result.Reason = "capped by exception"
		}
	}

	result.Status = status
	return result, nil
}

func declaredSet(refs []string) map[string]bool {
	m := make(map[string]bool, len(refs))
	for _, ref := range refs {
		m[ref] = true
	}
	return m
}

// coveringException finds an active exception that targets the rule and
// covers its scope. When several overlap, the one expiring last is
// recorded — capping is idempotent, so which one wins changes nothing
// about the outcome.
func coveringException(rule contracts.Rule, exceptions []contracts.Exception, now time.Time) (contracts.Exception, bool) {
	var best contracts.Exception
	found := false
	for _, ex := range exceptions {
		if ex.RuleID != rule.ID || !ex.ActiveAt(now) {
			continue
		}
		if !ex.Covers(rule.Scope, "") {
			continue
		}
		if !found || ex.Expiry.After(best.Expiry) {
			best = ex
			found = true
		}
	}
	return best, found
}
