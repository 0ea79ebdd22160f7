package dispatcher

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/pulseiot/pulse/pkg/store"
)

// filterEngine compiles and caches route filter_cel expressions. The
// variables exposed to an expression are the alert view fields; a
// filter must evaluate to a boolean.
type filterEngine struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

func newFilterEngine() (*filterEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("severity", cel.IntType),
		cel.Variable("alert_type", cel.StringType),
		cel.Variable("site_id", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("fingerprint", cel.StringType),
		cel.Variable("summary", cel.StringType),
		cel.Variable("escalation_level", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: failed to build filter env: %w", err)
	}
	return &filterEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

// Allow evaluates the expression against one alert. Compile errors and
// non-boolean results are reported as errors; the caller treats an
// erroring filter as a non-match.
func (e *filterEngine) Allow(expression string, a *store.FleetAlert) (bool, error) {
	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"severity":         a.Severity,
		"alert_type":       a.AlertType,
		"site_id":          a.SiteID,
		"device_id":        a.DeviceID,
		"fingerprint":      a.Fingerprint,
		"summary":          a.Summary,
		"escalation_level": a.EscalationLevel,
	})
	if err != nil {
		return false, fmt.Errorf("dispatcher: filter eval failed: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("dispatcher: filter %q did not yield a boolean", expression)
	}
	return allowed, nil
}

func (e *filterEngine) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expression]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expression]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("dispatcher: filter compile failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: filter program failed: %w", err)
	}
	e.cache[expression] = prg
	return prg, nil
}
