// internal/chaos/engine.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// Experiment defines a chaos engineering test
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Probe
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
	// Interval between probe samples while observing. Defaults to one second.
	Interval time.Duration
}

// Probe defines a measurable system property
type Probe struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) Holds(v float64) bool {
	switch t.Operator {
	case ">":
		return v > t.Value
	case "<":
		return v < t.Value
	case ">=":
		return v >= t.Value
	case "<=":
		return v <= t.Value
	case "==":
		return v == t.Value
	default:
		return false
	}
}

// Action injects or removes a fault, or drives load against the system.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion validates the final observation of a probe.
type Assertion struct {
	Probe     string
	Condition func(float64) bool
	Message   string
}

// Result captures experiment execution data
type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []Violation            `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type Violation struct {
	Probe     string    `json:"probe"`
	Expected  float64   `json:"expected"`
	Actual    float64   `json:"actual"`
	Timestamp time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine orchestrates chaos experiments
type Engine struct {
	tracer      trace.Tracer
	logger      *zap.Logger
	experiments []Experiment
	results     []Result
	mu          sync.Mutex
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		tracer: otel.Tracer("authorinventory/chaos"),
		logger: logger.Named("chaos"),
	}
}

// Register adds an experiment to the suite
func (e *Engine) Register(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes a single experiment: steady state check, fault injection,
// observation, rollback and validation.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	span.AddEvent("validating_steady_state")
	if valid, violations := e.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.Violations = violations
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	// rollback runs even when the method or observation is cut short
	defer func() {
		span.AddEvent("rolling_back")
		for _, action := range exp.Rollback {
			if err := action.Execute(context.WithoutCancel(ctx)); err != nil {
				span.RecordError(err)
				e.logger.Warn("rollback action failed", zap.String("target", action.Target), zap.Error(err))
			}
		}
	}()

	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
	}

	span.AddEvent("observing_system")
	e.observe(ctx, exp, result)

	span.AddEvent("validating_assertions")
	result.HypothesisHeld, result.FailedAssertions = validateAssertions(exp.Validation, result)
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

// observe samples every probe each interval until the duration elapses,
// plus one final sample.
func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	interval := exp.Interval
	if interval <= 0 {
		interval = time.Second
	}
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	var recoveryStart time.Time
	recovered := false
	sample := func() {
		for _, probe := range exp.SteadyState {
			value, err := probe.Query(ctx)
			if err != nil {
				result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
					Timestamp: time.Now(),
					Error:     err.Error(),
					Component: probe.Name,
				})
				continue
			}
			result.Observations[probe.Name] = append(result.Observations[probe.Name],
				DataPoint{Timestamp: time.Now(), Value: value})

			if !probe.Threshold.Holds(value) {
				if recoveryStart.IsZero() {
					recoveryStart = time.Now()
				}
				result.Violations = append(result.Violations, Violation{
					Probe:     probe.Name,
					Expected:  probe.Threshold.Value,
					Actual:    value,
					Timestamp: time.Now(),
				})
			} else if !recoveryStart.IsZero() && !recovered {
				mttr := time.Since(recoveryStart)
				result.MTTR = &mttr
				recovered = true
			}
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-observationCtx.Done():
			sample()
			return
		case <-ticker.C:
			sample()
		}
	}
}

func (e *Engine) validateSteadyState(ctx context.Context, probes []Probe) (bool, []Violation) {
	violations := make([]Violation, 0)
	for _, probe := range probes {
		value, err := probe.Query(ctx)
		if err != nil {
			violations = append(violations, Violation{
				Probe:     probe.Name,
				Expected:  probe.Threshold.Value,
				Actual:    -1,
				Timestamp: time.Now(),
			})
			continue
		}
		if !probe.Threshold.Holds(value) {
			violations = append(violations, Violation{
				Probe:     probe.Name,
				Expected:  probe.Threshold.Value,
				Actual:    value,
				Timestamp: time.Now(),
			})
		}
	}
	return len(violations) == 0, violations
}

func validateAssertions(assertions []Assertion, result *Result) (bool, []string) {
	var failed []string
	for _, a := range assertions {
		obs := result.Observations[a.Probe]
		if len(obs) == 0 || !a.Condition(obs[len(obs)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return len(failed) == 0, failed
}

// GameDay orchestrates a series of chaos experiments.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
	// Pause between experiments.
	Pause time.Duration
}

// RunGameDay runs every scenario and reports whether all hypotheses held.
func (e *Engine) RunGameDay(ctx context.Context, day GameDay) ([]Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", day.Name)),
	)
	defer span.End()

	e.logger.Info("starting game day", zap.String("name", day.Name), zap.Time("date", day.Date))

	var results []Result
	var errs []error
	for i, scenario := range day.Scenarios {
		log := e.logger.With(zap.String("experiment", scenario.Name), zap.Int("n", i+1), zap.Int("of", len(day.Scenarios)))
		log.Info("running experiment", zap.String("hypothesis", scenario.Hypothesis))

		result, err := e.Run(ctx, scenario)
		if err != nil {
			log.Error("experiment failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", scenario.Name, err))
			continue
		}
		results = append(results, *result)
		e.logResult(log, result)
		if !result.HypothesisHeld {
			errs = append(errs, fmt.Errorf("%s: hypothesis violated", scenario.Name))
		}

		if day.Pause > 0 && i < len(day.Scenarios)-1 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(day.Pause):
			}
		}
	}
	return results, errors.Join(errs...)
}

func (e *Engine) logResult(log *zap.Logger, result *Result) {
	fields := []zap.Field{
		zap.Bool("hypothesisHeld", result.HypothesisHeld),
		zap.Int("violations", len(result.Violations)),
		zap.Int("errors", len(result.ErrorEvents)),
		zap.Duration("duration", result.Duration),
	}
	if result.MTTR != nil {
		fields = append(fields, zap.Duration("mttr", *result.MTTR))
	}
	if len(result.FailedAssertions) > 0 {
		fields = append(fields, zap.Strings("failedAssertions", result.FailedAssertions))
	}
	if result.HypothesisHeld {
		log.Info("hypothesis held", fields...)
		return
	}
	log.Warn("hypothesis violated", fields...)
}
