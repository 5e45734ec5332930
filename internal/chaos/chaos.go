// internal/chaos/chaos.go
package chaos

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// Experiment defines a chaos engineering test.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	// Probes are only measured after the method ran.
	Probes     []Metric
	Validation []Assertion
}

// Metric defines a measurable system property.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action represents a fault injection, a workload step or a recovery step.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion validates an experiment outcome against a measured metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Result captures experiment execution data.
type Result struct {
	ExperimentName   string             `json:"experiment_name"`
	StartTime        time.Time          `json:"start_time"`
	EndTime          time.Time          `json:"end_time"`
	HypothesisHeld   bool               `json:"hypothesis_held"`
	SteadyStateValid bool               `json:"steady_state_valid"`
	Violations       []MetricViolation  `json:"violations"`
	Observations     map[string]float64 `json:"observations"`
	FailedAssertions []string           `json:"failed_assertions,omitempty"`
	ErrorEvents      []ErrorEvent       `json:"error_events"`
}

type MetricViolation struct {
	MetricName string  `json:"metric_name"`
	Expected   float64 `json:"expected"`
	Actual     float64 `json:"actual"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine orchestrates chaos experiments.
type Engine struct {
	tracer      trace.Tracer
	logger      *zap.Logger
	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		tracer: otel.Tracer("libralend/chaos"),
		logger: logger,
	}
}

// Register adds experiments to the suite.
func (e *Engine) Register(exps ...Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exps...)
}

// Experiments returns the registered experiments.
func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

// Results returns the results of every experiment run so far.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes a single experiment. Errors returned by method actions are expected
// faults and are recorded, not returned.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string]float64),
	}

	span.AddEvent("validating_steady_state")
	if violations := e.measure(ctx, exp.SteadyState, result); len(violations) > 0 {
		result.Violations = violations
		result.EndTime = time.Now()
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

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
	result.Violations = e.measure(ctx, append(append([]Metric(nil), exp.SteadyState...), exp.Probes...), result)

	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
			e.logger.Warn("chaos rollback failed", zap.String("experiment", exp.Name), zap.Error(err))
		}
	}

	span.AddEvent("validating_assertions")
	result.FailedAssertions = validate(exp.Validation, result.Observations)
	result.HypothesisHeld = len(result.Violations) == 0 && len(result.FailedAssertions) == 0
	result.EndTime = time.Now()

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	e.logger.Info("chaos experiment finished",
		zap.String("experiment", exp.Name),
		zap.Bool("hypothesis_held", result.HypothesisHeld),
		zap.Int("expected_faults", len(result.ErrorEvents)),
		zap.Strings("failed_assertions", result.FailedAssertions))

	return result, nil
}

// RunAll runs every registered experiment in order and reports whether all hypotheses held.
func (e *Engine) RunAll(ctx context.Context) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day")
	defer span.End()

	held := true
	for _, exp := range e.Experiments() {
		result, err := e.Run(ctx, exp)
		if err != nil {
			return false, err
		}
		held = held && result.HypothesisHeld
	}
	return held, nil
}

func (e *Engine) measure(ctx context.Context, metrics []Metric, result *Result) []MetricViolation {
	var violations []MetricViolation
	for _, m := range metrics {
		value, err := m.Query(ctx)
		if err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: m.Name,
			})
			violations = append(violations, MetricViolation{MetricName: m.Name, Expected: m.Threshold.Value, Actual: -1})
			continue
		}
		result.Observations[m.Name] = value
		if m.Threshold.Operator != "" && !evaluateThreshold(value, m.Threshold) {
			violations = append(violations, MetricViolation{MetricName: m.Name, Expected: m.Threshold.Value, Actual: value})
		}
	}
	return violations
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}

func validate(assertions []Assertion, observations map[string]float64) []string {
	var failed []string
	for _, a := range assertions {
		value, ok := observations[a.Metric]
		if !ok || !a.Condition(value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}
