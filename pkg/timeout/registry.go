// Package timeout implements the Timeout Registry (C5): per-operation
// class timeout budgets, complexity adjustment, and a retry policy
// backed by a circuit breaker per class.
package timeout

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	taskerrors "github.com/relaykit/taskrunner/pkg/errors"
)

// OperationClass is one of the nine fixed categories of work the
// Timeout Registry budgets independently. Free-form class names are
// deliberately not supported: every caller names one of these.
type OperationClass string

const (
	OpTaskExecution              OperationClass = "task_execution"
	OpTaskDecomposition          OperationClass = "task_decomposition"
	OpRecursiveTaskDecomposition OperationClass = "recursive_task_decomposition"
	OpTaskRefinement             OperationClass = "task_refinement"
	OpAgentCommunication         OperationClass = "agent_communication"
	OpLLMRequest                 OperationClass = "llm_request"
	OpFileOperations             OperationClass = "file_operations"
	OpDatabaseOperations         OperationClass = "database_operations"
	OpNetworkOperations          OperationClass = "network_operations"
)

// Complexity is the caller-declared size tier of one invocation,
// scaling the operation class's base budget by a fixed multiplier.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
	ComplexityCritical Complexity = "critical"
)

var complexityMultiplier = map[Complexity]float64{
	ComplexitySimple:   1.0,
	ComplexityModerate: 1.5,
	ComplexityComplex:  2.0,
	ComplexityCritical: 3.0,
}

// ClassConfig is the timeout and retry policy for one operation
// class.
type ClassConfig struct {
	Base            time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffFactor   float64
	MaxDelay        time.Duration
	BreakerOpenAt   uint32
	BreakerCooldown time.Duration
}

// Registry holds one breaker per operation class and computes
// complexity-adjusted deadlines.
type Registry struct {
	mu       sync.RWMutex
	classes  map[OperationClass]ClassConfig
	breakers map[OperationClass]*gobreaker.CircuitBreaker
	def      ClassConfig
}

// New builds a Registry. def is used for any class not present in
// classes.
func New(def ClassConfig, classes map[OperationClass]ClassConfig) *Registry {
	r := &Registry{
		classes:  make(map[OperationClass]ClassConfig, len(classes)),
		breakers: make(map[OperationClass]*gobreaker.CircuitBreaker),
		def:      def,
	}
	for name, cfg := range classes {
		r.classes[name] = cfg
	}
	return r
}

func (r *Registry) classFor(class OperationClass) ClassConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.classes[class]; ok {
		return cfg
	}
	return r.def
}

func (r *Registry) breakerFor(class OperationClass, cfg ClassConfig) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[class]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: string(class),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerOpenAt
		},
		Timeout: cfg.BreakerCooldown,
	})
	r.breakers[class] = b
	return b
}

// ComplexityAdjusted computes the timeout for one invocation of class,
// scaling the class's base budget by the discrete complexity-tier
// multiplier {simple:1.0, moderate:1.5, complex:2.0, critical:3.0}.
// task_execution additionally scales by max(1, estimated_hours/2) and
// caps at 4 hours; every other class caps at 5x its base budget.
// estimatedHours is ignored for classes other than task_execution.
func (r *Registry) ComplexityAdjusted(class OperationClass, complexity Complexity, estimatedHours float64) time.Duration {
	cfg := r.classFor(class)
	mult, ok := complexityMultiplier[complexity]
	if !ok {
		mult = 1.0
	}
	d := time.Duration(float64(cfg.Base) * mult)

	if class == OpTaskExecution {
		hourMult := estimatedHours / 2
		if hourMult < 1 {
			hourMult = 1
		}
		d = time.Duration(float64(d) * hourMult)
		if cap := 4 * time.Hour; d > cap {
			d = cap
		}
		return d
	}

	if cap := cfg.Base * 5; d > cap {
		d = cap
	}
	return d
}

// RunWithTimeout executes fn under class's complexity-adjusted
// deadline, retrying transient/timeout failures per the class's
// backoff policy (capped at MaxDelay), gated by a per-class circuit
// breaker that stops retrying once consecutive failures cross
// BreakerOpenAt.
func (r *Registry) RunWithTimeout(ctx context.Context, class OperationClass, complexity Complexity, estimatedHours float64, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	cfg := r.classFor(class)
	breaker := r.breakerFor(class, cfg)
	deadline := r.ComplexityAdjusted(class, complexity, estimatedHours)

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := breaker.Execute(func() (interface{}, error) {
			runCtx, cancel := context.WithTimeout(ctx, deadline)
			defer cancel()

			res, err := fn(runCtx)
			if err != nil && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return nil, taskerrors.Timeout(string(class), deadline)
			}
			if err != nil {
				return nil, err
			}
			if runCtx.Err() != nil {
				return nil, taskerrors.Timeout(string(class), deadline)
			}
			return res, nil
		})

		if err == nil {
			return result, nil
		}
		lastErr = err

		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, taskerrors.Transient(string(class), err)
		}
		if !isRetryable(err) || attempt == cfg.MaxAttempts {
			break
		}

		backoff := time.Duration(float64(cfg.BackoffBase) * math.Pow(cfg.BackoffFactor, float64(attempt-1)))
		if cfg.MaxDelay > 0 && backoff > cfg.MaxDelay {
			backoff = cfg.MaxDelay
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, lastErr
}

func isRetryable(err error) bool {
	if taskerrors.IsRetryable(err) {
		return true
	}
	te, ok := err.(*taskerrors.TaskError)
	return ok && (te.Kind == taskerrors.KindTimeout || te.Kind == taskerrors.KindTransient)
}
