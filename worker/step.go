// Package worker implements the analysis tier: a uniform dispatcher over
// static worker compositions. Each worker is an ordered list of steps; the
// checks inside a step run in parallel under a bounded fan-out, and a failed
// check is recorded rather than propagated.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/wopa-project/wopa/httpx"
	"github.com/wopa-project/wopa/wire"
)

// Outcome is what a successful check run produces.
type Outcome struct {
	RiskLevel   wire.RiskLevel
	Confidence  float64
	Explanation string
}

// CheckSpec is one executable check with its base weight.
type CheckSpec struct {
	ID     string
	Agent  string
	Weight float64
	Run    func(ctx context.Context) (*Outcome, error)
}

// Step is one ordered stage of a worker. Build runs at step start and may
// depend on the state earlier steps left behind (the link worker's content
// checks exist only after the page fetch). A critical step fails the worker
// when every one of its checks fails.
type Step struct {
	Name     string
	Critical bool
	Build    func(ctx context.Context) ([]CheckSpec, error)
}

// StaticStep is a convenience for steps whose checks are known up front.
func StaticStep(name string, critical bool, checks ...CheckSpec) Step {
	return Step{
		Name:     name,
		Critical: critical,
		Build: func(context.Context) ([]CheckSpec, error) {
			return checks, nil
		},
	}
}

// Executor runs steps sequentially and the checks within a step in parallel
// up to maxParallel.
type Executor struct {
	maxParallel int
}

// NewExecutor creates an executor; maxParallel<=0 falls back to 8.
func NewExecutor(maxParallel int) *Executor {
	if maxParallel <= 0 {
		maxParallel = 8
	}
	return &Executor{maxParallel: maxParallel}
}

// Run executes all steps and returns the per-step check records with
// renormalized weights. The returned error is non-nil only when the worker
// as a whole failed: a critical step lost every check, a step could not be
// built, or the context was cancelled.
func (e *Executor) Run(ctx context.Context, steps []Step) (map[string][]wire.Check, error) {
	results := make(map[string][]wire.Check, len(steps))

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "worker cancelled")
		}

		checks, err := step.Build(ctx)
		if err != nil {
			if step.Critical {
				return nil, errors.Wrapf(err, "step %s", step.Name)
			}
			slog.Warn("worker: step build failed, recording and continuing", "step", step.Name, "error", err)
			results[step.Name] = []wire.Check{{
				CheckID:       step.Name,
				AnalysisAgent: step.Name,
				RiskLevel:     wire.RiskUnknown,
				Confidence:    0,
				Error:         errorKind(err),
			}}
			continue
		}

		records := e.runStep(ctx, step, checks)
		results[step.Name] = records

		if step.Critical && allFailed(records) {
			return nil, errors.Wrapf(kindError(records), "step %s: all checks failed", step.Name)
		}
	}

	Renormalize(results)
	return results, nil
}

// runStep executes the checks of one step in parallel.
func (e *Executor) runStep(ctx context.Context, step Step, checks []CheckSpec) []wire.Check {
	records := make([]wire.Check, len(checks))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)
	start := time.Now()

	for i, spec := range checks {
		g.Go(func() error {
			record := wire.Check{
				CheckID:       spec.ID,
				AnalysisAgent: spec.Agent,
				Weight:        spec.Weight,
			}
			outcome, err := spec.Run(gctx)
			if err != nil {
				record.RiskLevel = wire.RiskUnknown
				record.Confidence = 0
				record.Error = errorKind(err)
				slog.Warn("worker: check failed",
					"step", step.Name,
					"check", spec.ID,
					"error", err)
			} else {
				record.RiskLevel = outcome.RiskLevel
				record.Confidence = outcome.Confidence
				record.Explanation = outcome.Explanation
			}
			mu.Lock()
			records[i] = record
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	slog.Debug("worker: step completed",
		"step", step.Name,
		"checks", len(checks),
		"duration_ms", time.Since(start).Milliseconds())
	return records
}

// kindError recovers the sentinel behind the first recorded failure so the
// worker-level error keeps its kind (a sandbox 503 must surface as
// provider_unavailable, not as a generic internal error).
func kindError(records []wire.Check) error {
	for _, r := range records {
		switch r.Error {
		case "provider_unavailable":
			return ErrProviderUnavailable
		case "protocol_error":
			return ErrProtocol
		case "transport_error":
			return httpx.ErrTransport
		case "cancelled":
			return context.Canceled
		}
	}
	return errors.New("all checks failed")
}

func allFailed(records []wire.Check) bool {
	for _, r := range records {
		if !r.Failed() {
			return false
		}
	}
	return len(records) > 0
}
