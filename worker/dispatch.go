package worker

import (
	"context"

	"github.com/pkg/errors"

	"github.com/wopa-project/wopa/config"
	"github.com/wopa-project/wopa/wire"
)

// Dispatcher maps a WorkerRequest onto one of the static worker
// compositions and runs it.
type Dispatcher struct {
	cfg      *config.Config
	provider *ProviderClient
	exec     *Executor
}

func NewDispatcher(cfg *config.Config, provider *ProviderClient) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		provider: provider,
		exec:     NewExecutor(cfg.Worker.MaxParallelChecks),
	}
}

// Dispatch runs the worker named by the request and returns its combined
// per-step checks with weights already renormalized.
func (d *Dispatcher) Dispatch(ctx context.Context, req *wire.WorkerRequest) (*wire.WorkerResult, error) {
	steps, err := d.steps(req)
	if err != nil {
		return nil, err
	}
	results, err := d.exec.Run(ctx, steps)
	if err != nil {
		return nil, err
	}
	return &wire.WorkerResult{WorkerName: req.WorkerName, Steps: results}, nil
}

func (d *Dispatcher) steps(req *wire.WorkerRequest) ([]Step, error) {
	switch req.WorkerName {
	case wire.WorkerText:
		return textSteps(d.provider, req.Payload)
	case wire.WorkerLink:
		return linkSteps(d.provider, d.cfg.Worker, req.Payload)
	case wire.WorkerFileStatic:
		return fileStaticSteps(d.provider, req.Payload)
	case wire.WorkerFileDynamic:
		return fileDynamicSteps(d.provider, req.Payload)
	case wire.WorkerAppBehavior:
		return appSteps(d.provider, req.Payload)
	default:
		return nil, errors.Errorf("unknown worker %q", req.WorkerName)
	}
}
