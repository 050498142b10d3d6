package service

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/wopa-project/wopa/config"
	"github.com/wopa-project/wopa/httpx"
	"github.com/wopa-project/wopa/task"
	"github.com/wopa-project/wopa/wire"
)

// User-safe error messages. Nothing else leaves the service tier in an
// error envelope.
const (
	msgLLMUnavailable      = "LLM service unavailable"
	msgSandboxUnavailable  = "Sandbox unavailable"
	msgEmulatorUnavailable = "Emulator unavailable"
	msgAnalysisUnavailable = "Analysis service unavailable"
	msgCancelled           = "cancelled"
	msgInternal            = "Internal error occurred"
)

// Envelope is the public task envelope returned by every analyze endpoint
// and by task status lookups.
type Envelope struct {
	TaskID  string        `json:"task_id"`
	Status  string        `json:"status"` // completed | error
	Result  *wire.Verdict `json:"result,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Orchestrator drives one analysis end to end: task bookkeeping, the worker
// call, aggregation, and persistence of the verdict.
type Orchestrator struct {
	cfg    *config.Config
	tasks  *task.Store
	client *httpx.Client
	agg    *Aggregator
}

func NewOrchestrator(cfg *config.Config, tasks *task.Store, client *httpx.Client) *Orchestrator {
	o := &Orchestrator{cfg: cfg, tasks: tasks, client: client}
	o.agg = NewAggregator(o.aggregatorChat)
	return o
}

// Run executes the full pipeline for one validated request and returns the
// task envelope. Handled business failures come back as an error envelope,
// never as a Go error; the error return marks unhandled internal failures
// only.
func (o *Orchestrator) Run(ctx context.Context, svc wire.ServiceName, payload map[string]string) (*Envelope, error) {
	taskID := string(svc) + "-" + uuid.NewString()
	if _, err := o.tasks.Create(taskID, svc, payload); err != nil {
		return nil, errors.Wrap(err, "create task")
	}
	if err := o.tasks.Transition(taskID, task.StatusPending, task.StatusInProgress); err != nil {
		return nil, errors.Wrap(err, "start task")
	}

	workerResp, err := o.callWorker(ctx, taskID, svc, payload)
	if err != nil {
		return o.failTask(taskID, userMessage(svc, err)), nil
	}
	if workerResp.Status != "completed" || workerResp.Result == nil {
		return o.failTask(taskID, workerMessage(svc, workerResp.Error)), nil
	}

	aggCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.Service.AggregatorTimeoutSeconds)*time.Second)
	verdict, aggErr := o.agg.Aggregate(aggCtx, workerResp.Result)
	cancel()
	if aggErr != nil {
		// Degraded path: the verdict still carries the deterministic
		// label and the worker's findings.
		slog.Warn("service: aggregation failed, degrading", "task_id", taskID, "error", aggErr)
		msg := msgLLMUnavailable
		if ctx.Err() != nil || errors.Is(aggErr, context.Canceled) {
			msg = msgCancelled
		}
		env := o.failTask(taskID, msg)
		env.Result = verdict
		return env, nil
	}
	if err := verdict.Validate(); err != nil {
		return nil, errors.Wrap(err, "aggregated verdict")
	}

	if err := o.tasks.SetResult(taskID, verdict, workerResp.Result); err != nil {
		return nil, errors.Wrap(err, "persist verdict")
	}
	return &Envelope{TaskID: taskID, Status: "completed", Result: verdict}, nil
}

// failTask marks the task failed and builds the matching error envelope.
func (o *Orchestrator) failTask(taskID, msg string) *Envelope {
	if err := o.tasks.SetError(taskID, msg); err != nil {
		slog.Error("service: recording task error failed", "task_id", taskID, "error", err)
	}
	return &Envelope{TaskID: taskID, Status: "error", Message: msg}
}

func (o *Orchestrator) callWorker(ctx context.Context, taskID string, svc wire.ServiceName, payload map[string]string) (*wire.WorkerResponse, error) {
	req := &wire.WorkerRequest{TaskID: taskID, WorkerName: svc.WorkerFor(), Payload: payload}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.Service.WorkerTimeoutSeconds)*time.Second)
	defer cancel()

	resp, err := o.client.PostJSON(callCtx, o.cfg.WorkerServerURL+"/request_worker", req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(context.Canceled, "worker call")
		}
		return nil, errors.Wrap(err, "worker call")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("worker status %d", resp.StatusCode)
	}
	out := &wire.WorkerResponse{}
	if err := resp.Decode(out); err != nil {
		return nil, errors.Wrap(err, "worker response")
	}
	return out, nil
}

// aggregatorChat is the ChatFunc bound to the provider tier.
func (o *Orchestrator) aggregatorChat(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.PostJSON(ctx, o.cfg.ProvidersServerURL+"/llm/chat_complete", &wire.ChatRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("aggregator status %d", resp.StatusCode)
	}
	out := &wire.ChatResponse{}
	if err := resp.Decode(out); err != nil {
		return "", errors.Wrap(err, "aggregator response")
	}
	if out.Status != "success" {
		return "", errors.New(out.Error)
	}
	return out.Response, nil
}

// userMessage maps an internal failure onto the public wording for the
// service class.
func userMessage(svc wire.ServiceName, err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return msgCancelled
	case httpx.IsTransport(err):
		return transportMessage(svc)
	default:
		return msgInternal
	}
}

// workerMessage maps a worker-reported error kind onto the public wording.
func workerMessage(svc wire.ServiceName, kind string) string {
	switch kind {
	case "provider_unavailable", "transport_error":
		return transportMessage(svc)
	case "cancelled":
		return msgCancelled
	case "protocol_error":
		return msgLLMUnavailable
	default:
		return msgInternal
	}
}

// transportMessage names the backend the user actually cares about for the
// given service class.
func transportMessage(svc wire.ServiceName) string {
	switch svc {
	case wire.ServiceFileDynamicAnalysis:
		return msgSandboxUnavailable
	case wire.ServiceAppAnalysis:
		return msgEmulatorUnavailable
	case wire.ServiceMessageAnalysis, wire.ServiceLinkAnalysis, wire.ServiceFileStaticAnalysis:
		return msgLLMUnavailable
	default:
		return msgAnalysisUnavailable
	}
}
