package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/wopa-project/wopa/httpx"
	"github.com/wopa-project/wopa/wire"
)

// pollInterval is the wait between status polls on long-running backends.
const pollInterval = 5 * time.Second

// SandboxBackend submits files to dynamic-analysis sandbox instances and
// waits for their execution logs. Backends either answer synchronously or
// return a job id to poll.
type SandboxBackend struct {
	client *httpx.Client
}

// NewSandboxBackend creates the backend over the shared HTTP client.
func NewSandboxBackend(client *httpx.Client) *SandboxBackend {
	return &SandboxBackend{client: client}
}

// sandboxJob is the backend's submit/poll wire shape.
type sandboxJob struct {
	Status    string            `json:"status"` // queued | running | completed | error
	JobID     string            `json:"job_id,omitempty"`
	Logs      []string          `json:"logs,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// RunFile submits the file reference and blocks until the run finishes or
// ctx expires. The outer deadline is the caller's responsibility.
func (b *SandboxBackend) RunFile(ctx context.Context, in *Instance, req *wire.SandboxRequest) (*wire.SandboxResponse, error) {
	resp, err := b.client.PostJSON(ctx, in.Endpoint+"/run_file", req)
	if err != nil {
		return nil, err
	}
	var job sandboxJob
	if err := resp.Decode(&job); err != nil {
		return nil, errors.Wrap(err, "sandbox submit")
	}

	// Synchronous backends answer in one round trip.
	if job.JobID == "" {
		return jobToResponse(&job)
	}

	slog.Debug("sandbox: job submitted", "endpoint", in.Endpoint, "job_id", job.JobID)
	statusURL := fmt.Sprintf("%s/status/%s", in.Endpoint, job.JobID)
	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(httpx.ErrTransport, "sandbox run: %v", ctx.Err())
		case <-time.After(pollInterval):
		}

		resp, err := b.client.GetJSON(ctx, statusURL)
		if err != nil {
			return nil, err
		}
		if err := resp.Decode(&job); err != nil {
			return nil, errors.Wrap(err, "sandbox poll")
		}
		switch job.Status {
		case "completed", "error":
			return jobToResponse(&job)
		}
	}
}

// Ping is the sandbox health probe: an API ping endpoint.
func (b *SandboxBackend) Ping(ctx context.Context, in *Instance) error {
	resp, err := b.client.GetJSON(ctx, in.Endpoint+"/ping")
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return errors.Errorf("sandbox ping: status %d", resp.StatusCode)
	}
	return nil
}

func jobToResponse(job *sandboxJob) (*wire.SandboxResponse, error) {
	if job.Status == "error" {
		return nil, errors.Errorf("sandbox run failed: %s", job.Error)
	}
	return &wire.SandboxResponse{
		Status:    "success",
		Logs:      job.Logs,
		Artifacts: job.Artifacts,
	}, nil
}
