package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/wopa-project/wopa/config"
	"github.com/wopa-project/wopa/httpx"
	"github.com/wopa-project/wopa/wire"
)

// EmulatorBackend drives Android emulator instances: it submits an app run
// with behavioral instructions, polls for the captured visuals and events,
// and tracks VNC sessions so operators can watch a run.
type EmulatorBackend struct {
	client *httpx.Client
	cfg    config.EmulatorConfig

	mu       sync.Mutex
	sessions map[string]string // task_id → VNC URL
}

// NewEmulatorBackend creates the backend over the shared HTTP client.
func NewEmulatorBackend(client *httpx.Client, cfg config.EmulatorConfig) *EmulatorBackend {
	return &EmulatorBackend{
		client:   client,
		cfg:      cfg,
		sessions: make(map[string]string),
	}
}

// emulatorSession is the backend's submit/poll wire shape.
type emulatorSession struct {
	Status    string   `json:"status"` // queued | running | completed | error
	SessionID string   `json:"session_id,omitempty"`
	Visuals   struct {
		Screenshots []string `json:"screenshots"`
	} `json:"visuals"`
	Events []string `json:"events,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// RunApp submits the app reference with instructions and blocks until the
// run finishes or ctx expires. The returned task id maps to a VNC session
// for the duration of the process.
func (b *EmulatorBackend) RunApp(ctx context.Context, in *Instance, req *wire.EmulatorRequest) (*wire.EmulatorResponse, error) {
	taskID := "emulator-" + shortuuid.New()
	b.registerSession(taskID, in)

	resp, err := b.client.PostJSON(ctx, in.Endpoint+"/run_app", req)
	if err != nil {
		return nil, err
	}
	var session emulatorSession
	if err := resp.Decode(&session); err != nil {
		return nil, errors.Wrap(err, "emulator submit")
	}

	if session.SessionID != "" {
		slog.Debug("emulator: session submitted", "endpoint", in.Endpoint, "session_id", session.SessionID)
		statusURL := fmt.Sprintf("%s/sessions/%s", in.Endpoint, session.SessionID)
		for session.Status != "completed" && session.Status != "error" {
			select {
			case <-ctx.Done():
				return nil, errors.Wrapf(httpx.ErrTransport, "emulator run: %v", ctx.Err())
			case <-time.After(pollInterval):
			}
			resp, err := b.client.GetJSON(ctx, statusURL)
			if err != nil {
				return nil, err
			}
			if err := resp.Decode(&session); err != nil {
				return nil, errors.Wrap(err, "emulator poll")
			}
		}
	}

	if session.Status == "error" {
		return nil, errors.Errorf("emulator run failed: %s", session.Error)
	}
	return &wire.EmulatorResponse{
		Status:  "success",
		TaskID:  taskID,
		Visuals: wire.Visuals{Screenshots: session.Visuals.Screenshots},
		Events:  session.Events,
	}, nil
}

// Ping is the emulator health probe: an ADB connectivity check exposed by
// the instance wrapper.
func (b *EmulatorBackend) Ping(ctx context.Context, in *Instance) error {
	resp, err := b.client.GetJSON(ctx, in.Endpoint+"/adb/status")
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return errors.Errorf("emulator adb check: status %d", resp.StatusCode)
	}
	return nil
}

// VNCURL returns the VNC URL for a task id previously returned by RunApp.
func (b *EmulatorBackend) VNCURL(taskID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.sessions[taskID]
	return u, ok
}

// registerSession precomputes the VNC URL for a run from the instance's
// host and the configured template.
func (b *EmulatorBackend) registerSession(taskID string, in *Instance) {
	host := in.Endpoint
	if u, err := url.Parse(in.Endpoint); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	port := strconv.Itoa(b.cfg.DefaultVNCPort)
	if p, ok := in.Metadata["vnc_port"]; ok && p != "" {
		port = p
	}
	vnc := strings.NewReplacer("{host}", host, "{port}", port).Replace(b.cfg.VNCURLTemplate)

	b.mu.Lock()
	b.sessions[taskID] = vnc
	b.mu.Unlock()
}
