package worker

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/wopa-project/wopa/httpx"
	"github.com/wopa-project/wopa/wire"
)

// Error kinds recorded on failed checks.
var (
	// ErrProviderUnavailable means the provider tier has no healthy
	// instance of the required kind.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProtocol means a downstream answered with unparseable or
	// shape-violating content.
	ErrProtocol = errors.New("protocol error")
)

// errorKind maps an error onto the compact kind string stored on a Check.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrProtocol):
		return "protocol_error"
	case errors.Is(err, context.DeadlineExceeded), httpx.IsTransport(err):
		return "transport_error"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal_error"
	}
}

// ProviderClient is the worker tier's typed client for the provider tier.
type ProviderClient struct {
	base   string
	client *httpx.Client
}

// NewProviderClient creates a client against the provider tier base URL.
func NewProviderClient(base string, client *httpx.Client) *ProviderClient {
	return &ProviderClient{base: base, client: client}
}

// mapTransport turns the provider tier's 503 into ErrProviderUnavailable;
// other transport failures pass through unchanged.
func mapTransport(err error) error {
	var se *httpx.StatusError
	if errors.As(err, &se) && se.Code == http.StatusServiceUnavailable {
		return errors.Wrap(ErrProviderUnavailable, err.Error())
	}
	return err
}

// ChatComplete sends a prompt to /llm/chat_complete and returns the text.
func (p *ProviderClient) ChatComplete(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.PostJSON(ctx, p.base+"/llm/chat_complete", &wire.ChatRequest{Prompt: prompt})
	if err != nil {
		return "", mapTransport(err)
	}
	return p.decodeChat(resp)
}

// VisionComplete sends a prompt plus images to /llm/vision_complete.
func (p *ProviderClient) VisionComplete(ctx context.Context, prompt string, images []wire.Image) (string, error) {
	req := &wire.VisionRequest{Prompt: prompt, Images: images}
	resp, err := p.client.PostJSON(ctx, p.base+"/llm/vision_complete", req)
	if err != nil {
		return "", mapTransport(err)
	}
	return p.decodeChat(resp)
}

// RunFile submits a file reference to the sandbox.
func (p *ProviderClient) RunFile(ctx context.Context, fileRef string) (*wire.SandboxResponse, error) {
	resp, err := p.client.PostJSON(ctx, p.base+"/sandbox/run_file", &wire.SandboxRequest{FileRef: fileRef})
	if err != nil {
		return nil, mapTransport(err)
	}
	if err := p.checkStatus(resp); err != nil {
		return nil, err
	}
	out := &wire.SandboxResponse{}
	if err := resp.Decode(out); err != nil {
		return nil, errors.Wrap(ErrProtocol, err.Error())
	}
	return out, nil
}

// RunApp submits an app reference with behavioral instructions to the
// emulator.
func (p *ProviderClient) RunApp(ctx context.Context, appRef, instructions string) (*wire.EmulatorResponse, error) {
	req := &wire.EmulatorRequest{AppRef: appRef, Instructions: instructions}
	resp, err := p.client.PostJSON(ctx, p.base+"/emulator/run_app", req)
	if err != nil {
		return nil, mapTransport(err)
	}
	if err := p.checkStatus(resp); err != nil {
		return nil, err
	}
	out := &wire.EmulatorResponse{}
	if err := resp.Decode(out); err != nil {
		return nil, errors.Wrap(ErrProtocol, err.Error())
	}
	return out, nil
}

func (p *ProviderClient) decodeChat(resp *httpx.Response) (string, error) {
	if err := p.checkStatus(resp); err != nil {
		return "", err
	}
	out := &wire.ChatResponse{}
	if err := resp.Decode(out); err != nil {
		return "", errors.Wrap(ErrProtocol, err.Error())
	}
	if out.Status != "success" {
		return "", errors.Wrap(ErrProtocol, out.Error)
	}
	return out.Response, nil
}

// checkStatus maps non-200 provider replies onto the worker error kinds.
// 5xx never reaches here; the transport client wraps those.
func (p *ProviderClient) checkStatus(resp *httpx.Response) error {
	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrProtocol, "provider status %d", resp.StatusCode)
	}
	return nil
}
