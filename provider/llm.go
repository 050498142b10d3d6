package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/wopa-project/wopa/config"
	"github.com/wopa-project/wopa/httpx"
	"github.com/wopa-project/wopa/wire"
)

// LLMBackend talks to OpenAI-compatible LLM servers. One go-openai client is
// cached per instance endpoint; the pool decides which endpoint serves a
// given call.
type LLMBackend struct {
	cfg     config.LLMConfig
	clients sync.Map // endpoint → *openai.Client
}

// NewLLMBackend creates the backend from the LLM section of the config.
func NewLLMBackend(cfg config.LLMConfig) *LLMBackend {
	return &LLMBackend{cfg: cfg}
}

func (b *LLMBackend) client(endpoint string) *openai.Client {
	if c, ok := b.clients.Load(endpoint); ok {
		return c.(*openai.Client)
	}
	clientConfig := openai.DefaultConfig(b.cfg.APIKey)
	clientConfig.BaseURL = endpoint
	clientConfig.HTTPClient = newLLMHTTPClient()
	c := openai.NewClientWithConfig(clientConfig)
	actual, _ := b.clients.LoadOrStore(endpoint, c)
	return actual.(*openai.Client)
}

// ChatComplete serves one /llm/chat_complete call against the given
// instance. Text in, text out.
func (b *LLMBackend) ChatComplete(ctx context.Context, in *Instance, req *wire.ChatRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = b.cfg.Models.ChatModel.Name
	}
	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: b.temperature(req.Temperature, b.cfg.Models.ChatModel),
		MaxTokens:   req.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}

	start := time.Now()
	resp, err := b.client(in.Endpoint).CreateChatCompletion(ctx, chatReq)
	if err != nil {
		slog.Error("llm: chat request failed", "endpoint", in.Endpoint, "model", model, "error", err)
		return "", errors.Wrapf(httpx.ErrTransport, "llm chat: %v", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.Wrap(httpx.ErrTransport, "llm chat: empty response")
	}

	slog.Debug("llm: chat completed",
		"endpoint", in.Endpoint,
		"model", model,
		"total_tokens", resp.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp.Choices[0].Message.Content, nil
}

// VisionComplete serves one /llm/vision_complete call: the prompt plus each
// image as a data-URI part.
func (b *LLMBackend) VisionComplete(ctx context.Context, in *Instance, req *wire.VisionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = b.cfg.Models.VisionModel.Name
	}

	parts := make([]openai.ChatMessagePart, 0, len(req.Images)+1)
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: req.Prompt,
	})
	for _, img := range req.Images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", img.Mime, img.Base64),
			},
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: b.temperature(req.Temperature, b.cfg.Models.VisionModel),
		MaxTokens:   req.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
	}

	start := time.Now()
	resp, err := b.client(in.Endpoint).CreateChatCompletion(ctx, chatReq)
	if err != nil {
		slog.Error("llm: vision request failed", "endpoint", in.Endpoint, "model", model, "error", err)
		return "", errors.Wrapf(httpx.ErrTransport, "llm vision: %v", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.Wrap(httpx.ErrTransport, "llm vision: empty response")
	}

	slog.Debug("llm: vision completed",
		"endpoint", in.Endpoint,
		"model", model,
		"images", len(req.Images),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp.Choices[0].Message.Content, nil
}

// Ping sends a one-token prompt; used as the LLM health probe.
func (b *LLMBackend) Ping(ctx context.Context, in *Instance) error {
	req := openai.ChatCompletionRequest{
		Model:       b.cfg.Models.ChatModel.Name,
		MaxTokens:   1,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
	}
	_, err := b.client(in.Endpoint).CreateChatCompletion(ctx, req)
	return err
}

// temperature resolves the effective sampling temperature: explicit request
// value, else the model's configured default, else the server default.
func (b *LLMBackend) temperature(reqTemp *float32, model config.LLMModel) float32 {
	if reqTemp != nil {
		return *reqTemp
	}
	if raw, ok := model.DefaultParams["temperature"]; ok {
		switch v := raw.(type) {
		case float64:
			return float32(v)
		case float32:
			return v
		case int:
			return float32(v)
		}
	}
	return 0
}

func newLLMHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Minute, // outer cap; per-call deadlines come from ctx
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
