package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/wopa-project/wopa/llmjson"
	"github.com/wopa-project/wopa/wire"
)

// textClassification is the structured answer the classification prompt
// demands from the chat model.
type textClassification struct {
	Classification       string   `json:"classification"`
	Confidence           float64  `json:"confidence"`
	Reasoning            string   `json:"reasoning"`
	SuspiciousIndicators []string `json:"suspicious_indicators"`
}

func (c *textClassification) riskLevel() wire.RiskLevel {
	switch strings.ToLower(strings.TrimSpace(c.Classification)) {
	case "benign":
		return wire.RiskLow
	case "suspicious":
		return wire.RiskMedium
	case "malicious":
		return wire.RiskHigh
	default:
		return wire.RiskMedium
	}
}

// textSteps composes the text worker: a single critical classification
// check over the raw message.
func textSteps(provider *ProviderClient, payload map[string]string) ([]Step, error) {
	message := payload["message"]
	if message == "" {
		return nil, errors.New("text worker: missing message payload")
	}

	check := CheckSpec{
		ID:     "text_classification",
		Agent:  "llm_chat",
		Weight: 1.0,
		Run: func(ctx context.Context) (*Outcome, error) {
			raw, err := provider.ChatComplete(ctx, fmt.Sprintf(textClassifyPrompt, message))
			if err != nil {
				return nil, err
			}
			return parseClassification(raw)
		},
	}
	return []Step{StaticStep("Message_Classification", true, check)}, nil
}

func parseClassification(raw string) (*Outcome, error) {
	cleaned, err := llmjson.Extract(raw)
	if err != nil {
		return nil, errors.Wrap(ErrProtocol, "no JSON object in classification response")
	}
	var c textClassification
	if err := json.Unmarshal([]byte(cleaned), &c); err != nil {
		return nil, errors.Wrap(ErrProtocol, "malformed classification response")
	}
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}

	explanation := c.Reasoning
	if len(c.SuspiciousIndicators) > 0 {
		explanation += " (indicators: " + strings.Join(c.SuspiciousIndicators, ", ") + ")"
	}
	return &Outcome{
		RiskLevel:   c.riskLevel(),
		Confidence:  c.Confidence,
		Explanation: explanation,
	}, nil
}
