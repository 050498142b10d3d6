package worker

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/wopa-project/wopa/llmjson"
	"github.com/wopa-project/wopa/wire"
)

type finding struct {
	RiskLevel   string  `json:"risk_level"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
}

// parseFinding extracts the JSON risk finding from a raw model response.
// Model output that cannot be parsed is a protocol error for the check.
func parseFinding(raw string) (*Outcome, error) {
	cleaned, err := llmjson.Extract(raw)
	if err != nil {
		return nil, errors.Wrap(ErrProtocol, "no JSON object in model response")
	}
	var f finding
	if err := json.Unmarshal([]byte(cleaned), &f); err != nil {
		return nil, errors.Wrap(ErrProtocol, "malformed JSON in model response")
	}
	if f.Confidence < 0 {
		f.Confidence = 0
	}
	if f.Confidence > 1 {
		f.Confidence = 1
	}
	return &Outcome{
		RiskLevel:   wire.NormalizeRiskLevel(f.RiskLevel),
		Confidence:  f.Confidence,
		Explanation: f.Explanation,
	}, nil
}
