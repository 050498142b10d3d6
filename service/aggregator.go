// Package service implements the public tier: input validation, task
// lifecycle, worker orchestration and verdict aggregation.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/wopa-project/wopa/llmjson"
	"github.com/wopa-project/wopa/wire"
)

// Deterministic tie-break thresholds over the weighted risk score.
const (
	highThreshold   = 0.66
	mediumThreshold = 0.33
)

// OverrideTiebreak marks a verdict whose label the deterministic rule
// displaced because the aggregator disagreed by more than one level.
const OverrideTiebreak = "deterministic_tiebreak"

// OverrideFallback marks a verdict computed without the aggregator because
// it never returned parseable JSON.
const OverrideFallback = "deterministic_fallback"

// ChatFunc sends an aggregation prompt to the provider tier.
type ChatFunc func(ctx context.Context, prompt string) (string, error)

// Aggregator turns a worker's per-step checks into a final Verdict via one
// chat_complete call, guarded by the deterministic tie-break rule.
type Aggregator struct {
	chat ChatFunc
}

func NewAggregator(chat ChatFunc) *Aggregator {
	return &Aggregator{chat: chat}
}

// aggregatorAnswer is the JSON shape the aggregation prompt demands.
type aggregatorAnswer struct {
	RiskLevel  string  `json:"risk_level"`
	Confidence float64 `json:"confidence"`
}

// ErrAggregatorProtocol means the aggregator never produced parseable JSON;
// the caller falls back to the deterministic verdict.
var ErrAggregatorProtocol = errors.New("aggregator protocol error")

// Aggregate computes the final verdict. The chat call is attempted once and,
// on unparseable output, retried once with a reinforced instruction. A still
// unparseable second answer degrades to the deterministic verdict and
// returns ErrAggregatorProtocol alongside it.
func (a *Aggregator) Aggregate(ctx context.Context, result *wire.WorkerResult) (*wire.Verdict, error) {
	detLevel, detConfidence := Tiebreak(result)
	verdict := &wire.Verdict{
		RiskLevel:  detLevel,
		Confidence: detConfidence,
		Reasons:    result.Steps,
	}

	prompt := buildPrompt(result)
	raw, err := a.chat(ctx, prompt)
	if err != nil {
		verdict.Override = OverrideFallback
		return verdict, err
	}

	answer, perr := parseAnswer(raw)
	if perr != nil {
		slog.Warn("service: aggregator answer unparseable, retrying", "error", perr)
		raw, err = a.chat(ctx, prompt+reinforcedSuffix)
		if err != nil {
			verdict.Override = OverrideFallback
			return verdict, err
		}
		if answer, perr = parseAnswer(raw); perr != nil {
			verdict.Override = OverrideFallback
			return verdict, errors.Wrap(ErrAggregatorProtocol, perr.Error())
		}
	}

	level := wire.NormalizeRiskLevel(answer.RiskLevel)
	if levelDistance(level, detLevel) > 1 {
		slog.Info("service: deterministic tie-break override",
			"aggregator", level, "deterministic", detLevel)
		verdict.Override = OverrideTiebreak
		return verdict, nil
	}

	verdict.RiskLevel = level
	if answer.Confidence >= 0 && answer.Confidence <= 1 {
		verdict.Confidence = answer.Confidence
	}
	return verdict, nil
}

// Tiebreak computes the deterministic label and confidence: the weighted
// average of risk scores times confidences over the successful checks, and
// the weighted mean of their confidences. Renormalized weights sum to 1, so
// no division is needed.
func Tiebreak(result *wire.WorkerResult) (wire.RiskLevel, float64) {
	var score, confidence float64
	for _, c := range result.SuccessfulChecks() {
		score += c.Weight * c.RiskLevel.Score() * c.Confidence
		confidence += c.Weight * c.Confidence
	}
	switch {
	case score >= highThreshold:
		return wire.RiskHigh, confidence
	case score >= mediumThreshold:
		return wire.RiskMedium, confidence
	default:
		return wire.RiskLow, confidence
	}
}

func levelDistance(a, b wire.RiskLevel) int {
	rank := func(l wire.RiskLevel) int {
		switch l {
		case wire.RiskHigh:
			return 2
		case wire.RiskMedium:
			return 1
		default:
			return 0
		}
	}
	d := rank(a) - rank(b)
	if d < 0 {
		d = -d
	}
	return d
}

const promptHeader = `You are the final risk aggregator for a malware and phishing analysis pipeline.
Respond with a single JSON object and nothing else: {"risk_level": "low"|"medium"|"high", "confidence": <0..1>}.

Rules:
- Weight each finding by its weight times its confidence; risk scores are low=0, medium=0.5, high=1.
- A weighted score of 0.66 or more is "high", 0.33 or more is "medium", otherwise "low".
- Overall confidence is the weighted mean of the per-finding confidences.
- Ignore findings that carry an error; their weight is already redistributed.

Findings:
`

const reinforcedSuffix = `

Your previous answer was not valid JSON. Respond with ONLY the JSON object, no prose, no markdown.`

// buildPrompt serializes the checks compactly, one JSON line per check,
// grouped by step in sorted order so the prompt is deterministic.
func buildPrompt(result *wire.WorkerResult) string {
	var sb strings.Builder
	sb.WriteString(promptHeader)
	for _, step := range sortedSteps(result.Steps) {
		for _, c := range result.Steps[step] {
			line, err := json.Marshal(struct {
				Step string `json:"step"`
				wire.Check
			}{Step: step, Check: c})
			if err != nil {
				continue
			}
			sb.Write(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func sortedSteps(steps map[string][]wire.Check) []string {
	names := make([]string, 0, len(steps))
	for name := range steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func parseAnswer(raw string) (*aggregatorAnswer, error) {
	cleaned, err := llmjson.Extract(raw)
	if err != nil {
		return nil, fmt.Errorf("no JSON object in aggregator response")
	}
	var a aggregatorAnswer
	if err := json.Unmarshal([]byte(cleaned), &a); err != nil {
		return nil, fmt.Errorf("malformed aggregator response: %v", err)
	}
	return &a, nil
}
