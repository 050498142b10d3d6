// Package wire defines the closed envelope types exchanged between the
// Service, Worker and Provider tiers. Every intra-system payload is one of
// these types; handlers reject unknown top-level fields in strict mode.
package wire

import (
	"fmt"
	"strings"
)

// RiskLevel classifies the severity of a finding.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
	// RiskUnknown marks a check whose analysis failed; it carries zero
	// confidence and is excluded from weighted scoring.
	RiskUnknown RiskLevel = "unknown"
)

// Score maps a risk level onto the [0,1] scale used by the deterministic
// tie-break: low=0, medium=0.5, high=1. Unknown scores 0.
func (r RiskLevel) Score() float64 {
	switch r {
	case RiskMedium:
		return 0.5
	case RiskHigh:
		return 1.0
	default:
		return 0.0
	}
}

// Valid reports whether r is one of the three verdict-grade levels.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// NormalizeRiskLevel coerces an arbitrary LLM-produced label to a valid
// verdict level by lexical match, defaulting to medium.
func NormalizeRiskLevel(s string) RiskLevel {
	switch v := RiskLevel(strings.ToLower(strings.TrimSpace(s))); {
	case v.Valid():
		return v
	case strings.Contains(string(v), "high") || strings.Contains(string(v), "critical"):
		return RiskHigh
	case strings.Contains(string(v), "low") || strings.Contains(string(v), "benign") || strings.Contains(string(v), "safe"):
		return RiskLow
	default:
		return RiskMedium
	}
}

// WorkerName identifies one of the static worker compositions.
type WorkerName string

const (
	WorkerText        WorkerName = "text"
	WorkerLink        WorkerName = "link"
	WorkerFileStatic  WorkerName = "file_static"
	WorkerFileDynamic WorkerName = "file_dynamic"
	WorkerAppBehavior WorkerName = "app_behavior"
)

// AllWorkerNames lists every registered worker, in dispatch order.
func AllWorkerNames() []WorkerName {
	return []WorkerName{WorkerText, WorkerLink, WorkerFileStatic, WorkerFileDynamic, WorkerAppBehavior}
}

// Valid reports whether n names a registered worker.
func (n WorkerName) Valid() bool {
	for _, w := range AllWorkerNames() {
		if n == w {
			return true
		}
	}
	return false
}

// ServiceName identifies a public analysis service class.
type ServiceName string

const (
	ServiceMessageAnalysis     ServiceName = "message_analysis"
	ServiceLinkAnalysis        ServiceName = "link_analysis"
	ServiceFileStaticAnalysis  ServiceName = "file_static_analysis"
	ServiceFileDynamicAnalysis ServiceName = "file_dynamic_analysis"
	ServiceAppAnalysis         ServiceName = "app_analysis"
)

// WorkerFor returns the worker a service class dispatches to.
func (s ServiceName) WorkerFor() WorkerName {
	switch s {
	case ServiceMessageAnalysis:
		return WorkerText
	case ServiceLinkAnalysis:
		return WorkerLink
	case ServiceFileStaticAnalysis:
		return WorkerFileStatic
	case ServiceFileDynamicAnalysis:
		return WorkerFileDynamic
	case ServiceAppAnalysis:
		return WorkerAppBehavior
	default:
		return ""
	}
}

// Service returns the service class a worker serves.
func (n WorkerName) Service() ServiceName {
	switch n {
	case WorkerText:
		return ServiceMessageAnalysis
	case WorkerLink:
		return ServiceLinkAnalysis
	case WorkerFileStatic:
		return ServiceFileStaticAnalysis
	case WorkerFileDynamic:
		return ServiceFileDynamicAnalysis
	case WorkerAppBehavior:
		return ServiceAppAnalysis
	default:
		return ""
	}
}

// Check is a single named analysis unit inside a worker.
type Check struct {
	CheckID       string    `json:"check_id"`
	AnalysisAgent string    `json:"analysis_agent"`
	Weight        float64   `json:"weight"`
	RiskLevel     RiskLevel `json:"risk_level"`
	Confidence    float64   `json:"confidence"`
	Explanation   string    `json:"explanation,omitempty"`
	// Error carries the failure kind when the check could not run; such a
	// check is reported with RiskUnknown and zero confidence.
	Error string `json:"error,omitempty"`
}

// Failed reports whether the check did not contribute a usable finding.
func (c Check) Failed() bool {
	return c.Error != "" || c.RiskLevel == RiskUnknown
}

// Verdict is the final aggregated output stored in a completed task.
type Verdict struct {
	RiskLevel  RiskLevel          `json:"risk_level"`
	Confidence float64            `json:"confidence"`
	Reasons    map[string][]Check `json:"reasons"`
	// Override is set when the deterministic tie-break displaced the
	// aggregator's label.
	Override string `json:"override,omitempty"`
}

// Validate checks the verdict shape the aggregator must honor.
func (v *Verdict) Validate() error {
	if v == nil {
		return fmt.Errorf("verdict is nil")
	}
	if !v.RiskLevel.Valid() {
		return fmt.Errorf("invalid risk_level %q", v.RiskLevel)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return fmt.Errorf("confidence %v out of [0,1]", v.Confidence)
	}
	if len(v.Reasons) == 0 {
		return fmt.Errorf("reasons must be non-empty")
	}
	return nil
}

// WorkerRequest is the Service→Worker envelope.
type WorkerRequest struct {
	TaskID     string            `json:"task_id"`
	WorkerName WorkerName        `json:"worker_name"`
	Payload    map[string]string `json:"payload"`
}

// WorkerResult is the structured partial result a worker returns: per-step
// lists of check records. Step names key the aggregator's reasons map.
type WorkerResult struct {
	WorkerName WorkerName         `json:"worker_name"`
	Steps      map[string][]Check `json:"steps"`
}

// SuccessfulChecks returns the checks that produced a usable finding.
func (r *WorkerResult) SuccessfulChecks() []Check {
	var out []Check
	for _, checks := range r.Steps {
		for _, c := range checks {
			if !c.Failed() {
				out = append(out, c)
			}
		}
	}
	return out
}

// WorkerResponse is the Worker→Service envelope.
type WorkerResponse struct {
	TaskID string        `json:"task_id"`
	Status string        `json:"status"` // completed | error
	Result *WorkerResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}
