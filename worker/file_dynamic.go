package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/wopa-project/wopa/wire"
)

// Dynamic file analysis step weights.
const (
	sandboxWeight     = 0.4
	logAnalysisWeight = 0.6
)

// maxLogLines bounds how much sandbox output is handed to the model.
const maxLogLines = 400

// dynamicAnalysis carries the sandbox execution logs from the run step to
// the log analysis step.
type dynamicAnalysis struct {
	provider *ProviderClient
	fileRef  string

	mu   sync.Mutex
	logs []string
}

// fileDynamicSteps composes the file_dynamic worker: a sandbox run followed
// by an LLM judgment over the captured execution logs. The run is critical;
// with no execution there is nothing to judge.
func fileDynamicSteps(provider *ProviderClient, payload map[string]string) ([]Step, error) {
	fileRef := payload["file_ref"]
	if fileRef == "" {
		return nil, errors.New("file_dynamic worker: missing file_ref payload")
	}
	da := &dynamicAnalysis{provider: provider, fileRef: fileRef}

	execution := StaticStep("Sandbox_Execution", true, CheckSpec{
		ID:     "sandbox_execution",
		Agent:  "sandbox",
		Weight: sandboxWeight,
		Run:    da.runSandbox,
	})
	logJudgment := StaticStep("LLM_Log_Analysis", false, CheckSpec{
		ID:     "llm_log_analysis",
		Agent:  "llm_chat",
		Weight: logAnalysisWeight,
		Run:    da.runLogAnalysis,
	})
	return []Step{execution, logJudgment}, nil
}

func (da *dynamicAnalysis) runSandbox(ctx context.Context) (*Outcome, error) {
	resp, err := da.provider.RunFile(ctx, da.fileRef)
	if err != nil {
		return nil, err
	}
	logs := resp.Logs
	if len(logs) > maxLogLines {
		logs = logs[:maxLogLines]
	}
	da.mu.Lock()
	da.logs = logs
	da.mu.Unlock()

	return &Outcome{
		RiskLevel:   wire.RiskLow,
		Confidence:  0.5,
		Explanation: fmt.Sprintf("sandbox run completed, %d log lines captured", len(resp.Logs)),
	}, nil
}

func (da *dynamicAnalysis) runLogAnalysis(ctx context.Context) (*Outcome, error) {
	da.mu.Lock()
	logs := da.logs
	da.mu.Unlock()
	if logs == nil {
		return nil, errors.New("no sandbox logs to analyze")
	}
	body := strings.Join(logs, "\n")
	if body == "" {
		body = "(no output captured)"
	}
	raw, err := da.provider.ChatComplete(ctx, fmt.Sprintf(sandboxLogPrompt, body))
	if err != nil {
		return nil, err
	}
	return parseFinding(raw)
}
