package worker

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopa-project/wopa/config"
	"github.com/wopa-project/wopa/wire"
)

// newProviderMock serves the provider tier surface. chat answers
// /llm/chat_complete and /llm/vision_complete based on the prompt.
func newProviderMock(t *testing.T, chat func(prompt string) (string, int)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	answer := func(w http.ResponseWriter, prompt string) {
		body, status := chat(prompt)
		if status != http.StatusOK {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(wire.ErrorBody{Status: "error", Error: "llm_chat unavailable"})
			return
		}
		_ = json.NewEncoder(w).Encode(wire.ChatResponse{Status: "success", Response: body})
	}
	mux.HandleFunc("/llm/chat_complete", func(w http.ResponseWriter, r *http.Request) {
		var req wire.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		answer(w, req.Prompt)
	})
	mux.HandleFunc("/llm/vision_complete", func(w http.ResponseWriter, r *http.Request) {
		var req wire.VisionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		answer(w, req.Prompt)
	})
	mux.HandleFunc("/sandbox/run_file", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wire.SandboxResponse{
			Status: "success",
			Logs:   []string{"exec started", "outbound connection to 10.0.0.1:4444"},
		})
	})
	mux.HandleFunc("/emulator/run_app", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wire.EmulatorResponse{
			Status:  "success",
			TaskID:  "emulator-abc",
			Visuals: wire.Visuals{Screenshots: []string{base64.StdEncoding.EncodeToString([]byte("png"))}},
			Events:  []string{"sms_sent premium"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func lowFinding(string) (string, int) {
	return `{"risk_level":"low","confidence":0.9,"explanation":"nothing notable"}`, http.StatusOK
}

func newTestServer(t *testing.T, providerURL string) *Server {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.ProvidersServerURL = providerURL
	return NewServer(cfg)
}

func postWorker(t *testing.T, s *Server, req *wire.WorkerRequest) *wire.WorkerResponse {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/request_worker", strings.NewReader(string(body)))
	httpReq.Header.Set("Content-Type", "application/json")
	s.Echo().ServeHTTP(rec, httpReq)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	out := &wire.WorkerResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	return out
}

func TestTextWorkerHappyPath(t *testing.T) {
	provider := newProviderMock(t, func(string) (string, int) {
		return `{"classification":"benign","confidence":0.9,"reasoning":"greeting","suspicious_indicators":[]}`, http.StatusOK
	})
	s := newTestServer(t, provider.URL)

	resp := postWorker(t, s, &wire.WorkerRequest{
		TaskID:     "message_analysis-1",
		WorkerName: wire.WorkerText,
		Payload:    map[string]string{"message": "Hello"},
	})

	require.Equal(t, "completed", resp.Status)
	require.NotNil(t, resp.Result)
	checks := resp.Result.Steps["Message_Classification"]
	require.Len(t, checks, 1)
	assert.Equal(t, "text_classification", checks[0].CheckID)
	assert.Equal(t, wire.RiskLow, checks[0].RiskLevel)
	assert.InDelta(t, 1.0, checks[0].Weight, 1e-6)
	assert.InDelta(t, 0.9, checks[0].Confidence, 1e-6)
}

func TestTextWorkerMaliciousClassification(t *testing.T) {
	provider := newProviderMock(t, func(string) (string, int) {
		return `{"classification":"malicious","confidence":0.8,"reasoning":"credential lure","suspicious_indicators":["urgency","fake login"]}`, http.StatusOK
	})
	s := newTestServer(t, provider.URL)

	resp := postWorker(t, s, &wire.WorkerRequest{
		TaskID:     "message_analysis-2",
		WorkerName: wire.WorkerText,
		Payload:    map[string]string{"message": "Your account is locked, log in here"},
	})

	require.Equal(t, "completed", resp.Status)
	checks := resp.Result.Steps["Message_Classification"]
	require.Len(t, checks, 1)
	assert.Equal(t, wire.RiskHigh, checks[0].RiskLevel)
	assert.Contains(t, checks[0].Explanation, "fake login")
}

func TestTextWorkerMissingPayload(t *testing.T) {
	provider := newProviderMock(t, lowFinding)
	s := newTestServer(t, provider.URL)

	resp := postWorker(t, s, &wire.WorkerRequest{
		TaskID:     "message_analysis-3",
		WorkerName: wire.WorkerText,
		Payload:    map[string]string{},
	})
	require.Equal(t, "error", resp.Status)
	assert.Nil(t, resp.Result)
}

func TestRequestWorkerValidation(t *testing.T) {
	provider := newProviderMock(t, lowFinding)
	s := newTestServer(t, provider.URL)

	for name, body := range map[string]string{
		"missing task_id": `{"worker_name":"text","payload":{"message":"hi"}}`,
		"unknown worker":  `{"task_id":"x-1","worker_name":"nope","payload":{}}`,
		"not json":        `garbage`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/request_worker", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			s.Echo().ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRequestWorkerDuplicateTaskID(t *testing.T) {
	provider := newProviderMock(t, func(string) (string, int) {
		return `{"classification":"benign","confidence":0.9,"reasoning":"ok"}`, http.StatusOK
	})
	s := newTestServer(t, provider.URL)

	req := &wire.WorkerRequest{
		TaskID:     "message_analysis-dup",
		WorkerName: wire.WorkerText,
		Payload:    map[string]string{"message": "hi"},
	}
	_ = postWorker(t, s, req)

	body, _ := json.Marshal(req)
	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/request_worker", strings.NewReader(string(body)))
	httpReq.Header.Set("Content-Type", "application/json")
	s.Echo().ServeHTTP(rec, httpReq)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLinkWorker(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><script>var x = eval(atob("ZG8="));</script></head><body>hi</body></html>`))
	}))
	defer page.Close()

	provider := newProviderMock(t, lowFinding)
	s := newTestServer(t, provider.URL)

	resp := postWorker(t, s, &wire.WorkerRequest{
		TaskID:     "link_analysis-1",
		WorkerName: wire.WorkerLink,
		Payload:    map[string]string{"url": page.URL},
	})

	require.Equal(t, "completed", resp.Status, resp.Error)
	steps := resp.Result.Steps
	require.Len(t, steps["Page_Accessibility"], 1)
	require.Len(t, steps["Content_Analysis"], 2) // html + one inline script
	require.Len(t, steps["LLM_Link_Suspiciousness"], 1)

	assert.Equal(t, "script_analysis_1", steps["Content_Analysis"][1].CheckID)
	assert.InDelta(t, 1.0, survivorSum(steps), 1e-6)
}

func TestLinkWorkerInvalidURL(t *testing.T) {
	provider := newProviderMock(t, lowFinding)
	s := newTestServer(t, provider.URL)

	resp := postWorker(t, s, &wire.WorkerRequest{
		TaskID:     "link_analysis-2",
		WorkerName: wire.WorkerLink,
		Payload:    map[string]string{"url": "not a url"},
	})
	require.Equal(t, "error", resp.Status)
}

func TestLinkWorkerUnreachablePage(t *testing.T) {
	provider := newProviderMock(t, lowFinding)
	s := newTestServer(t, provider.URL)

	resp := postWorker(t, s, &wire.WorkerRequest{
		TaskID:     "link_analysis-3",
		WorkerName: wire.WorkerLink,
		Payload:    map[string]string{"url": "http://127.0.0.1:1/nothing"},
	})

	// An unreachable page is noncritical by default: the fetch and content
	// checks fail, the URL suspiciousness judgment still runs and absorbs
	// the full weight.
	require.Equal(t, "completed", resp.Status, resp.Error)
	steps := resp.Result.Steps
	assert.True(t, steps["Page_Accessibility"][0].Failed())
	assert.True(t, steps["Content_Analysis"][0].Failed())
	require.Len(t, steps["LLM_Link_Suspiciousness"], 1)
	assert.InDelta(t, 1.0, steps["LLM_Link_Suspiciousness"][0].Weight, 1e-6)
}

func TestFileStaticWorker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.bin")
	require.NoError(t, os.WriteFile(path, []byte("MZ fake executable content"), 0o600))

	provider := newProviderMock(t, lowFinding)
	s := newTestServer(t, provider.URL)

	resp := postWorker(t, s, &wire.WorkerRequest{
		TaskID:     "file_static_analysis-1",
		WorkerName: wire.WorkerFileStatic,
		Payload:    map[string]string{"file_ref": path},
	})

	require.Equal(t, "completed", resp.Status, resp.Error)
	steps := resp.Result.Steps
	require.Len(t, steps["Static_Signatures"], 2)
	require.Len(t, steps["LLM_Signature_Analysis"], 1)
	assert.Contains(t, steps["Static_Signatures"][0].Explanation, "sha256=")
	assert.InDelta(t, 1.0, survivorSum(steps), 1e-6)
}

func TestFileStaticWorkerMissingFile(t *testing.T) {
	provider := newProviderMock(t, lowFinding)
	s := newTestServer(t, provider.URL)

	resp := postWorker(t, s, &wire.WorkerRequest{
		TaskID:     "file_static_analysis-2",
		WorkerName: wire.WorkerFileStatic,
		Payload:    map[string]string{"file_ref": "/does/not/exist"},
	})
	require.Equal(t, "error", resp.Status)
}

func TestFileDynamicWorker(t *testing.T) {
	provider := newProviderMock(t, func(prompt string) (string, int) {
		if strings.Contains(prompt, "10.0.0.1:4444") {
			return `{"risk_level":"high","confidence":0.85,"explanation":"beacon to raw ip"}`, http.StatusOK
		}
		return lowFinding(prompt)
	})
	s := newTestServer(t, provider.URL)

	resp := postWorker(t, s, &wire.WorkerRequest{
		TaskID:     "file_dynamic_analysis-1",
		WorkerName: wire.WorkerFileDynamic,
		Payload:    map[string]string{"file_ref": "sample.bin"},
	})

	require.Equal(t, "completed", resp.Status, resp.Error)
	steps := resp.Result.Steps
	require.Len(t, steps["Sandbox_Execution"], 1)
	require.Len(t, steps["LLM_Log_Analysis"], 1)
	assert.Equal(t, wire.RiskHigh, steps["LLM_Log_Analysis"][0].RiskLevel)
	assert.InDelta(t, 1.0, survivorSum(steps), 1e-6)
}

func TestFileDynamicWorkerSandboxUnavailable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sandbox/run_file", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(wire.ErrorBody{Status: "error", Error: "sandbox unavailable"})
	})
	provider := httptest.NewServer(mux)
	defer provider.Close()
	s := newTestServer(t, provider.URL)

	resp := postWorker(t, s, &wire.WorkerRequest{
		TaskID:     "file_dynamic_analysis-2",
		WorkerName: wire.WorkerFileDynamic,
		Payload:    map[string]string{"file_ref": "sample.bin"},
	})

	require.Equal(t, "error", resp.Status)
	assert.Equal(t, "provider_unavailable", resp.Error)
}

func TestAppBehaviorWorker(t *testing.T) {
	provider := newProviderMock(t, func(prompt string) (string, int) {
		if strings.Contains(prompt, "sms_sent premium") {
			return `{"risk_level":"high","confidence":0.9,"explanation":"premium sms abuse"}`, http.StatusOK
		}
		return `{"risk_level":"medium","confidence":0.6,"explanation":"login-like overlay"}`, http.StatusOK
	})
	s := newTestServer(t, provider.URL)

	resp := postWorker(t, s, &wire.WorkerRequest{
		TaskID:     "app_analysis-1",
		WorkerName: wire.WorkerAppBehavior,
		Payload:    map[string]string{"app_ref": "app.apk", "instructions": "open and tap around"},
	})

	require.Equal(t, "completed", resp.Status, resp.Error)
	steps := resp.Result.Steps
	require.Len(t, steps["Emulator_Run"], 1)
	require.Len(t, steps["Behavior_Analysis"], 2)
	assert.Equal(t, "visual_analysis", steps["Behavior_Analysis"][0].CheckID)
	assert.Equal(t, wire.RiskMedium, steps["Behavior_Analysis"][0].RiskLevel)
	assert.Equal(t, wire.RiskHigh, steps["Behavior_Analysis"][1].RiskLevel)
	assert.InDelta(t, 1.0, survivorSum(steps), 1e-6)
}

func TestWorkerResultsDeterministic(t *testing.T) {
	provider := newProviderMock(t, func(string) (string, int) {
		return `{"classification":"benign","confidence":0.9,"reasoning":"ok"}`, http.StatusOK
	})
	s := newTestServer(t, provider.URL)

	first := postWorker(t, s, &wire.WorkerRequest{
		TaskID:     "message_analysis-d1",
		WorkerName: wire.WorkerText,
		Payload:    map[string]string{"message": "hi"},
	})
	second := postWorker(t, s, &wire.WorkerRequest{
		TaskID:     "message_analysis-d2",
		WorkerName: wire.WorkerText,
		Payload:    map[string]string{"message": "hi"},
	})
	assert.Equal(t, first.Result.Steps, second.Result.Steps)
}

func TestWorkersEndpoint(t *testing.T) {
	provider := newProviderMock(t, lowFinding)
	s := newTestServer(t, provider.URL)

	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string][]wire.WorkerName
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, wire.AllWorkerNames(), out["workers"])
}

func TestConfigsEndpointRedactsSecrets(t *testing.T) {
	provider := newProviderMock(t, lowFinding)
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.ProvidersServerURL = provider.URL
	cfg.LLM.APIKey = "sk-secret"
	s := NewServer(cfg)

	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/configs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-secret")
	assert.Contains(t, rec.Body.String(), "***")
}
