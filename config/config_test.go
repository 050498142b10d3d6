package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, cfg.Mode)
	assert.Equal(t, 120, cfg.Service.WorkerTimeoutSeconds)
	assert.Equal(t, 60, cfg.Service.AggregatorTimeoutSeconds)
	assert.Equal(t, 300, cfg.Sandbox.TimeoutSeconds)
	assert.Equal(t, 600, cfg.Emulator.TimeoutSeconds)
	assert.Equal(t, 8, cfg.Worker.MaxParallelChecks)
	assert.Equal(t, 30, cfg.Health.IntervalSeconds)
	assert.Equal(t, 3, cfg.Health.UnhealthyThreshold)
	assert.Equal(t, 10000, cfg.Tasks.SoftCap)
	assert.True(t, cfg.StrictEnvelopes)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "wopa.yaml", `
mode: local
providers_server_url: http://providers:8003
worker_server_url: http://workers:8002
llm:
  endpoint: http://llm:11434
  models:
    chat_model:
      name: qwen2.5-32b
      default_params:
        temperature: 0.2
    vision_model:
      name: qwen2.5-vl-7b
sandbox:
  endpoints:
    - http://sandbox-1:8090
  timeout_seconds: 120
emulator:
  vnc_url_template: "vnc://{host}:{port}"
  default_vnc_port: 5901
logging:
  level: DEBUG
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://providers:8003", cfg.ProvidersServerURL)
	assert.Equal(t, "qwen2.5-32b", cfg.LLM.Models.ChatModel.Name)
	assert.Equal(t, 0.2, cfg.LLM.Models.ChatModel.DefaultParams["temperature"])
	assert.Equal(t, []string{"http://sandbox-1:8090"}, cfg.Sandbox.Endpoints)
	assert.Equal(t, 120, cfg.Sandbox.TimeoutSeconds)
	assert.Equal(t, 5901, cfg.Emulator.DefaultVNCPort)
	assert.Equal(t, slog.LevelDebug, cfg.Logging.SlogLevel())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PROVIDER_SERVER_URL", "http://override:9000")
	t.Setenv("WORKER_SERVER_URL", "http://override:9001")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://override:9000", cfg.ProvidersServerURL)
	assert.Equal(t, "http://override:9001", cfg.WorkerServerURL)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad mode", "mode: sideways\n"},
		{"bad url", "providers_server_url: '::not a url'\n"},
		{"zero timeout", "service:\n  worker_timeout_seconds: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "wopa.yaml", tt.yaml)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestProbeForPerKindOverride(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Health.PerKind = map[string]HealthProbe{
		"emulator": {IntervalSeconds: 60, UnhealthyThreshold: 5},
	}

	def := cfg.ProbeFor("llm_chat")
	assert.Equal(t, 30, def.IntervalSeconds)
	assert.Equal(t, 3, def.UnhealthyThreshold)

	emu := cfg.ProbeFor("emulator")
	assert.Equal(t, 60, emu.IntervalSeconds)
	assert.Equal(t, 5, emu.UnhealthyThreshold)
	assert.Equal(t, 5, emu.TimeoutSeconds) // default retained
}

func TestSanitizedRedactsSecrets(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.LLM.APIKey = "sk-secret"

	doc, err := cfg.Sanitized()
	require.NoError(t, err)
	llm, ok := doc["llm"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "***", llm["api_key"])
}

func TestLoadRegistry(t *testing.T) {
	path := writeFile(t, "registry.json", `{
  "llm_chat": [
    {"endpoint": "http://llm-1:11434", "capacity": 2},
    {"endpoint": "http://llm-2:11434"}
  ],
  "sandbox": [
    {"endpoint": "http://sb-1:8090", "metadata": {"zone": "a"}}
  ]
}`)
	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	require.Len(t, reg["llm_chat"], 2)
	assert.Equal(t, 2, reg["llm_chat"][0].Capacity)
	// Missing capacity defaults to 1.
	assert.Equal(t, 1, reg["llm_chat"][1].Capacity)
	assert.Equal(t, "a", reg["sandbox"][0].Metadata["zone"])
}

func TestLoadRegistryRejectsMissingEndpoint(t *testing.T) {
	path := writeFile(t, "registry.json", `{"sandbox": [{"capacity": 1}]}`)
	_, err := LoadRegistry(path)
	assert.Error(t, err)
}
