package profile

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"MODE", "TEST_MODE", "WOPA_ADDR", "WOPA_PORT"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestProfileDefaults(t *testing.T) {
	clearEnv(t)

	p := &Profile{Port: 8001}
	p.FromEnv()
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if p.Mode != "run" {
		t.Errorf("mode: expected run, got %q", p.Mode)
	}
	if p.ListenAddr() != ":8001" {
		t.Errorf("listen addr: expected :8001, got %q", p.ListenAddr())
	}
	if p.IsTest() {
		t.Error("IsTest: expected false")
	}
}

func TestProfileFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MODE", "test")
	t.Setenv("TEST_MODE", "integration")
	t.Setenv("WOPA_ADDR", "127.0.0.1")
	t.Setenv("WOPA_PORT", "9000")

	p := &Profile{Port: 8001}
	p.FromEnv()
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if !p.IsTest() {
		t.Error("IsTest: expected true")
	}
	if p.TestMode != "integration" {
		t.Errorf("test mode: expected integration, got %q", p.TestMode)
	}
	if p.ListenAddr() != "127.0.0.1:9000" {
		t.Errorf("listen addr: expected 127.0.0.1:9000, got %q", p.ListenAddr())
	}
}

func TestProfileValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
	}{
		{"bad mode", Profile{Mode: "dev", Port: 8001}},
		{"bad test mode", Profile{Mode: "test", TestMode: "e2e", Port: 8001}},
		{"zero port", Profile{Mode: "run", Port: 0}},
		{"huge port", Profile{Mode: "run", Port: 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.profile.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
