package profile

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Profile is the runtime identity of one tier process: which tier it runs,
// where it listens, and which mode it operates in.
type Profile struct {
	// Mode is "run" for normal operation or "test" for harness runs.
	Mode string
	// TestMode selects "unit" or "integration" when Mode is "test".
	TestMode string

	Addr       string
	Port       int
	ConfigPath string
	Version    string
}

func (p *Profile) IsTest() bool {
	return p.Mode == "test"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads the profile overrides from environment variables.
func (p *Profile) FromEnv() {
	p.Mode = getEnvOrDefault("MODE", p.Mode)
	p.TestMode = getEnvOrDefault("TEST_MODE", p.TestMode)
	p.Addr = getEnvOrDefault("WOPA_ADDR", p.Addr)
	p.Port = getEnvOrDefaultInt("WOPA_PORT", p.Port)
}

func (p *Profile) Validate() error {
	if p.Mode == "" {
		p.Mode = "run"
	}
	if p.Mode != "run" && p.Mode != "test" {
		return errors.Errorf("mode must be run or test, got %q", p.Mode)
	}
	if p.Mode == "test" {
		if p.TestMode == "" {
			p.TestMode = "unit"
		}
		if p.TestMode != "unit" && p.TestMode != "integration" {
			return errors.Errorf("test mode must be unit or integration, got %q", p.TestMode)
		}
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.Errorf("port %d out of range", p.Port)
	}
	return nil
}

// ListenAddr renders the addr:port the tier binds to.
func (p *Profile) ListenAddr() string {
	return p.Addr + ":" + strconv.Itoa(p.Port)
}
