package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_WorkflowConfig(t *testing.T) {
	os.Setenv("OTP_TIMEOUT", "45s")
	os.Setenv("MAX_SCREENSHOTS", "10")
	defer func() {
		os.Unsetenv("OTP_TIMEOUT")
		os.Unsetenv("MAX_SCREENSHOTS")
	}()

	cfg, err := Load()
	assert.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Workflow.OTPTimeout)
	assert.Equal(t, 10, cfg.Workflow.MaxScreenshots)
}

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("OTP_TIMEOUT")
	os.Unsetenv("MAX_SCREENSHOTS")
	os.Unsetenv("DB_NAME")

	cfg, err := Load()
	assert.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Workflow.OTPTimeout)
	assert.Equal(t, 50, cfg.Workflow.MaxScreenshots)
	assert.Equal(t, "intake_orchestrator", cfg.Database.Database)
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	os.Setenv("OTP_TIMEOUT", "not-a-duration")
	defer os.Unsetenv("OTP_TIMEOUT")

	cfg, err := Load()
	assert.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Workflow.OTPTimeout)
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "svc",
		Password: "secret",
		Database: "workflows",
		SSLMode:  "require",
	}

	assert.Equal(t,
		"host=db.internal port=5433 user=svc password=secret dbname=workflows sslmode=require",
		cfg.DatabaseDSN(),
	)
}
