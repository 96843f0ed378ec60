package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	c := New()

	assert.Equal(t, time.Minute, c.CheckInterval)
	assert.Equal(t, 3, c.TeardownRetries)
	assert.Equal(t, 10*time.Second, c.ReconnectDelay)
	assert.Equal(t, "development", c.LogMode)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EXPOSE_CHECK_INTERVAL", "30s")
	t.Setenv("EXPOSE_TEARDOWN_RETRIES", "5")
	t.Setenv("EXPOSE_IDENTITY_FILE", "/tmp/key")
	t.Setenv("EXPOSE_LOG_MODE", "production")

	c := New()

	assert.Equal(t, 30*time.Second, c.CheckInterval)
	assert.Equal(t, 5, c.TeardownRetries)
	assert.Equal(t, "/tmp/key", c.IdentityFile)
	assert.Equal(t, "production", c.LogMode)
}

func TestInvalidEnvValuesAreIgnored(t *testing.T) {
	t.Setenv("EXPOSE_CHECK_INTERVAL", "soon")
	t.Setenv("EXPOSE_TEARDOWN_RETRIES", "-1")

	c := New()

	assert.Equal(t, time.Minute, c.CheckInterval)
	assert.Equal(t, 3, c.TeardownRetries)
}
