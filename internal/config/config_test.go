package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithoutEnv(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.KRetrieve)
	assert.Equal(t, 0.5, cfg.TauKeep)
	assert.Equal(t, 30*time.Second, cfg.BreakerOpenTimeout)
	assert.Equal(t, "block", cfg.IngestOnBreakerOpen)
}

func TestLoadReadsOverridesFromEnvironment(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("K_RETRIEVE", "12")
	t.Setenv("TAU_KEEP", "0.65")
	t.Setenv("BREAKER_OPEN_TIMEOUT", "45s")
	t.Setenv("ALLOW_ANONYMOUS_TENANT", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 12, cfg.KRetrieve)
	assert.Equal(t, 0.65, cfg.TauKeep)
	assert.Equal(t, 45*time.Second, cfg.BreakerOpenTimeout)
	assert.False(t, cfg.AllowAnonymousTenant)
}

func TestLoadFallsBackOnUnparsableOverride(t *testing.T) {
	t.Setenv("K_RETRIEVE", "not-a-number")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.KRetrieve, "an unparsable override must fall back to the default rather than zero")
}

func TestPostgresDSNComposesFromFields(t *testing.T) {
	cfg := &Config{PGUser: "ragcore", PGPass: "secret", PGHost: "db", PGPort: "5432", PGDB: "ragcore"}
	assert.Equal(t, "postgres://ragcore:secret@db:5432/ragcore", cfg.PostgresDSN())
}
