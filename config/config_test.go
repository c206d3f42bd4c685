package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/learner-credit/config"
	"github.com/warp/learner-credit/policy"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	// GIVEN: A working directory with no configs/ folder
	t.Chdir(t.TempDir())

	// WHEN: Configuration is loaded
	cfg, err := config.Load("")

	// THEN: Defaults apply
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Lock.TTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Lock.WaitTimeout)
	assert.Equal(t, 90*24*time.Hour, cfg.Expiration.NotificationTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)

	alloc, err := cfg.Allocation.Policy()
	require.NoError(t, err)
	assert.Equal(t, "0.95", alloc.PriceLowerRatio.String())
	assert.Equal(t, "1.05", alloc.PriceUpperRatio.String())
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	// GIVEN: A config file and an environment override
	dir := t.TempDir()
	path := filepath.Join(dir, "credit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
lock:
  wait_timeout: 2s
  scope: learner
allocation:
  price_lower_ratio: "0.9"
  price_upper_ratio: "1.1"
`), 0o600))
	t.Setenv("LEARNERCREDIT_SERVER_PORT", "9100")
	t.Setenv("LEARNERCREDIT_SERVICES_LEDGER_URL", "http://ledger.internal")

	// WHEN
	cfg, err := config.Load(path)

	// THEN: The environment wins over the file, the file over defaults
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Lock.WaitTimeout)
	assert.Equal(t, policy.LockScopeLearner, cfg.Lock.RedeemerConfig().Scope)
	assert.Equal(t, "http://ledger.internal", cfg.Services.LedgerURL)

	alloc, err := cfg.Allocation.Policy()
	require.NoError(t, err)
	assert.Equal(t, "1.1", alloc.PriceUpperRatio.String())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestAllocation_RejectsInvertedBand(t *testing.T) {
	_, err := config.AllocationConfig{PriceLowerRatio: "1.2", PriceUpperRatio: "1.0"}.Policy()
	assert.Error(t, err)
}
