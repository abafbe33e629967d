package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/grantly_test")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Database.PoolSize)
	assert.Equal(t, 20, cfg.Database.MaxOverflow)
	assert.Equal(t, 30, cfg.Database.MaxOpenConns())
	assert.Equal(t, 3600, cfg.Database.RecycleSeconds)

	assert.Equal(t, 3, cfg.Breakers.Database.FailureThreshold)
	assert.Equal(t, 5, cfg.Breakers.LLM.FailureThreshold)
	assert.Equal(t, 5, cfg.Breakers.Vector.FailureThreshold)
	assert.Equal(t, 30, cfg.Breakers.Database.RecoverySeconds)
	assert.Equal(t, 60, cfg.Breakers.LLM.RecoverySeconds)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 16, cfg.Search.MaxChunks)
	assert.Equal(t, 4, cfg.Search.ChunkConcurrency)
	assert.Equal(t, 2000, cfg.Search.ChunkMaxTokens)
	assert.Equal(t, 60, cfg.Search.StaleAfterDays)

	assert.Equal(t, 500, cfg.RAG.ChunkSize)
	assert.Equal(t, 50, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 5, cfg.RAG.TopK)

	assert.Equal(t, 4, cfg.Workers.PoolSize)
	assert.Equal(t, 256, cfg.Workers.QueueCapacity)
	assert.Equal(t, 10, cfg.Workers.JobTimeoutMins)
	assert.Equal(t, 9, cfg.Workers.SoftTimeoutMins)

	assert.Equal(t, "six_hourly", cfg.Scheduler.Cadence)
	assert.Equal(t, 6, cfg.Scheduler.SweepIntervalHours)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
workers:
  pool_size: 2
`), 0o644))

	t.Setenv("DATABASE_URL", "postgres://localhost/grantly_test")
	t.Setenv("WORKER_POOL_SIZE", "8")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 8, cfg.Workers.PoolSize, "env wins over file")
}

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidateRejectsBadCadence(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/grantly_test")
	t.Setenv("SCHEDULER_CADENCE", "hourly")
	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cadence")
}

func TestTierPriority(t *testing.T) {
	assert.Equal(t, 1.0, TierPriority("local"))
	assert.Equal(t, 0.75, TierPriority("state"))
	assert.Equal(t, 0.5, TierPriority("regional"))
	assert.Equal(t, 0.25, TierPriority("federal"))
	assert.Equal(t, 0.0, TierPriority("galactic"))
	assert.Equal(t, 1.0, TierPriority("LOCAL"), "tier matching is case-insensitive")
}

func TestLoadDocumentsDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sectors.yaml"), []byte(`
sectors:
  - name: agriculture
    weight: 1.0
    keywords: [farm, soil, crop]
`), 0o644))

	docs, err := LoadDocuments(dir)
	require.NoError(t, err)

	require.NotNil(t, docs.Sectors.Find("agriculture"))
	assert.Nil(t, docs.Sectors.Find("education"), "file replaces built-in sectors")

	// Untouched documents keep their defaults.
	assert.NotEmpty(t, docs.Geography.Regions)
	assert.Equal(t, 0.2, docs.Compliance.IncludePenalty)
	assert.Equal(t, 0.5, docs.Compliance.HardRejectPenalty)
}

func TestLoadDocumentsBrokenFileIsError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "compliance.yaml"), []byte("rules: {not: [valid"), 0o644))

	_, err := LoadDocuments(dir)
	require.Error(t, err)
}

func TestManagerReloadSwapsSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("config_dir: "+dir+"\n"), 0o644))
	t.Setenv("DATABASE_URL", "postgres://localhost/grantly_test")
	t.Setenv("CONFIG_DIR", dir)

	m, err := NewManager(cfgPath)
	require.NoError(t, err)

	first := m.Current()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "geography.yaml"), []byte(`
regions:
  - name: bayou
    tier: local
    keywords: [bayou]
`), 0o644))
	require.NoError(t, m.Reload())

	second := m.Current()
	assert.NotSame(t, first, second, "reload replaces the snapshot pointer")
	assert.Len(t, second.Docs.Geography.Regions, 1)
	assert.Equal(t, "bayou", second.Docs.Geography.Regions[0].Name)
}
