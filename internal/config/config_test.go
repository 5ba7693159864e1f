package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseJSONDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{"port": 9000, "data_dir": "/tmp/earnrag"}`), ".json")
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, DriverSQLite, cfg.Database.Driver)
	require.Equal(t, filepath.Join("/tmp/earnrag", "earnrag.db"), cfg.Database.Path)
	require.Equal(t, 1000, cfg.Chunking.MaxLength)
	require.Equal(t, 200, cfg.Chunking.Overlap)
	require.Equal(t, 4, cfg.Retrieval.WidenMultiplier)
	require.Equal(t, MetricL2, cfg.Index.Metric)
	require.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	require.InDelta(t, 0.02, cfg.Embedding.CostPerMillion, 1e-9)
	require.Equal(t, "local", cfg.ArtifactStore.Type)
}

func TestParseYAML(t *testing.T) {
	raw := []byte(`
port: 8100
database:
  driver: postgres
  host: db.internal
  db_name: earnrag
chunking:
  max_length: 500
  overlap: 50
index:
  metric: cosine
`)
	cfg, err := Parse(raw, ".yaml")
	require.NoError(t, err)
	require.Equal(t, 8100, cfg.Port)
	require.Equal(t, DriverPostgres, cfg.Database.Driver)
	require.Equal(t, 5432, cfg.Database.Port)
	require.Equal(t, "earnrag", cfg.Database.DBName)
	require.Equal(t, 500, cfg.Chunking.MaxLength)
	require.Equal(t, 50, cfg.Chunking.Overlap)
	require.Equal(t, MetricCosine, cfg.Index.Metric)
	require.Equal(t, "info", cfg.LogConfig.Level)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "bad driver", raw: `{"database": {"driver": "mysql"}}`},
		{name: "postgres without host", raw: `{"database": {"driver": "postgres"}}`},
		{name: "overlap too large", raw: `{"chunking": {"max_length": 100, "overlap": 100}}`},
		{name: "bad metric", raw: `{"index": {"metric": "dot"}}`},
		{name: "s3 missing bucket", raw: `{"artifact_store": {"type": "s3", "s3": {"endpoint": "x"}}}`},
		{name: "widen multiplier", raw: `{"retrieval": {"widen_multiplier": 1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw), ".json")
			require.Error(t, err)
		})
	}
}

func TestLoadEnvAndResolveKey(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("EARNRAG_TEST_KEY=from-dotenv\n"), 0o644))
	t.Setenv("EARNRAG_TEST_KEY", "")
	require.NoError(t, os.Unsetenv("EARNRAG_TEST_KEY"))

	LoadEnv(envFile, filepath.Join(dir, "missing.env"))
	require.Equal(t, "from-dotenv", ResolveKey("", "EARNRAG_TEST_KEY"))
	require.Equal(t, "explicit", ResolveKey("explicit", "EARNRAG_TEST_KEY"))
	require.Empty(t, ResolveKey("", ""))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port": 8200}`), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8200, cfg.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
