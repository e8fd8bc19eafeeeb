package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"hybridrag/internal/domain/rag"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	testChdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 0.95, cfg.RAG.SemanticThreshold)
	assert.Equal(t, 1000, cfg.RAG.EmbeddingCacheCapacity)
	assert.Equal(t, 3600, cfg.RAG.QueryCacheTTL)
	assert.Equal(t, rag.ModeVector, cfg.RAG.DefaultMode)
	assert.Equal(t, "full", cfg.RAG.InvalidationPolicy)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 30*time.Second, cfg.Breaker.Resilience().OpenTimeout)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	testChdir(t, dir)
	path := filepath.Join(dir, "app.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": 9000},
		"rag": {"semantic_threshold": 0.9, "default_top_k": 8}
	}`), 0o600))

	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("RAG_DEFAULT_TOP_K", "3")
	t.Setenv("RAG_INVALIDATION_POLICY", "sources")
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 0.9, cfg.RAG.SemanticThreshold)
	assert.Equal(t, 3, cfg.RAG.DefaultTopK)
	assert.Equal(t, "sources", cfg.RAG.InvalidationPolicy)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"postgres needs url", map[string]string{"STORE_DRIVER": "postgres", "DATABASE_URL": " "}},
		{"unknown driver", map[string]string{"STORE_DRIVER": "mongo"}},
		{"threshold above one", map[string]string{"RAG_SEMANTIC_THRESHOLD": "1.5"}},
		{"bad mode", map[string]string{"RAG_DEFAULT_MODE": "fuzzy"}},
		{"bad policy", map[string]string{"RAG_INVALIDATION_POLICY": "partial"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testChdir(t, t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

// testChdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains: it
// changes the working directory and restores it when the test finishes.
func testChdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Setenv("PWD", dir)
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
