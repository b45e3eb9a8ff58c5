package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("EMBEDDINGS_PROVIDER", "static")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.ChunkSize)
	assert.Equal(t, 50, cfg.ChunkOverlap)
	assert.Equal(t, 768, cfg.VectorDimensions)
	assert.Equal(t, "dotproduct", cfg.VectorMetric)
	assert.Equal(t, "rag-agent", cfg.VectorIndexName)
	assert.Equal(t, "memory", cfg.VectorBackend)
	assert.Equal(t, 3, cfg.TopK)
}

func TestLoadConfigRequiresGeminiKey(t *testing.T) {
	t.Setenv("EMBEDDINGS_PROVIDER", "google")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")
}

func TestLoadConfigFallsBackToGoogleAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "g-key")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "g-key", cfg.GeminiAPIKey)
}

func TestValidateRejectsBadChunking(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		overlap int
	}{
		{"zero size", 0, 0},
		{"negative overlap", 100, -1},
		{"overlap equals size", 100, 100},
		{"overlap exceeds size", 100, 150},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				EmbeddingsProvider: "static",
				ChunkSize:          tt.size,
				ChunkOverlap:       tt.overlap,
				VectorDimensions:   768,
				VectorBackend:      "memory",
				VectorMetric:       "cosine",
			}
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := &Config{
		EmbeddingsProvider: "static",
		ChunkSize:          500,
		ChunkOverlap:       50,
		VectorDimensions:   768,
		VectorBackend:      "pinecone",
		VectorMetric:       "cosine",
	}
	assert.Error(t, cfg.Validate())
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("X_DURATION", "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration("X_DURATION", time.Second))

	t.Setenv("X_DURATION", "15")
	assert.Equal(t, 15*time.Second, getEnvDuration("X_DURATION", time.Second))

	t.Setenv("X_DURATION", "garbage")
	assert.Equal(t, time.Second, getEnvDuration("X_DURATION", time.Second))
}
