package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:8000", cfg.HTTPAddress())
	require.False(t, cfg.Debug)
	require.Equal(t, ProviderOpenAI, cfg.Provider)
	require.Equal(t, "https://api.example.com/evaluate", cfg.EvaluationAPIURL)
	require.Equal(t, 30*time.Second, cfg.APITimeout)
	require.Equal(t, 35*time.Second, cfg.DispatchTimeout())
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, int64(10*1024*1024), cfg.MaxUploadBytes)
	require.Equal(t, []string{"http://localhost:3000", "http://127.0.0.1:3000"}, cfg.CORSOrigins)
	require.Equal(t, "simple", cfg.PromptName)
	require.Equal(t, SinkFile, cfg.DebugSink)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EVALUATION_PROVIDER", "HTTP")
	t.Setenv("EVALUATION_API_URL", "http://scorer.internal:9000/evaluate")
	t.Setenv("API_TIMEOUT", "12")
	t.Setenv("EVALUATION_GRACE_SECONDS", "1")
	t.Setenv("EXECUTOR_MAX_WORKERS", "8")
	t.Setenv("MAPLEARNER_HOST", "127.0.0.1")
	t.Setenv("MAPLEARNER_PORT", "9090")
	t.Setenv("MAPLEARNER_DEBUG", "true")
	t.Setenv("CORS_ORIGINS", " https://maps.example.com , ")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ProviderHTTP, cfg.Provider)
	require.Equal(t, "127.0.0.1:9090", cfg.HTTPAddress())
	require.True(t, cfg.Debug)
	require.Equal(t, 13*time.Second, cfg.DispatchTimeout())
	require.Equal(t, 8, cfg.Workers)
	require.Equal(t, []string{"https://maps.example.com"}, cfg.CORSOrigins)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing openai key", env: map[string]string{}},
		{name: "unknown provider", env: map[string]string{"EVALUATION_PROVIDER": "carrier-pigeon"}},
		{name: "zero workers", env: map[string]string{"OPENAI_API_KEY": "k", "EXECUTOR_MAX_WORKERS": "0"}},
		{name: "non positive timeout", env: map[string]string{"OPENAI_API_KEY": "k", "API_TIMEOUT": "0"}},
		{name: "bad api url", env: map[string]string{"EVALUATION_PROVIDER": "http", "EVALUATION_API_URL": "not a url"}},
		{name: "cors origin without scheme", env: map[string]string{"OPENAI_API_KEY": "k", "CORS_ORIGINS": "maps.example.com"}},
		{name: "cors origin with other scheme", env: map[string]string{"OPENAI_API_KEY": "k", "CORS_ORIGINS": "http://localhost:3000,ftp://maps.example.com"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("OPENAI_API_KEY", "")
			for key, value := range tc.env {
				t.Setenv(key, value)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}
