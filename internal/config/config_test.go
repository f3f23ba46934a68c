package config

import (
	"strings"
	"testing"
)

// mapBackend serves canned values for loadWith tests.
type mapBackend map[string]any

func (m mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m[key]
	if !ok {
		return "", false, nil
	}
	s, isStr := v.(string)
	if !isStr {
		return "", false, nil
	}
	return s, true, nil
}

func (m mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	i, isInt := v.(int)
	if !isInt {
		return 0, false, nil
	}
	return i, true, nil
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SCRIBEFLOW_LLM_API_KEY", "sk-test")

	cfg, err := loadWith(mapBackend{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("port = %d, want default 4600", cfg.Server.Port)
	}
	if cfg.Retrieval.TopK != 5 || cfg.Retrieval.MinConfidence != 70 {
		t.Errorf("retrieval defaults = %+v", cfg.Retrieval)
	}
	if cfg.LLM.EmbedDimension != 1536 {
		t.Errorf("embed dimension = %d, want 1536", cfg.LLM.EmbedDimension)
	}
	if cfg.Pipeline.Concurrency != 4 {
		t.Errorf("concurrency = %d, want 4", cfg.Pipeline.Concurrency)
	}
}

func TestLoadBackendValues(t *testing.T) {
	t.Setenv("SCRIBEFLOW_LLM_API_KEY", "sk-test")

	cfg, err := loadWith(mapBackend{
		"server.port":              5000,
		"llm.generate_model":       "gpt-4o",
		"retrieval.min_confidence": "85.5",
	})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("port = %d, want 5000 from backend", cfg.Server.Port)
	}
	if cfg.LLM.GenerateModel != "gpt-4o" {
		t.Errorf("generate model = %q", cfg.LLM.GenerateModel)
	}
	if cfg.Retrieval.MinConfidence != 85.5 {
		t.Errorf("min confidence = %f, want 85.5", cfg.Retrieval.MinConfidence)
	}
}

func TestLoadEnvOverridesBackend(t *testing.T) {
	t.Setenv("SCRIBEFLOW_LLM_API_KEY", "sk-test")
	t.Setenv("SCRIBEFLOW_SERVER_PORT", "7000")
	t.Setenv("SCRIBEFLOW_RETRIEVAL_TOP_K", "12")

	cfg, err := loadWith(mapBackend{"server.port": 5000})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("port = %d, want env override 7000", cfg.Server.Port)
	}
	if cfg.Retrieval.TopK != 12 {
		t.Errorf("top_k = %d, want 12", cfg.Retrieval.TopK)
	}
}

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("SCRIBEFLOW_LLM_API_KEY", "")

	_, err := loadWith(mapBackend{})
	if err == nil {
		t.Fatal("expected error without LLM API key")
	}
	if !strings.Contains(err.Error(), "SCRIBEFLOW_LLM_API_KEY") {
		t.Errorf("error %q does not name the env var to set", err)
	}
}

func TestSecretsNotReadFromFile(t *testing.T) {
	t.Setenv("SCRIBEFLOW_LLM_API_KEY", "sk-env")

	cfg, err := loadWith(mapBackend{"llm.api_key": "sk-file"})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.LLM.APIKey != "sk-env" {
		t.Errorf("api key = %q, want the env value; file secrets must be ignored", cfg.LLM.APIKey)
	}
}
