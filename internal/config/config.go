// Package config loads daemon configuration from a JSON file at an
// XDG-compatible path, with SCRIBEFLOW_* environment variables overriding
// file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Retrieval RetrievalConfig
	Pipeline  PipelineConfig
	Publish   PublishConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port          int
	APIToken      string
	TriggerSecret string
}

type StorageConfig struct {
	DataDir string
}

type LLMConfig struct {
	BaseURL        string
	APIKey         string
	GenerateModel  string
	EmbedModel     string
	EmbedDimension int
	MaxTokens      int
}

type RetrievalConfig struct {
	TopK          int
	MinConfidence float64
}

type PipelineConfig struct {
	PollIntervalSeconds   int
	Concurrency           int
	BatchSize             int
	SweepIntervalSeconds  int
	StaleThresholdMinutes int
}

type PublishConfig struct {
	BaseURL     string
	AccessToken string
	BlogID      string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com",
			GenerateModel:  "gpt-4o-mini",
			EmbedModel:     "text-embedding-3-small",
			EmbedDimension: 1536,
			MaxTokens:      4096,
		},
		Retrieval: RetrievalConfig{
			TopK:          5,
			MinConfidence: 70,
		},
		Pipeline: PipelineConfig{
			PollIntervalSeconds:   5,
			Concurrency:           4,
			BatchSize:             16,
			SweepIntervalSeconds:  60,
			StaleThresholdMinutes: 15,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend and applies
// SCRIBEFLOW_* environment overrides. The LLM API key is the one value with
// no sensible default; loading fails without it.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: LLM API key. " +
			"Set it via environment variable SCRIBEFLOW_LLM_API_KEY or llm.api_key in the config file")
	}

	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "scribeflow-data"
		}
	}
	return filepath.Join(dir, "scribeflow")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "scribeflow", "config.json")
}
