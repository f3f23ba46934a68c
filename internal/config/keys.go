package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SCRIBEFLOW_SERVER_PORT",
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "SCRIBEFLOW_API_TOKEN",
		secret: true,
		apply:  func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.trigger_secret", typ: kString, env: "SCRIBEFLOW_TRIGGER_SECRET",
		secret: true,
		apply:  func(cfg *Config, v any) { cfg.Server.TriggerSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.TriggerSecret },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SCRIBEFLOW_STORAGE_DATA_DIR",
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "llm.base_url", typ: kString, env: "SCRIBEFLOW_LLM_BASE_URL",
		apply: func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "SCRIBEFLOW_LLM_API_KEY",
		secret: true,
		apply:  func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.generate_model", typ: kString, env: "SCRIBEFLOW_LLM_GENERATE_MODEL",
		apply: func(cfg *Config, v any) { cfg.LLM.GenerateModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.GenerateModel },
	},
	{
		key: "llm.embed_model", typ: kString, env: "SCRIBEFLOW_LLM_EMBED_MODEL",
		apply: func(cfg *Config, v any) { cfg.LLM.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedModel },
	},
	{
		key: "llm.embed_dimension", typ: kInt, env: "SCRIBEFLOW_LLM_EMBED_DIMENSION",
		apply: func(cfg *Config, v any) { cfg.LLM.EmbedDimension = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedDimension },
	},
	{
		key: "llm.max_tokens", typ: kInt, env: "SCRIBEFLOW_LLM_MAX_TOKENS",
		apply: func(cfg *Config, v any) { cfg.LLM.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxTokens },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "SCRIBEFLOW_RETRIEVAL_TOP_K",
		apply: func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.min_confidence", typ: kFloat, env: "SCRIBEFLOW_RETRIEVAL_MIN_CONFIDENCE",
		apply: func(cfg *Config, v any) { cfg.Retrieval.MinConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinConfidence },
	},
	{
		key: "pipeline.poll_interval_seconds", typ: kInt, env: "SCRIBEFLOW_PIPELINE_POLL_INTERVAL_SECONDS",
		apply: func(cfg *Config, v any) { cfg.Pipeline.PollIntervalSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.PollIntervalSeconds },
	},
	{
		key: "pipeline.concurrency", typ: kInt, env: "SCRIBEFLOW_PIPELINE_CONCURRENCY",
		apply: func(cfg *Config, v any) { cfg.Pipeline.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Concurrency },
	},
	{
		key: "pipeline.batch_size", typ: kInt, env: "SCRIBEFLOW_PIPELINE_BATCH_SIZE",
		apply: func(cfg *Config, v any) { cfg.Pipeline.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.BatchSize },
	},
	{
		key: "pipeline.sweep_interval_seconds", typ: kInt, env: "SCRIBEFLOW_PIPELINE_SWEEP_INTERVAL_SECONDS",
		apply: func(cfg *Config, v any) { cfg.Pipeline.SweepIntervalSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.SweepIntervalSeconds },
	},
	{
		key: "pipeline.stale_threshold_minutes", typ: kInt, env: "SCRIBEFLOW_PIPELINE_STALE_THRESHOLD_MINUTES",
		apply: func(cfg *Config, v any) { cfg.Pipeline.StaleThresholdMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.StaleThresholdMinutes },
	},
	{
		key: "publish.base_url", typ: kString, env: "SCRIBEFLOW_PUBLISH_BASE_URL",
		apply: func(cfg *Config, v any) { cfg.Publish.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Publish.BaseURL },
	},
	{
		key: "publish.access_token", typ: kString, env: "SCRIBEFLOW_PUBLISH_ACCESS_TOKEN",
		secret: true,
		apply:  func(cfg *Config, v any) { cfg.Publish.AccessToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Publish.AccessToken },
	},
	{
		key: "publish.blog_id", typ: kString, env: "SCRIBEFLOW_PUBLISH_BLOG_ID",
		apply: func(cfg *Config, v any) { cfg.Publish.BlogID = v.(string) },
		extract: func(cfg Config) any { return cfg.Publish.BlogID },
	},
	{
		key: "log.level", typ: kString, env: "SCRIBEFLOW_LOG_LEVEL",
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// applyBackend copies non-secret file values onto the config. Secrets never
// live in the config file; they arrive via environment only.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
