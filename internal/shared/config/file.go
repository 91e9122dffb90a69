package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the YAML layout:
//
//	llm:
//	  base_url: https://api.openai.com/v1
//	  model: o3
//	  max_retries: 5
//	  retry_base_delay: 2s
//	storage:
//	  type: local
//	  image_root: images
//	stages:
//	  predict:
//	    input: ./outputs/total_caption.json
//	    output: ./outputs/prediction.json
//	    concurrency: 16
type fileConfig struct {
	Env         string `yaml:"env"`
	DatabaseURL string `yaml:"database_url"`
	HTTPAddr    string `yaml:"http_addr"`
	Log         struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	LLM struct {
		BaseURL        string   `yaml:"base_url"`
		Model          string   `yaml:"model"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
		MaxRetries     int      `yaml:"max_retries"`
		RetryBaseDelay string   `yaml:"retry_base_delay"`
		OAuthTokenURL  string   `yaml:"oauth_token_url"`
		OAuthClientID  string   `yaml:"oauth_client_id"`
		OAuthScopes    []string `yaml:"oauth_scopes"`
	} `yaml:"llm"`
	Storage struct {
		Type        string `yaml:"type"`
		LocalDir    string `yaml:"local_dir"`
		ImageRoot   string `yaml:"image_root"`
		AWSRegion   string `yaml:"aws_region"`
		S3Bucket    string `yaml:"s3_bucket"`
		S3Prefix    string `yaml:"s3_prefix"`
		SSEKMSKeyID string `yaml:"sse_kms_key_id"`
	} `yaml:"storage"`
	Concurrency     int                    `yaml:"concurrency"`
	CheckpointEvery *int                   `yaml:"checkpoint_every"`
	Stages          map[string]StageConfig `yaml:"stages"`
}

// applyFile overlays the YAML file at path onto cfg. Secrets (API key, OAuth
// client secret) are only read from the environment.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&cfg.Env, fc.Env)
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFormat, fc.Log.Format)

	setString(&cfg.LLM.BaseURL, strings.TrimRight(fc.LLM.BaseURL, "/"))
	setString(&cfg.LLM.Model, fc.LLM.Model)
	if fc.LLM.TimeoutSeconds > 0 {
		cfg.LLM.Timeout = time.Duration(fc.LLM.TimeoutSeconds) * time.Second
	}
	if fc.LLM.MaxRetries != 0 {
		cfg.LLM.MaxRetries = fc.LLM.MaxRetries
	}
	if fc.LLM.RetryBaseDelay != "" {
		d, err := time.ParseDuration(fc.LLM.RetryBaseDelay)
		if err != nil {
			return fmt.Errorf("parse config %s: llm.retry_base_delay: %w", path, err)
		}
		cfg.LLM.RetryBaseDelay = d
	}
	setString(&cfg.LLM.OAuthTokenURL, fc.LLM.OAuthTokenURL)
	setString(&cfg.LLM.OAuthClientID, fc.LLM.OAuthClientID)
	if len(fc.LLM.OAuthScopes) > 0 {
		cfg.LLM.OAuthScopes = fc.LLM.OAuthScopes
	}

	setString(&cfg.Storage.Type, normalizeStoreType(fc.Storage.Type))
	setString(&cfg.Storage.LocalDir, fc.Storage.LocalDir)
	setString(&cfg.Storage.ImageRoot, fc.Storage.ImageRoot)
	setString(&cfg.Storage.AWSRegion, fc.Storage.AWSRegion)
	setString(&cfg.Storage.S3Bucket, fc.Storage.S3Bucket)
	setString(&cfg.Storage.S3Prefix, fc.Storage.S3Prefix)
	setString(&cfg.Storage.SSEKMSKeyID, fc.Storage.SSEKMSKeyID)

	if fc.Concurrency > 0 {
		cfg.Concurrency = fc.Concurrency
	}
	if fc.CheckpointEvery != nil {
		cfg.CheckpointEvery = fc.CheckpointEvery
	}
	for name, st := range fc.Stages {
		cfg.Stages[strings.ToLower(strings.TrimSpace(name))] = st
	}
	return nil
}

func setString(dst *string, val string) {
	if strings.TrimSpace(val) != "" {
		*dst = val
	}
}
