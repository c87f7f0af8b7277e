// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration, loaded from environment
// variables with an optional YAML file underneath (env wins).
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// Provider selects the model backend: azure-openai | bedrock.
	Provider string `yaml:"provider"`

	Azure struct {
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
		// Deployments per pool role.
		CapableDeployment  string `yaml:"capable_deployment"`
		CreativeDeployment string `yaml:"creative_deployment"`
		MiniDeployment     string `yaml:"mini_deployment"`
	} `yaml:"azure"`

	Bedrock struct {
		Region          string `yaml:"region"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
		CapableModel    string `yaml:"capable_model"`
		CreativeModel   string `yaml:"creative_model"`
		MiniModel       string `yaml:"mini_model"`
	} `yaml:"bedrock"`

	Pool struct {
		CapableSize  int `yaml:"capable_size"`
		CreativeSize int `yaml:"creative_size"`
		MiniSize     int `yaml:"mini_size"`
		MaxOverflow  int `yaml:"max_overflow"`
	} `yaml:"pool"`

	Cache struct {
		RedisAddr     string        `yaml:"redis_addr"`
		RedisPassword string        `yaml:"redis_password"`
		RedisDB       int           `yaml:"redis_db"`
		TTL           time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	History struct {
		MongoURI    string `yaml:"mongo_uri"`
		PostgresDSN string `yaml:"postgres_dsn"`
	} `yaml:"history"`

	MaxRevisions int           `yaml:"max_revisions"`
	NodeTimeout  time.Duration `yaml:"node_timeout"`
}

// LoadConfig builds the configuration. If PIPELINE_CONFIG_FILE points
// at a YAML file it is loaded first; environment variables then
// override per field.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("PIPELINE_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	setStr(&cfg.ListenAddr, "PIPELINE_LISTEN_ADDR", ":8080")
	setStr(&cfg.Provider, "PIPELINE_PROVIDER", "azure-openai")

	setStr(&cfg.Azure.Endpoint, "AZURE_OPENAI_ENDPOINT", "")
	setStr(&cfg.Azure.APIKey, "AZURE_OPENAI_API_KEY", "")
	setStr(&cfg.Azure.CapableDeployment, "AZURE_OPENAI_CAPABLE_DEPLOYMENT", "gpt-4o")
	setStr(&cfg.Azure.CreativeDeployment, "AZURE_OPENAI_CREATIVE_DEPLOYMENT", "gpt-4o")
	setStr(&cfg.Azure.MiniDeployment, "AZURE_OPENAI_MINI_DEPLOYMENT", "gpt-4o-mini")

	setStr(&cfg.Bedrock.Region, "AWS_REGION", "us-east-1")
	setStr(&cfg.Bedrock.AccessKeyID, "AWS_ACCESS_KEY_ID", "")
	setStr(&cfg.Bedrock.SecretAccessKey, "AWS_SECRET_ACCESS_KEY", "")
	setStr(&cfg.Bedrock.CapableModel, "BEDROCK_CAPABLE_MODEL", "anthropic.claude-3-5-sonnet-20241022-v2:0")
	setStr(&cfg.Bedrock.CreativeModel, "BEDROCK_CREATIVE_MODEL", "anthropic.claude-3-5-sonnet-20241022-v2:0")
	setStr(&cfg.Bedrock.MiniModel, "BEDROCK_MINI_MODEL", "anthropic.claude-3-5-haiku-20241022-v1:0")

	setInt(&cfg.Pool.CapableSize, "PIPELINE_POOL_CAPABLE", 3)
	setInt(&cfg.Pool.CreativeSize, "PIPELINE_POOL_CREATIVE", 2)
	setInt(&cfg.Pool.MiniSize, "PIPELINE_POOL_MINI", 4)
	setInt(&cfg.Pool.MaxOverflow, "PIPELINE_POOL_MAX_OVERFLOW", 4)

	setStr(&cfg.Cache.RedisAddr, "PIPELINE_REDIS_ADDR", "")
	setStr(&cfg.Cache.RedisPassword, "PIPELINE_REDIS_PASSWORD", "")
	setInt(&cfg.Cache.RedisDB, "PIPELINE_REDIS_DB", 0)
	setDur(&cfg.Cache.TTL, "PIPELINE_CACHE_TTL", DefaultCacheTTL)

	setStr(&cfg.History.MongoURI, "PIPELINE_MONGO_URI", "")
	setStr(&cfg.History.PostgresDSN, "PIPELINE_POSTGRES_DSN", "")

	setInt(&cfg.MaxRevisions, "PIPELINE_MAX_REVISIONS", 1)
	setDur(&cfg.NodeTimeout, "PIPELINE_NODE_TIMEOUT", 3*time.Minute)

	return cfg, nil
}

// Validate checks that the selected provider is fully configured.
func (c *Config) Validate() error {
	switch c.Provider {
	case "azure-openai":
		if c.Azure.Endpoint == "" || c.Azure.APIKey == "" {
			return fmt.Errorf("azure-openai provider requires AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_API_KEY")
		}
	case "bedrock":
		if c.Bedrock.Region == "" {
			return fmt.Errorf("bedrock provider requires AWS_REGION")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	return nil
}

// PoolConfig converts the pool section.
func (c *Config) PoolConfig() PoolConfig {
	return PoolConfig{
		Size: map[Role]int{
			RoleCapable:  c.Pool.CapableSize,
			RoleCreative: c.Pool.CreativeSize,
			RoleMini:     c.Pool.MiniSize,
		},
		MaxOverflow: c.Pool.MaxOverflow,
	}
}

func setStr(dst *string, env, def string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
		return
	}
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, env string, def int) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
			return
		}
	}
	if *dst == 0 {
		*dst = def
	}
}

func setDur(dst *time.Duration, env string, def time.Duration) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
			return
		}
	}
	if *dst == 0 {
		*dst = def
	}
}
