// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config is the orchestrator's runtime configuration, loaded from the
// environment (12-Factor App methodology). Any value may use the
// secretsmanager://<secret-name> indirection to pull the real value
// from AWS Secrets Manager at startup.
type Config struct {
	Port string

	// Classification and policy oracle. With an empty model id the
	// keyword classifier and lexicon policy oracle are used instead of
	// Bedrock.
	BedrockRegion  string
	BedrockModelID string

	// Session store. Empty RedisURL selects the in-memory store.
	RedisURL      string
	SessionTTL    time.Duration
	QueueOnBusy   bool
	SweepInterval time.Duration

	// Audit. Empty DatabaseURL degrades the audit sink to log-only;
	// empty ArchiveBucket disables S3 archival.
	DatabaseURL   string
	ArchiveBucket string
	ArchivePrefix string

	// Catalogues and policy rules.
	CatalogDir      string
	PolicyRulesFile string

	// Turn execution limits.
	ActionBudget int
	CallTimeout  time.Duration
	TurnTimeout  time.Duration

	// Routing threshold: candidates below it never route.
	MinConfidence float64

	// Bearer token verification. Empty disables authentication.
	AuthSecret string
}

// LoadConfig reads the environment, resolves Secrets Manager
// indirections, and applies defaults.
func LoadConfig(ctx context.Context) (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		BedrockRegion:   getEnv("BEDROCK_REGION", "us-east-1"),
		BedrockModelID:  os.Getenv("BEDROCK_MODEL_ID"),
		RedisURL:        os.Getenv("REDIS_URL"),
		SessionTTL:      getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		QueueOnBusy:     getEnvBool("QUEUE_ON_BUSY", false),
		SweepInterval:   getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		ArchiveBucket:   os.Getenv("AUDIT_ARCHIVE_BUCKET"),
		ArchivePrefix:   getEnv("AUDIT_ARCHIVE_PREFIX", "turn-traces/"),
		CatalogDir:      getEnv("CATALOG_DIR", "configs/catalogs"),
		PolicyRulesFile: os.Getenv("POLICY_RULES_FILE"),
		ActionBudget:    getEnvInt("ACTION_BUDGET", DefaultActionBudget),
		CallTimeout:     getEnvDuration("ACTION_CALL_TIMEOUT", DefaultCallTimeout),
		TurnTimeout:     getEnvDuration("TURN_TIMEOUT", DefaultTurnTimeout),
		MinConfidence:   getEnvFloat("MIN_CONFIDENCE", 0.5),
		AuthSecret:      os.Getenv("AUTH_SECRET"),
	}

	// Secrets Manager indirection for the values that commonly hold
	// credentials.
	var err error
	for _, field := range []*string{&cfg.DatabaseURL, &cfg.RedisURL, &cfg.AuthSecret} {
		*field, err = resolveSecret(ctx, *field)
		if err != nil {
			return nil, err
		}
	}

	if cfg.ActionBudget <= 0 {
		return nil, fmt.Errorf("ACTION_BUDGET must be positive, got %d", cfg.ActionBudget)
	}
	return cfg, nil
}

const secretScheme = "secretsmanager://"

// resolveSecret replaces a secretsmanager://<name> value with the
// secret's string payload. Plain values pass through unchanged.
func resolveSecret(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, secretScheme) {
		return value, nil
	}
	name := strings.TrimPrefix(value, secretScheme)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("loading AWS config for secret %s: %w", name, err)
	}
	client := secretsmanager.NewFromConfig(awsCfg)
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &name,
	})
	if err != nil {
		return "", fmt.Errorf("fetching secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string payload", name)
	}
	log.Printf("[Config] Resolved secret %s", name)
	return *out.SecretString, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("[Config] Invalid %s=%q, using default %d", key, raw, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("[Config] Invalid %s=%q, using default %t", key, raw, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("[Config] Invalid %s=%q, using default %g", key, raw, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("[Config] Invalid %s=%q, using default %s", key, raw, defaultValue)
		return defaultValue
	}
	return value
}
