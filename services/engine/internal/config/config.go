// Package config assembles a pipeline plan from the process environment and a
// YAML pipeline file. The environment carries run identity and credentials;
// the pipeline file declares what the run does.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"slipway/pkg/secrets"
	"slipway/services/engine/pipeline"
)

// Config is everything read from the environment.
type Config struct {
	App          string
	Number       int
	Workspace    string
	PipelineFile string

	WebhookURL     string
	WebhookChannel string

	ArchiveBucket string
	NATSURL       string

	// Timeout bounds the whole run when the pipeline file does not set one.
	Timeout time.Duration

	Commit pipeline.CommitInfo

	// DeploySecrets are injected into the deploy subprocess environment only.
	// They never appear in logs, reports, or the archived document.
	DeploySecrets secrets.Env
}

// Load reads the engine configuration from the environment. App and build
// number are required; everything else has a usable default or is optional.
func Load() (Config, error) {
	cfg := Config{}

	cfg.App = os.Getenv("SLIPWAY_APP")
	if cfg.App == "" {
		return Config{}, fmt.Errorf("SLIPWAY_APP is required")
	}

	number := os.Getenv("SLIPWAY_BUILD_NUMBER")
	if number == "" {
		return Config{}, fmt.Errorf("SLIPWAY_BUILD_NUMBER is required")
	}
	n, err := strconv.Atoi(number)
	if err != nil || n < 0 {
		return Config{}, fmt.Errorf("invalid SLIPWAY_BUILD_NUMBER: %q", number)
	}
	cfg.Number = n

	cfg.Workspace = getEnv("SLIPWAY_WORKSPACE", ".")
	cfg.PipelineFile = getEnv("SLIPWAY_PIPELINE_FILE", "slipway.yaml")

	cfg.WebhookURL = os.Getenv("SLIPWAY_WEBHOOK_URL")
	cfg.WebhookChannel = getEnv("SLIPWAY_WEBHOOK_CHANNEL", "#deployments")

	cfg.ArchiveBucket = os.Getenv("SLIPWAY_ARCHIVE_BUCKET")
	cfg.NATSURL = os.Getenv("NATS_URL")
	if v := os.Getenv("SLIPWAY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SLIPWAY_TIMEOUT: %q", v)
		}
		cfg.Timeout = d
	}

	// Jenkins-compatible run metadata; every field optional.
	cfg.Commit = pipeline.CommitInfo{
		Branch:     os.Getenv("GIT_BRANCH"),
		Commit:     os.Getenv("GIT_COMMIT"),
		BuildURL:   os.Getenv("BUILD_URL"),
		ConsoleURL: os.Getenv("BUILD_CONSOLE_URL"),
	}

	cfg.DeploySecrets = loadDeploySecrets(os.Environ())

	return cfg, nil
}

const secretPrefix = "SLIPWAY_SECRET_"

// loadDeploySecrets collects SLIPWAY_SECRET_<NAME>=value pairs. The prefix is
// stripped, so SLIPWAY_SECRET_JWT_KEY reaches the deploy tool as JWT_KEY.
func loadDeploySecrets(environ []string) secrets.Env {
	env := secrets.Env{}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, secretPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, secretPrefix)
		if name == "" || value == "" {
			continue
		}
		env[name] = secrets.New(value)
	}
	return env
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
