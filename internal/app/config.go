package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/planloom/planloom-backend/internal/platform/envutil"
	"github.com/planloom/planloom-backend/internal/platform/logger"
)

type Config struct {
	Environment    string
	ServiceName    string
	Version        string
	HTTPAddr       string
	AllowedOrigins []string
	WorkerEnabled  bool
	WorkerInterval time.Duration
	RedisEnabled   bool
}

// GenerationLimits mirrors the optional limits file. Env vars always win;
// the file only supplies defaults for values the environment leaves unset.
type GenerationLimits struct {
	AttemptCap                  int `yaml:"attempt_cap"`
	RateLimit                   int `yaml:"rate_limit"`
	RateWindowMinutes           int `yaml:"rate_window_minutes"`
	TimeoutBaseMs               int `yaml:"timeout_base_ms"`
	TimeoutExtensionMs          int `yaml:"timeout_extension_ms"`
	TimeoutExtensionThresholdMs int `yaml:"timeout_extension_threshold_ms"`
}

func LoadConfig(log *logger.Logger) Config {
	applyLimitsFile(log)

	origins := []string{}
	for _, o := range strings.Split(envutil.String("ALLOWED_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return Config{
		Environment:    envutil.String("APP_ENV", "development"),
		ServiceName:    envutil.String("SERVICE_NAME", "planloom-backend"),
		Version:        envutil.String("SERVICE_VERSION", "dev"),
		HTTPAddr:       envutil.String("HTTP_ADDR", ":8080"),
		AllowedOrigins: origins,
		WorkerEnabled:  envutil.Bool("WORKER_ENABLED", true),
		WorkerInterval: envutil.Duration("WORKER_INTERVAL", 5*time.Second),
		RedisEnabled:   envutil.Bool("REDIS_ENABLED", false),
	}
}

// applyLimitsFile loads LIMITS_CONFIG_PATH (yaml) and exports any values
// not already present in the environment, so operators can ship one limits
// file per environment and still override a single knob via env.
func applyLimitsFile(log *logger.Logger) {
	path := strings.TrimSpace(os.Getenv("LIMITS_CONFIG_PATH"))
	if path == "" {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Warn("Failed to read limits file, using env/defaults", "path", path, "error", err)
		return
	}
	var limits GenerationLimits
	if err := yaml.Unmarshal(raw, &limits); err != nil {
		log.Warn("Failed to parse limits file, using env/defaults", "path", path, "error", err)
		return
	}

	setIfUnset := func(key string, value int) {
		if value <= 0 {
			return
		}
		if os.Getenv(key) != "" {
			return
		}
		_ = os.Setenv(key, strconv.Itoa(value))
	}
	setIfUnset("GENERATION_ATTEMPT_CAP", limits.AttemptCap)
	setIfUnset("GENERATION_RATE_LIMIT", limits.RateLimit)
	if limits.RateWindowMinutes > 0 && os.Getenv("GENERATION_RATE_WINDOW") == "" {
		_ = os.Setenv("GENERATION_RATE_WINDOW", (time.Duration(limits.RateWindowMinutes) * time.Minute).String())
	}
	setIfUnset("GENERATION_TIMEOUT_BASE_MS", limits.TimeoutBaseMs)
	setIfUnset("GENERATION_TIMEOUT_EXTENSION_MS", limits.TimeoutExtensionMs)
	setIfUnset("GENERATION_TIMEOUT_EXTENSION_THRESHOLD_MS", limits.TimeoutExtensionThresholdMs)
	log.Info("Applied generation limits file", "path", path)
}
