package config

import (
	"errors"
	"time"

	"github.com/dcshock/topicpipe/internal/env"
)

// Settings is the process configuration of the topicpipe command.
type Settings struct {
	Definitions   string
	HTTPAddr      string
	DatabaseURL   string
	LogLevel      string
	LogFormat     string
	Production    bool
	MaxDepth      int
	TopicCacheTTL time.Duration
	ReplayEvery   time.Duration
	ClaimID       string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
}

// SettingsFromEnv reads Settings from the environment. Every malformed
// variable is reported.
func SettingsFromEnv() (Settings, error) {
	var errs []error
	s := Settings{
		Definitions:    env.String("TOPICPIPE_DEFINITIONS", "topicpipe.yaml"),
		HTTPAddr:       env.String("TOPICPIPE_HTTP_ADDR", ":8080"),
		DatabaseURL:    env.String("DATABASE_URL", ""),
		LogLevel:       env.String("TOPICPIPE_LOG_LEVEL", "info"),
		LogFormat:      env.String("TOPICPIPE_LOG_FORMAT", "json"),
		ClaimID:        env.String("TOPICPIPE_CLAIM_ID", ""),
		MinIOEndpoint:  env.String("MINIO_ENDPOINT", ""),
		MinIOAccessKey: env.String("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: env.String("MINIO_SECRET_KEY", ""),
		MinIOBucket:    env.String("MINIO_BUCKET", "topicpipe-runs"),
	}
	var err error
	if s.Production, err = env.Bool("TOPICPIPE_PRODUCTION", false); err != nil {
		errs = append(errs, err)
	}
	if s.MaxDepth, err = env.Int("TOPICPIPE_MAX_DEPTH", 0); err != nil {
		errs = append(errs, err)
	}
	if s.TopicCacheTTL, err = env.Duration("TOPICPIPE_TOPIC_CACHE_TTL", 0); err != nil {
		errs = append(errs, err)
	}
	if s.ReplayEvery, err = env.Duration("TOPICPIPE_REPLAY_EVERY", 0); err != nil {
		errs = append(errs, err)
	}
	if s.MinIOUseSSL, err = env.Bool("MINIO_USE_SSL", true); err != nil {
		errs = append(errs, err)
	}
	return s, errors.Join(errs...)
}
