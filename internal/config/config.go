// Package config loads the non-sensitive environment surface shared by the
// four services. Sensitive values (Redis address, peer URLs, analytics-sink
// project) are resolved through pkg/secrets instead.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the process-wide immutable configuration record, loaded once at
// startup. Services read only the fields they need.
type Config struct {
	ProjectID string // GOOGLE_CLOUD_PROJECT, required
	Location  string // LOCATION, default us-central1

	ContextTTL       time.Duration // CONTEXT_TTL_SECONDS, default 90s
	PollingInterval  time.Duration // POLLING_INTERVAL_SECONDS, default 5s
	MaxPollAttempts  int           // MAX_POLLING_ATTEMPTS, default 12
	AggregationDelay time.Duration // AGGREGATION_DELAY_SECONDS, default 15s

	TranscriptsBucket string // AGGREGATED_TRANSCRIPTS_BUCKET
	FrontendURL       string // FRONTEND_URL

	UploadDeadline time.Duration // UPLOAD_DEADLINE_SECONDS, default 900s

	// EnableUtteranceBuffer turns on the optional Redis streaming buffer in
	// the aggregator. Off by default; the archival artifact is identical
	// either way.
	EnableUtteranceBuffer bool // ENABLE_UTTERANCE_BUFFER
	UtteranceBufferSize   int  // UTTERANCE_BUFFER_SIZE, default 5
}

// Load reads the environment. GOOGLE_CLOUD_PROJECT is the only hard
// requirement; everything else has a documented default.
func Load() (*Config, error) {
	project := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if project == "" {
		return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT environment variable not set")
	}

	cfg := &Config{
		ProjectID:         project,
		Location:          envOr("LOCATION", "us-central1"),
		ContextTTL:        time.Duration(envInt("CONTEXT_TTL_SECONDS", 90)) * time.Second,
		PollingInterval:   time.Duration(envInt("POLLING_INTERVAL_SECONDS", 5)) * time.Second,
		MaxPollAttempts:   envInt("MAX_POLLING_ATTEMPTS", 12),
		AggregationDelay:  time.Duration(envInt("AGGREGATION_DELAY_SECONDS", 15)) * time.Second,
		TranscriptsBucket: os.Getenv("AGGREGATED_TRANSCRIPTS_BUCKET"),
		FrontendURL:       os.Getenv("FRONTEND_URL"),
		UploadDeadline:    time.Duration(envInt("UPLOAD_DEADLINE_SECONDS", 900)) * time.Second,

		EnableUtteranceBuffer: os.Getenv("ENABLE_UTTERANCE_BUFFER") == "true",
		UtteranceBufferSize:   envInt("UTTERANCE_BUFFER_SIZE", 5),
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
