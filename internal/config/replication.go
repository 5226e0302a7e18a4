package config

import (
	"time"

	"github.com/syncstore/syncstore/internal/replication"
)

// ReplicationConfig translates the loaded viper settings into the typed
// struct the Replication Engine consumes.
func ReplicationConfig() replication.Config {
	return replication.Config{
		ChangeLimitPerBatch:   intOrDefault("replication.change-limit-per-batch", 1000),
		InsertBatchSize:       intOrDefault("replication.insert-batch-size", 100),
		PullAttachmentsInline: GetBool("replication.pull-attachments-inline"),
		Retry: replication.RetryPolicy{
			NumberOfReplays:  intOrDefault("replication.number-of-replays", 3),
			InitialBackoff:   durationOrDefault("replication.initial-backoff", 250*time.Millisecond),
			PreferRetryAfter: GetBool("replication.prefer-retry-after"),
			MaxRetryAfter:    time.Hour,
		},
	}
}

func intOrDefault(key string, def int) int {
	if v == nil || !v.IsSet(key) {
		return def
	}
	return GetInt(key)
}

func durationOrDefault(key string, def time.Duration) time.Duration {
	if v == nil || !v.IsSet(key) {
		return def
	}
	return GetDuration(key)
}
