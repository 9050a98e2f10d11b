// Package scheduler implements the scheduled jobs of the entitlement
// service. The retention job archives security events past their
// retention window to cold storage and purges them from the hot table,
// keeping the event feed queries fast and the table bounded.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"monsaas/internal/types"
)

// DefaultLockTTL is how long a retention run may hold the job lock.
// Must exceed the worst-case runtime so a crashed worker's lock expires
// before the next scheduled run.
const DefaultLockTTL = 15 * time.Minute

// retentionJobName prefixes the job lock key.
const retentionJobName = "security-event-retention"

// EventPurger deletes expired events and returns the deleted rows so
// they can be archived.
type EventPurger interface {
	PurgeExpired(ctx context.Context, before time.Time) ([]types.SecurityEvent, error)
}

// ArchiveUploader writes a compressed event batch to cold storage.
type ArchiveUploader interface {
	UploadArchive(ctx context.Context, key string, data []byte) error
}

// JobLocker provides cross-instance single execution. Acquire returns
// false when another worker already holds the lock for this run.
type JobLocker interface {
	Acquire(ctx context.Context, jobName, owner string, ttl time.Duration) (bool, error)
}

// RetentionJob purges security events older than the retention window,
// archiving each purged batch as zstd-compressed JSON lines.
type RetentionJob struct {
	events    EventPurger
	archiver  ArchiveUploader
	locks     JobLocker
	retention time.Duration
	lockTTL   time.Duration
	workerID  string
	clock     types.Clock
	logger    *slog.Logger
}

// NewRetentionJob creates a RetentionJob. The archiver may be nil when
// cold storage is not configured (events are purged without archival);
// the locker may be nil for single-instance deployments.
func NewRetentionJob(events EventPurger, archiver ArchiveUploader, locks JobLocker, retention time.Duration, clock types.Clock, logger *slog.Logger) *RetentionJob {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionJob{
		events:    events,
		archiver:  archiver,
		locks:     locks,
		retention: retention,
		lockTTL:   DefaultLockTTL,
		workerID:  uuid.NewString(),
		clock:     clock,
		logger:    logger,
	}
}

// Run executes one retention pass and returns the number of events
// purged. When another worker holds the job lock the run is a no-op.
//
// The purge is a DELETE ... RETURNING, so the batch handed to the
// archiver is exactly the set of rows removed. An upload failure after
// the delete is surfaced as an error; the job log retains the batch
// count for reconciliation.
func (j *RetentionJob) Run(ctx context.Context) (int, error) {
	now := j.clock.Now()

	if j.locks != nil {
		// One lock key per scheduled slot: a retried invocation inside
		// the same hour stays deduplicated, the next hour gets a fresh key.
		lockKey := retentionJobName + ":" + now.Format("2006-01-02T15")
		acquired, err := j.locks.Acquire(ctx, lockKey, j.workerID, j.lockTTL)
		if err != nil {
			return 0, fmt.Errorf("acquiring retention job lock: %w", err)
		}
		if !acquired {
			j.logger.InfoContext(ctx, "retention run already in progress, skipping",
				"lock_key", lockKey,
			)
			return 0, nil
		}
	}

	cutoff := now.Add(-j.retention)
	purged, err := j.events.PurgeExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging expired security events: %w", err)
	}
	if len(purged) == 0 {
		j.logger.InfoContext(ctx, "no expired security events to purge",
			"cutoff", cutoff.Format(time.RFC3339),
		)
		return 0, nil
	}

	if j.archiver == nil {
		j.logger.WarnContext(ctx, "archive uploader not configured, events purged without archival",
			"count", len(purged),
		)
		return len(purged), nil
	}

	data, err := encodeEventBatch(purged)
	if err != nil {
		return len(purged), fmt.Errorf("encoding event archive batch: %w", err)
	}

	key := archiveKey(now)
	if err := j.archiver.UploadArchive(ctx, key, data); err != nil {
		j.logger.ErrorContext(ctx, "failed to upload event archive",
			"key", key,
			"count", len(purged),
			"error", err,
		)
		return len(purged), fmt.Errorf("uploading event archive to %s: %w", key, err)
	}

	j.logger.InfoContext(ctx, "security event retention complete",
		"purged", len(purged),
		"cutoff", cutoff.Format(time.RFC3339),
		"archive_key", key,
	)
	return len(purged), nil
}

// archiveKey builds the cold storage object key, partitioned by year
// and month of the run.
func archiveKey(now time.Time) string {
	return fmt.Sprintf("security-events/%04d/%02d/batch_%d.jsonl.zst",
		now.Year(), now.Month(), now.UnixNano())
}

// encodeEventBatch serializes events as newline-delimited JSON and
// compresses the result with zstd.
func encodeEventBatch(events []types.SecurityEvent) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("creating zstd writer: %w", err)
	}

	enc := json.NewEncoder(zw)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			zw.Close()
			return nil, fmt.Errorf("encoding event %s: %w", events[i].ID, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("flushing zstd stream: %w", err)
	}
	return buf.Bytes(), nil
}
