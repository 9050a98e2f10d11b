package scheduler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monsaas/internal/types"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

type fakePurger struct {
	events    []types.SecurityEvent
	err       error
	gotBefore time.Time
}

func (p *fakePurger) PurgeExpired(_ context.Context, before time.Time) ([]types.SecurityEvent, error) {
	p.gotBefore = before
	return p.events, p.err
}

type fakeUploader struct {
	err     error
	gotKey  string
	gotData []byte
	calls   int
}

func (u *fakeUploader) UploadArchive(_ context.Context, key string, data []byte) error {
	u.calls++
	u.gotKey = key
	u.gotData = data
	return u.err
}

type fakeLocker struct {
	acquired bool
	err      error
	gotJob   string
	gotOwner string
	gotTTL   time.Duration
}

func (l *fakeLocker) Acquire(_ context.Context, jobName, owner string, ttl time.Duration) (bool, error) {
	l.gotJob = jobName
	l.gotOwner = owner
	l.gotTTL = ttl
	return l.acquired, l.err
}

func sampleEvents(n int) []types.SecurityEvent {
	events := make([]types.SecurityEvent, n)
	for i := range events {
		events[i] = types.SecurityEvent{
			ID:       "evt-" + string(rune('a'+i)),
			Type:     types.EventLimitExceeded,
			Severity: types.SeverityMedium,
			UserID:   "u1",
			Details: types.EventDetails{
				SchemaVersion: types.EventDetailsSchemaVersion,
				Tool:          types.ToolImageGeneration,
			},
			Timestamp: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	return events
}

// decodeArchive decompresses a batch and returns the decoded events.
func decodeArchive(t *testing.T, data []byte) []types.SecurityEvent {
	t.Helper()
	zr, err := zstd.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer zr.Close()

	var events []types.SecurityEvent
	scanner := bufio.NewScanner(zr)
	for scanner.Scan() {
		var event types.SecurityEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		events = append(events, event)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestRetentionJob_PurgesAndArchives(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 8, 28, 3, 0, 0, 0, time.UTC)}
	purger := &fakePurger{events: sampleEvents(3)}
	uploader := &fakeUploader{}

	job := NewRetentionJob(purger, uploader, nil, 90*24*time.Hour, clock, nil)

	purged, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, purged)

	// Cutoff is retention before the run time.
	assert.Equal(t, clock.now.Add(-90*24*time.Hour), purger.gotBefore)

	// Keys are partitioned by run year/month.
	assert.Contains(t, uploader.gotKey, "security-events/2026/08/")
	assert.Contains(t, uploader.gotKey, ".jsonl.zst")

	// The archive round-trips to the purged events.
	decoded := decodeArchive(t, uploader.gotData)
	require.Len(t, decoded, 3)
	assert.Equal(t, "evt-a", decoded[0].ID)
	assert.Equal(t, types.EventLimitExceeded, decoded[0].Type)
	assert.Equal(t, types.ToolImageGeneration, decoded[0].Details.Tool)
}

func TestRetentionJob_NothingToPurge(t *testing.T) {
	purger := &fakePurger{}
	uploader := &fakeUploader{}

	job := NewRetentionJob(purger, uploader, nil, time.Hour, &fixedClock{now: time.Now().UTC()}, nil)

	purged, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, purged)
	assert.Zero(t, uploader.calls)
}

func TestRetentionJob_SkipsWhenLockHeld(t *testing.T) {
	purger := &fakePurger{events: sampleEvents(1)}
	locker := &fakeLocker{acquired: false}

	job := NewRetentionJob(purger, &fakeUploader{}, locker, time.Hour, &fixedClock{now: time.Now().UTC()}, nil)

	purged, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, purged)
	// The purge must not run without the lock.
	assert.True(t, purger.gotBefore.IsZero())
}

func TestRetentionJob_LockKeyCoversScheduledSlot(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 8, 28, 3, 17, 0, 0, time.UTC)}
	locker := &fakeLocker{acquired: true}

	job := NewRetentionJob(&fakePurger{}, nil, locker, time.Hour, clock, nil)

	_, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "security-event-retention:2026-08-28T03", locker.gotJob)
	assert.NotEmpty(t, locker.gotOwner)
	assert.Equal(t, DefaultLockTTL, locker.gotTTL)
}

func TestRetentionJob_LockErrorAborts(t *testing.T) {
	purger := &fakePurger{events: sampleEvents(1)}
	locker := &fakeLocker{err: errors.New("connection refused")}

	job := NewRetentionJob(purger, &fakeUploader{}, locker, time.Hour, &fixedClock{now: time.Now().UTC()}, nil)

	_, err := job.Run(context.Background())
	require.Error(t, err)
	assert.True(t, purger.gotBefore.IsZero())
}

func TestRetentionJob_PurgeErrorPropagates(t *testing.T) {
	purger := &fakePurger{err: types.NewAppError(types.ErrCodeInternalDB, "failed to purge security events", nil)}

	job := NewRetentionJob(purger, &fakeUploader{}, nil, time.Hour, &fixedClock{now: time.Now().UTC()}, nil)

	_, err := job.Run(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestRetentionJob_UploadFailureSurfaces(t *testing.T) {
	purger := &fakePurger{events: sampleEvents(2)}
	uploader := &fakeUploader{err: errors.New("access denied")}

	job := NewRetentionJob(purger, uploader, nil, time.Hour, &fixedClock{now: time.Now().UTC()}, nil)

	purged, err := job.Run(context.Background())
	require.Error(t, err)
	// The rows are already deleted; the count is still reported.
	assert.Equal(t, 2, purged)
}

func TestRetentionJob_NilArchiverPurgesWithoutUpload(t *testing.T) {
	purger := &fakePurger{events: sampleEvents(2)}

	job := NewRetentionJob(purger, nil, nil, time.Hour, &fixedClock{now: time.Now().UTC()}, nil)

	purged, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, purged)
}

// --- S3Archiver ---

type fakeS3Put struct {
	err error
	got *s3.PutObjectInput
}

func (f *fakeS3Put) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.got = params
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_UploadsToConfiguredBucket(t *testing.T) {
	client := &fakeS3Put{}
	archiver := NewS3Archiver(client, "monsaas-event-archive", nil)

	err := archiver.UploadArchive(context.Background(), "security-events/2026/08/batch_1.jsonl.zst", []byte("payload"))
	require.NoError(t, err)

	require.NotNil(t, client.got)
	assert.Equal(t, "monsaas-event-archive", *client.got.Bucket)
	assert.Equal(t, "security-events/2026/08/batch_1.jsonl.zst", *client.got.Key)
}

func TestS3Archiver_WrapsPutFailure(t *testing.T) {
	client := &fakeS3Put{err: errors.New("access denied")}
	archiver := NewS3Archiver(client, "monsaas-event-archive", nil)

	err := archiver.UploadArchive(context.Background(), "k", []byte("payload"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monsaas-event-archive")
}
