package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/shipment-bundler/internal/blob"
	"github.com/fpang/shipment-bundler/internal/fault"
	"github.com/fpang/shipment-bundler/internal/store"
)

var now = time.Date(2026, 7, 10, 9, 30, 15, 0, time.UTC)

type fakeHint struct {
	registered   map[string]time.Time
	unregistered []string
	err          error
}

func (f *fakeHint) Register(_ context.Context, jobID string, at time.Time) error {
	if f.err != nil {
		return f.err
	}
	if f.registered == nil {
		f.registered = make(map[string]time.Time)
	}
	f.registered[jobID] = at
	return nil
}

func (f *fakeHint) Unregister(_ context.Context, jobID string) error {
	f.unregistered = append(f.unregistered, jobID)
	return nil
}

type fixture struct {
	sched   *Scheduler
	records *store.MemoryStore
	blobs   *blob.MemoryStore
	hint    *fakeHint
	workDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		records: store.NewMemoryStore(),
		blobs:   blob.NewMemoryStore(),
		hint:    &fakeHint{},
		workDir: t.TempDir(),
	}
	f.sched = NewScheduler(f.records, f.blobs, f.hint, Targets{
		ArchiveBucket: "archives",
		PackageBucket: "packages",
		WorkDir:       f.workDir,
	}, 24*time.Hour)
	f.sched.now = func() time.Time { return now }
	return f
}

func (f *fixture) seedArtifacts(t *testing.T, jobID string) {
	t.Helper()
	f.blobs.PutBytes("archives", jobID+"/1_images.zip", make([]byte, 100))
	f.blobs.PutBytes("archives", jobID+"/2_images.zip", make([]byte, 50))
	f.blobs.PutBytes("packages", jobID+"_1_of_2.json", make([]byte, 10))
	f.blobs.PutBytes("archives", "other-job/1_images.zip", make([]byte, 7))
	dir := filepath.Join(f.workDir, jobID, "package_1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image_1.jpg"), make([]byte, 5), 0o644))
}

func TestScheduleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.sched.Schedule(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(24*time.Hour), rec.ScheduledFor)
	assert.Equal(t, rec.ScheduledFor, f.hint.registered["job-1"])

	f.sched.now = func() time.Time { return now.Add(time.Hour) }
	again, err := f.sched.Schedule(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ScheduledFor, again.ScheduledFor)
}

func TestScheduleHintFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.hint.err = errors.New("throttled")
	rec, err := f.sched.Schedule(context.Background(), "job-1")
	require.NoError(t, err)
	assert.False(t, rec.Executed)
}

func TestExecuteTwiceDeletesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedArtifacts(t, "job-1")
	_, err := f.sched.Schedule(ctx, "job-1")
	require.NoError(t, err)

	res, err := f.sched.Execute(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, res.AlreadyExecuted)
	assert.Equal(t, 4, res.FilesDeleted)
	assert.EqualValues(t, 165, res.FreedBytes)
	assert.Equal(t, 1, f.blobs.Len(), "other jobs are untouched")
	assert.NoDirExists(t, filepath.Join(f.workDir, "job-1"))
	assert.Equal(t, []string{"job-1"}, f.hint.unregistered)

	res, err = f.sched.Execute(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyExecuted)
	assert.Zero(t, res.FilesDeleted)
	assert.Zero(t, res.FreedBytes)

	rec, err := f.records.GetCleanup(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, rec.Executed)
	assert.EqualValues(t, 165, rec.FreedBytes)
}

func TestExecuteWithNothingToDelete(t *testing.T) {
	f := newFixture(t)
	res, err := f.sched.Execute(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Zero(t, res.FilesDeleted)
	assert.Zero(t, res.FreedBytes)
}

func TestSweepDueExecutesOnlyDueRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedArtifacts(t, "early")
	f.seedArtifacts(t, "late")

	_, err := f.sched.Schedule(ctx, "early")
	require.NoError(t, err)
	f.sched.now = func() time.Time { return now.Add(6 * time.Hour) }
	_, err = f.sched.Schedule(ctx, "late")
	require.NoError(t, err)

	f.sched.now = func() time.Time { return now.Add(25 * time.Hour) }
	out, err := f.sched.SweepDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Due)
	assert.Equal(t, 1, out.Executed)
	assert.Empty(t, out.Failed)

	late, err := f.records.GetCleanup(ctx, "late")
	require.NoError(t, err)
	assert.False(t, late.Executed)

	f.sched.now = func() time.Time { return now.Add(31 * time.Hour) }
	out, err = f.sched.SweepDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Executed)

	out, err = f.sched.SweepDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, out.Due)
}

// stubbornBlobs refuses to delete keep and fails every batch that touches a
// key under failPrefix.
type stubbornBlobs struct {
	*blob.MemoryStore
	keep       string
	failPrefix string
}

func (b *stubbornBlobs) DeleteObjects(ctx context.Context, bucket string, keys []string) (int, error) {
	rest := make([]string, 0, len(keys))
	for _, k := range keys {
		if b.failPrefix != "" && strings.HasPrefix(k, b.failPrefix) {
			return 0, errors.New("SlowDown")
		}
		if k != b.keep {
			rest = append(rest, k)
		}
	}
	return b.MemoryStore.DeleteObjects(ctx, bucket, rest)
}

func TestExecutePartialDeleteLeavesRecordPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedArtifacts(t, "job-1")
	f.sched.blobs = &stubbornBlobs{MemoryStore: f.blobs, keep: "job-1/2_images.zip"}
	_, err := f.sched.Schedule(ctx, "job-1")
	require.NoError(t, err)

	res, err := f.sched.Execute(ctx, "job-1")
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err))
	assert.Equal(t, 1, res.FilesDeleted)
	assert.EqualValues(t, 100, res.FreedBytes)

	rec, err := f.records.GetCleanup(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, rec.Executed)
	assert.Empty(t, f.hint.unregistered)

	f.sched.blobs = f.blobs
	res, err = f.sched.Execute(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, res.AlreadyExecuted)
	assert.Equal(t, 3, res.FilesDeleted)
	assert.EqualValues(t, 65, res.FreedBytes)

	rec, err = f.records.GetCleanup(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, rec.Executed)
}

func TestSweepDueContinuesPastFailedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"bad", "good-1", "good-2"} {
		f.seedArtifacts(t, id)
		_, err := f.sched.Schedule(ctx, id)
		require.NoError(t, err)
	}
	f.sched.blobs = &stubbornBlobs{MemoryStore: f.blobs, failPrefix: "bad/"}

	f.sched.now = func() time.Time { return now.Add(25 * time.Hour) }
	out, err := f.sched.SweepDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Due)
	assert.Equal(t, 2, out.Executed)
	assert.Equal(t, []string{"bad"}, out.Failed)
	assert.EqualValues(t, 330, out.FreedBytes)

	for id, executed := range map[string]bool{"bad": false, "good-1": true, "good-2": true} {
		rec, err := f.records.GetCleanup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, executed, rec.Executed, id)
	}
	_, ok := f.blobs.Bytes("archives", "bad/1_images.zip")
	assert.True(t, ok)
}

func TestCronExpression(t *testing.T) {
	assert.Equal(t, "cron(31 9 10 7 ? 2026)", CronExpression(now))
	assert.Equal(t, "cron(0 0 1 1 ? 2027)", CronExpression(time.Date(2026, 12, 31, 23, 59, 30, 0, time.UTC)))
	assert.Equal(t, "cron(5 4 3 2 ? 2026)", CronExpression(time.Date(2026, 2, 3, 4, 5, 0, 0, time.UTC)))
}

type fakeRules struct {
	rules   []*eventbridge.PutRuleInput
	targets []*eventbridge.PutTargetsInput
	removed []string
	deleted []string
}

func (f *fakeRules) PutRule(_ context.Context, in *eventbridge.PutRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutRuleOutput, error) {
	f.rules = append(f.rules, in)
	return &eventbridge.PutRuleOutput{}, nil
}

func (f *fakeRules) PutTargets(_ context.Context, in *eventbridge.PutTargetsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutTargetsOutput, error) {
	f.targets = append(f.targets, in)
	return &eventbridge.PutTargetsOutput{}, nil
}

func (f *fakeRules) RemoveTargets(_ context.Context, in *eventbridge.RemoveTargetsInput, _ ...func(*eventbridge.Options)) (*eventbridge.RemoveTargetsOutput, error) {
	if len(f.rules) == 0 {
		return nil, &ebtypes.ResourceNotFoundException{}
	}
	f.removed = append(f.removed, aws.ToString(in.Rule))
	return &eventbridge.RemoveTargetsOutput{}, nil
}

func (f *fakeRules) DeleteRule(_ context.Context, in *eventbridge.DeleteRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.DeleteRuleOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.Name))
	return &eventbridge.DeleteRuleOutput{}, nil
}

func TestEventBridgeHint(t *testing.T) {
	rules := &fakeRules{}
	hint := NewEventBridgeHint(rules, "arn:aws:lambda:us-east-1:123:function:cleanup", "")
	ctx := context.Background()

	// Unknown rule is not an error.
	require.NoError(t, hint.Unregister(ctx, "job-1"))

	require.NoError(t, hint.Register(ctx, "job-1", now))
	require.Len(t, rules.rules, 1)
	assert.Equal(t, "shipments-cleanup-job-1", aws.ToString(rules.rules[0].Name))
	assert.Equal(t, "cron(31 9 10 7 ? 2026)", aws.ToString(rules.rules[0].ScheduleExpression))

	require.Len(t, rules.targets, 1)
	var payload ExecuteRequest
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(rules.targets[0].Targets[0].Input)), &payload))
	assert.Equal(t, ExecuteRequest{JobID: "job-1", Action: "execute"}, payload)

	require.NoError(t, hint.Unregister(ctx, "job-1"))
	assert.Equal(t, []string{"shipments-cleanup-job-1"}, rules.removed)
	assert.Equal(t, []string{"shipments-cleanup-job-1"}, rules.deleted)

	assert.Error(t, NewEventBridgeHint(rules, "", "").Register(ctx, "job-2", now))
}
