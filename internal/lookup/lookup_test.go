package lookup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	rdsdatatypes "github.com/aws/aws-sdk-go-v2/service/rdsdata/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/shipment-bundler/internal/fault"
)

func TestStaticStoreFillsMissingIDs(t *testing.T) {
	s := NewStaticStore(map[string][]string{"a": {"a1.jpg", "a2.jpg"}})
	got, err := s.Resolve(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"a": {"a1.jpg", "a2.jpg"}, "b": {}}, got)
	assert.Equal(t, 1, s.Calls())
}

func TestChunksDedupes(t *testing.T) {
	got := chunks([]string{"a", "b", "a", "c", "d"}, 2)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}}, got)
	assert.Empty(t, chunks(nil, 2))
}

func TestFormatTextArray(t *testing.T) {
	assert.Equal(t, "{}", formatTextArray(nil))
	assert.Equal(t, `{"a","b\"c","d\\e"}`, formatTextArray([]string{"a", `b"c`, `d\e`}))
}

type fakeExecutor struct {
	inputs  []*rdsdata.ExecuteStatementInput
	records [][]rdsdatatypes.Field
	err     error
}

func (f *fakeExecutor) ExecuteStatement(ctx context.Context, in *rdsdata.ExecuteStatementInput, _ ...func(*rdsdata.Options)) (*rdsdata.ExecuteStatementOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &rdsdata.ExecuteStatementOutput{Records: f.records}, nil
}

func str(s string) rdsdatatypes.Field { return &rdsdatatypes.FieldMemberStringValue{Value: s} }

func TestDataAPIStoreResolve(t *testing.T) {
	exec := &fakeExecutor{records: [][]rdsdatatypes.Field{
		{str("S1"), str("img/s1-front.jpg")},
		{str("S1"), str("img/s1-back.jpg")},
		{&rdsdatatypes.FieldMemberLongValue{Value: 42}, str("img/42.png")},
		{str("S3"), &rdsdatatypes.FieldMemberIsNull{Value: true}},
	}}
	s := NewDataAPIStore(exec, "arn:cluster", "arn:secret", "shipments")

	got, err := s.Resolve(context.Background(), []string{"S1", "42", "S3", "S1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"img/s1-front.jpg", "img/s1-back.jpg"}, got["S1"])
	assert.Equal(t, []string{"img/42.png"}, got["42"])
	assert.Equal(t, []string{}, got["S3"])

	require.Len(t, exec.inputs, 1)
	in := exec.inputs[0]
	assert.Contains(t, aws.ToString(in.Sql), "ANY(:ids::text[])")
	assert.Equal(t, "shipments", aws.ToString(in.Database))
	param := in.Parameters[0].Value.(*rdsdatatypes.FieldMemberStringValue)
	assert.Equal(t, `{"S1","42","S3"}`, param.Value)
}

func TestDataAPIStoreErrorIsTransient(t *testing.T) {
	s := NewDataAPIStore(&fakeExecutor{err: errors.New("throttled")}, "c", "s", "d")
	_, err := s.Resolve(context.Background(), []string{"x"})
	assert.True(t, fault.IsTransient(err))
}

type fakeCache struct {
	data   map[string]string
	sets   []string
	getErr error
}

func (f *fakeCache) MGet(ctx context.Context, keys ...string) *redis.SliceCmd {
	if f.getErr != nil {
		return redis.NewSliceResult(nil, f.getErr)
	}
	vals := make([]any, len(keys))
	for i, k := range keys {
		if v, ok := f.data[k]; ok {
			vals[i] = v
		}
	}
	return redis.NewSliceResult(vals, nil)
}

func (f *fakeCache) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.sets = append(f.sets, key)
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func TestCachedStoreReadsThrough(t *testing.T) {
	backing := NewStaticStore(map[string][]string{"a": {"a.jpg"}, "b": {"b.jpg"}})
	cache := &fakeCache{data: map[string]string{"shipment-images:a": `["cached-a.jpg"]`}}
	s := NewCachedStore(backing, cache, time.Minute)

	got, err := s.Resolve(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cached-a.jpg"}, got["a"])
	assert.Equal(t, []string{"b.jpg"}, got["b"])
	assert.Equal(t, []string{}, got["c"])
	assert.ElementsMatch(t, []string{"shipment-images:b", "shipment-images:c"}, cache.sets)

	got, err = s.Resolve(context.Background(), []string{"b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.jpg"}, got["b"])
	assert.Equal(t, []string{}, got["c"])
	assert.Equal(t, 1, backing.Calls())
}

func TestCachedStoreDegradesOnCacheFailure(t *testing.T) {
	backing := NewStaticStore(map[string][]string{"a": {"a.jpg"}})
	s := NewCachedStore(backing, &fakeCache{data: map[string]string{}, getErr: errors.New("connection refused")}, time.Minute)

	got, err := s.Resolve(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg"}, got["a"])
}

type fakeCluster struct {
	status  string
	started bool
}

func (f *fakeCluster) DescribeDBClusters(ctx context.Context, in *rds.DescribeDBClustersInput, _ ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error) {
	return &rds.DescribeDBClustersOutput{DBClusters: []rdstypes.DBCluster{{Status: aws.String(f.status)}}}, nil
}

func (f *fakeCluster) StartDBCluster(ctx context.Context, in *rds.StartDBClusterInput, _ ...func(*rds.Options)) (*rds.StartDBClusterOutput, error) {
	f.started = true
	return &rds.StartDBClusterOutput{}, nil
}

func TestClusterWarmer(t *testing.T) {
	available := &fakeCluster{status: "available"}
	w := NewClusterWarmer(available, "arn:aws:rds:us-east-1:123:cluster:shipments")
	assert.Equal(t, "shipments", w.clusterID)
	require.NoError(t, w.EnsureAvailable(context.Background()))

	stopped := &fakeCluster{status: "stopped"}
	err := NewClusterWarmer(stopped, "shipments").EnsureAvailable(context.Background())
	assert.True(t, stopped.started)
	assert.True(t, fault.IsTransient(err))
	assert.ErrorIs(t, err, ErrClusterStarting)

	resolver := WarmResolver{Warmer: NewClusterWarmer(&fakeCluster{status: "starting"}, "x"), Next: NewStaticStore(nil)}
	_, err = resolver.Resolve(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrClusterStarting)
}

func TestLoadStaticFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "paths.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("s001:\n  - a/1.jpg\n  - a/2.jpg\ns002: []\n"), 0o644))
	jsonPath := filepath.Join(dir, "paths.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"s001":["a/1.jpg","a/2.jpg"]}`), 0o644))

	for _, p := range []string{yamlPath, jsonPath} {
		s, err := LoadStaticFile(p)
		require.NoError(t, err, p)
		got, err := s.Resolve(context.Background(), []string{"s001", "s003"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a/1.jpg", "a/2.jpg"}, got["s001"], p)
		assert.Empty(t, got["s003"], p)
	}

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("s001: [unterminated"), 0o644))
	_, err := LoadStaticFile(bad)
	assert.Error(t, err)
	_, err = LoadStaticFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
