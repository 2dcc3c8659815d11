package metrics

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderFlushWritesEMF(t *testing.T) {
	initOnce.Do(func() {})
	functionName = ""
	var buf bytes.Buffer

	NewWithWriter(&buf, "package").
		Count("DownloadsSucceeded", 4).
		Bytes("ArchiveBytes", 2048).
		Since("LatencyMs", time.Now().Add(-time.Second)).
		Property("jobId", "job-1").
		Flush()

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))

	assert.Equal(t, "package", doc["Operation"])
	assert.Equal(t, float64(4), doc["DownloadsSucceeded"])
	assert.Equal(t, float64(2048), doc["ArchiveBytes"])
	assert.Equal(t, "job-1", doc["jobId"])
	assert.GreaterOrEqual(t, doc["LatencyMs"].(float64), float64(1000))

	aws := doc["_aws"].(map[string]any)
	cw := aws["CloudWatchMetrics"].([]any)[0].(map[string]any)
	assert.Equal(t, Namespace, cw["Namespace"])
	assert.Equal(t, []any{[]any{"Operation"}}, cw["Dimensions"])
	assert.Len(t, cw["Metrics"], 3)
}

func TestRecorderFlushWithoutMetricsIsSilent(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "cleanup").Property("jobId", "job-1").Flush()
	assert.Zero(t, buf.Len())
}

func TestFunctionNameDimension(t *testing.T) {
	initOnce.Do(func() {})
	functionName = "partition-lambda"
	t.Cleanup(func() { functionName = "" })

	var buf bytes.Buffer
	NewWithWriter(&buf, "").Count("Items", 1).Flush()

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "partition-lambda", doc["FunctionName"])
	assert.NotContains(t, doc, "Operation")
}
