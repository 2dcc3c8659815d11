package batch

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/shipment-bundler/internal/fault"
	"github.com/fpang/shipment-bundler/internal/jobs"
)

func batchJSON(n int) []byte {
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf(`{"id":"S%03d","destino":"x"}`, i+1)
	}
	return []byte(`{"nombre_archivo":"lote.json","envios":[` + strings.Join(items, ",") + `]}`)
}

func TestParseValidBatch(t *testing.T) {
	b, err := Parse([]byte(`{"envios":[{"id":"a"},{"id":42},{"id":" c "}],"cliente":"acme"}`), 0)
	require.NoError(t, err)

	assert.Equal(t, "envios", b.ListKey)
	assert.Equal(t, []string{"a", "42", "c"}, b.IDs())
	assert.Contains(t, b.Envelope, "cliente")
	assert.NotContains(t, b.Envelope, "envios")
}

func TestParseAcceptsShipmentsKey(t *testing.T) {
	b, err := Parse([]byte(`{"shipments":[{"id":"a"}]}`), 0)
	require.NoError(t, err)
	assert.Equal(t, "shipments", b.ListKey)
}

func TestParseRejectsStructuralProblems(t *testing.T) {
	cases := map[string]string{
		"not json":       `nope`,
		"array root":     `[{"id":"a"}]`,
		"missing list":   `{"other":[]}`,
		"list not array": `{"envios":{"id":"a"}}`,
		"null list":      `{"envios":null}`,
		"empty list":     `{"envios":[]}`,
		"missing id":     `{"envios":[{"id":"a"},{"name":"b"}]}`,
		"empty id":       `{"envios":[{"id":"  "}]}`,
		"bool id":        `{"envios":[{"id":true}]}`,
		"null id":        `{"envios":[{"id":null}]}`,
		"duplicate id":   `{"envios":[{"id":"a"},{"id":"a"}]}`,
		"item not obj":   `{"envios":["a"]}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			b, err := Parse([]byte(input), 0)
			assert.Nil(t, b)
			assert.True(t, fault.IsStructural(err), "got %v", err)
		})
	}
}

func TestParseEnforcesBatchCap(t *testing.T) {
	_, err := Parse(batchJSON(11), 10)
	require.Error(t, err)
	assert.True(t, fault.IsStructural(err))

	_, err = Parse(batchJSON(10), 10)
	assert.NoError(t, err)
}

func TestParseCapsReportedProblems(t *testing.T) {
	items := make([]string, 25)
	for i := range items {
		items[i] = `{"name":"no id"}`
	}
	_, err := Parse([]byte(`{"envios":[`+strings.Join(items, ",")+`]}`), 0)

	var se *fault.StructuralError
	require.ErrorAs(t, err, &se)
	assert.Len(t, se.Problems, maxProblems+1)
	assert.Equal(t, "and 15 more", se.Problems[maxProblems])
}

func TestSplitSizes(t *testing.T) {
	b, err := Parse(batchJSON(250), 0)
	require.NoError(t, err)

	slices := Split(b.Items, 100)
	require.Len(t, slices, 3)
	assert.Len(t, slices[0], 100)
	assert.Len(t, slices[1], 100)
	assert.Len(t, slices[2], 50)

	// Union is the original list, once each, in order.
	var ids []string
	for _, s := range slices {
		for _, it := range s {
			ids = append(ids, it.ID)
		}
	}
	assert.Equal(t, b.IDs(), ids)
}

func TestSplitArithmetic(t *testing.T) {
	for _, tc := range []struct{ n, m int }{{1, 100}, {99, 100}, {100, 100}, {101, 100}, {7, 3}, {9, 3}} {
		b, err := Parse(batchJSON(tc.n), 0)
		require.NoError(t, err)
		slices := Split(b.Items, tc.m)
		assert.Len(t, slices, (tc.n+tc.m-1)/tc.m, "n=%d m=%d", tc.n, tc.m)
		for i, s := range slices {
			assert.LessOrEqual(t, len(s), tc.m)
			if i < len(slices)-1 {
				assert.Len(t, s, tc.m)
			}
		}
	}
}

func TestNewPlan(t *testing.T) {
	b, err := Parse(batchJSON(250), 0)
	require.NoError(t, err)
	refs := map[string][]string{
		"S001": {"img/1a.jpg", "img/1b.jpg"},
		"S150": {"img/150.png"},
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	plan := NewPlan("job-1", "lote.json", b, refs, 100, now)

	require.Len(t, plan.Packages, 3)
	assert.Equal(t, 250, plan.TotalItems)
	assert.Equal(t, 2, plan.Coverage.WithImages)
	assert.Equal(t, 3, plan.Coverage.TotalImages)
	assert.Equal(t, 0.8, plan.Coverage.CoveragePercent)

	first := plan.Packages[0]
	assert.Equal(t, 1, first.Number)
	assert.Equal(t, 3, first.Count)
	assert.Equal(t, jobs.PackageID("job-1", 1), first.ID)
	assert.Equal(t, []string{"img/1a.jpg", "img/1b.jpg"}, first.AssetRefs["S001"])
	assert.Equal(t, []string{}, first.AssetRefs["S002"])
	assert.Equal(t, "1/3", first.Metadata.Label)
	assert.Equal(t, IDRange{Start: "S001", End: "S100"}, first.Metadata.IDRange)
	assert.Equal(t, 2, first.Metadata.ImageCount)

	second := plan.Packages[1]
	assert.Equal(t, 1, second.Coverage.WithImages)
	assert.Equal(t, 3, second.Count)

	last := plan.Packages[2]
	assert.Len(t, last.Items, 50)
	assert.Equal(t, IDRange{Start: "S201", End: "S250"}, last.Metadata.IDRange)

	again := NewPlan("job-1", "lote.json", b, refs, 100, now)
	for i := range plan.Packages {
		assert.Equal(t, plan.Packages[i].ID, again.Packages[i].ID)
	}
}

func TestEncodeDecodeDocument(t *testing.T) {
	b, err := Parse([]byte(`{"nombre_archivo":"lote.json","envios":[{"id":"a","peso":3},{"id":7}]}`), 0)
	require.NoError(t, err)
	plan := NewPlan("job-1", "lote.json", b, map[string][]string{"a": {"x.jpg"}}, 100, time.Now())

	data, err := Encode(b, plan.Packages[0])
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "lote.json", raw["nombre_archivo"])
	envios := raw["envios"].([]any)
	require.Len(t, envios, 2)
	assert.Equal(t, float64(3), envios[0].(map[string]any)["peso"])
	assert.Equal(t, []any{}, envios[1].(map[string]any)["images"])

	doc, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "job-1", doc.Metadata.JobID)
	assert.Equal(t, 1, doc.Metadata.PackageCount)
	assert.Equal(t, map[string][]string{"a": {"x.jpg"}, "7": {}}, doc.AssetRefs())
	assert.Equal(t, 50.0, doc.Coverage.CoveragePercent)
}

func TestDecodeRejectsDocumentWithoutMetadata(t *testing.T) {
	_, err := Decode([]byte(`{"envios":[]}`))
	assert.True(t, fault.IsStructural(err))
}
