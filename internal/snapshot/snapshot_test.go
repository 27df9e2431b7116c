package snapshot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anonimadata/anonima-cli/internal/models"
)

func TestParsePhase(t *testing.T) {
	tests := []struct {
		raw   string
		want  models.Phase
		known bool
	}{
		{"analyzed", models.PhaseAnalyzed, true},
		{"ANALYZED", models.PhaseAnalyzed, true},
		{" completed ", models.PhaseAnonymized, true},
		{"anonymized", models.PhaseAnonymized, true},
		{"error", models.PhaseError, true},
		{"failed", models.PhaseError, true},
		{"processing", models.PhaseAnalyzing, true},
		{"uploaded", models.PhaseAnalyzing, true},
		{"anonymization_requested", models.PhaseAnonymizing, true},
		{"queued_for_gpu", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParsePhase(tt.raw)
		assert.Equal(t, tt.known, ok, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestParseMissingFieldsDefaultEmpty(t *testing.T) {
	snap, err := Parse([]byte(`{"status":"processing"}`))
	require.NoError(t, err)

	assert.Equal(t, "processing", snap.RawPhase)
	assert.Equal(t, models.PhaseAnalyzing, snap.Phase)
	assert.NotNil(t, snap.Columns)
	assert.Empty(t, snap.Columns)
	assert.NotNil(t, snap.SampleRows)
	assert.Empty(t, snap.SampleRows)
	assert.Empty(t, snap.ErrorDetail)
}

func TestParseUnknownPhasePassesThrough(t *testing.T) {
	snap, err := Parse([]byte(`{"status":"Re-Indexing"}`))
	require.NoError(t, err)
	assert.Equal(t, "Re-Indexing", snap.RawPhase)
	assert.False(t, snap.Recognized())
}

func TestParseColumnPriority(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []string
	}{
		{
			name:    "metadata array wins over columns",
			payload: `{"status":"analyzed","metadata":[{"column_name":"age"},{"column_name":"city"}],"columns":["x","y"]}`,
			want:    []string{"age", "city"},
		},
		{
			name:    "metadata.columns",
			payload: `{"status":"analyzed","metadata":{"columns":["zip"]},"columns":["x"]}`,
			want:    []string{"zip"},
		},
		{
			name:    "empty metadata falls through to columns",
			payload: `{"status":"analyzed","metadata":[],"columns":["x","y"]}`,
			want:    []string{"x", "y"},
		},
		{
			name:    "processed_data_info",
			payload: `{"status":"analyzed","processed_data_info":{"columns":["a"]},"anonymized_data_info":{"columns":["b"]}}`,
			want:    []string{"a"},
		},
		{
			name:    "anonymized_data_info last",
			payload: `{"status":"completed","anonymized_data_info":{"columns":["b"]}}`,
			want:    []string{"b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := Parse([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, snap.Columns)
		})
	}
}

func TestParseRowsDependOnPhase(t *testing.T) {
	payload := `{
		"status": "completed",
		"columns": ["age", "city"],
		"processed_data_preview": [{"age": 31, "city": "Lima"}],
		"anonymized_preview": [{"age": "30-40"}]
	}`
	snap, err := Parse([]byte(payload))
	require.NoError(t, err)
	require.Len(t, snap.SampleRows, 1)
	assert.Equal(t, models.Row{"age": "30-40", "city": ""}, snap.SampleRows[0])

	payload = `{
		"status": "analyzed",
		"columns": ["age", "city"],
		"processed_data_preview": [{"age": 31, "city": "Lima", "extra": true}]
	}`
	snap, err = Parse([]byte(payload))
	require.NoError(t, err)
	require.Len(t, snap.SampleRows, 1)
	assert.Equal(t, models.Row{"age": int64(31), "city": "Lima"}, snap.SampleRows[0])
}

func TestParseRowsFallThroughEmptySource(t *testing.T) {
	payload := `{"status":"analyzed","columns":["n"],"processed_data_preview":[],"sample":[[1.5],[2]]}`
	snap, err := Parse([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, []models.Row{{"n": 1.5}, {"n": int64(2)}}, snap.SampleRows)
}

func TestParseErrorDetail(t *testing.T) {
	snap, err := Parse([]byte(`{"status":"error","details":"bad delimiter","error":"ignored"}`))
	require.NoError(t, err)
	assert.Equal(t, models.PhaseError, snap.Phase)
	assert.Equal(t, "bad delimiter", snap.ErrorDetail)

	snap, err = Parse([]byte(`{"status":"processing","details":"Anonymizing 40%"}`))
	require.NoError(t, err)
	assert.Empty(t, snap.ErrorDetail)
	assert.Equal(t, "Anonymizing 40%", snap.Progress)
}

func TestParseMalformed(t *testing.T) {
	for _, payload := range []string{``, `not json`, `[1,2]`, `null`} {
		_, err := Parse([]byte(payload))
		assert.True(t, errors.Is(err, models.ErrMalformedPayload), "payload %q: %v", payload, err)
	}
}

func TestRowColumns(t *testing.T) {
	rows := []models.Row{{"b": 1, "a": 2}, {"c": 3, "a": 4}}
	assert.Equal(t, []string{"a", "b", "c"}, RowColumns(rows))
}
