// Package snapshot normalizes raw status payloads from the anonymization
// service into models.StatusSnapshot values.
//
// The service has used several field names for the same concept over time,
// and which one is populated depends on the job phase. Each field therefore
// has a fixed priority list of sources; the first populated source wins and
// sources are never merged.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/anonimadata/anonima-cli/internal/models"
)

// Column sources in priority order.
var columnSources = []string{
	"metadata",
	"metadata.columns",
	"columns",
	"processed_data_info.columns",
	"anonymized_data_info.columns",
}

// Preview row sources in priority order, by phase.
var (
	anonymizedRowSources = []string{"anonymized_preview", "anonymized_data_preview", "anonymized_sample_data"}
	analysisRowSources   = []string{"processed_data_preview", "sample", "rows"}
)

var (
	errorSources    = []string{"error_message", "details", "error"}
	progressSources = []string{"details", "progress"}
	phaseSources    = []string{"status", "phase"}
)

var phaseNames = map[string]models.Phase{
	"uploaded":                models.PhaseAnalyzing,
	"processing":              models.PhaseAnalyzing,
	"analyzing":               models.PhaseAnalyzing,
	"analyzed":                models.PhaseAnalyzed,
	"anonymization_requested": models.PhaseAnonymizing,
	"anonymizing":             models.PhaseAnonymizing,
	"anonymized":              models.PhaseAnonymized,
	"completed":               models.PhaseAnonymized,
	"error":                   models.PhaseError,
	"failed":                  models.PhaseError,
}

// ParsePhase maps a raw server status onto a Phase. Matching ignores case
// and surrounding whitespace. The second result is false for unknown strings.
func ParsePhase(raw string) (models.Phase, bool) {
	p, ok := phaseNames[strings.ToLower(strings.TrimSpace(raw))]
	return p, ok
}

// Parse decodes a status payload. Missing fields default to empty values;
// only a payload that is not a JSON object is an error.
func Parse(payload []byte) (models.StatusSnapshot, error) {
	doc, err := decodeObject(payload)
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	return FromMap(doc), nil
}

// FromMap builds a snapshot from an already decoded JSON object.
func FromMap(doc map[string]any) models.StatusSnapshot {
	var snap models.StatusSnapshot

	snap.JobID = firstString(doc, "job_id", "id")
	snap.RawPhase = firstString(doc, phaseSources...)
	if p, ok := ParsePhase(snap.RawPhase); ok {
		snap.Phase = p
	}

	snap.Columns = columns(doc)
	if snap.Columns == nil {
		snap.Columns = []string{}
	}

	rowSources := analysisRowSources
	if snap.Phase == models.PhaseAnonymized {
		rowSources = anonymizedRowSources
	}
	snap.SampleRows = project(rows(doc, rowSources), snap.Columns)

	snap.Progress = firstString(doc, progressSources...)
	if snap.Phase == models.PhaseError {
		snap.ErrorDetail = firstString(doc, errorSources...)
	}
	return snap
}

func decodeObject(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", models.ErrMalformedPayload)
	}
	return doc, nil
}

// lookup resolves a dotted path like "metadata.columns".
func lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func firstString(doc map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := lookup(doc, key)
		if !ok {
			continue
		}
		switch s := v.(type) {
		case string:
			if strings.TrimSpace(s) != "" {
				return s
			}
		case json.Number:
			return s.String()
		}
	}
	return ""
}

func columns(doc map[string]any) []string {
	for _, src := range columnSources {
		v, ok := lookup(doc, src)
		if !ok {
			continue
		}
		if cols := columnNames(v); len(cols) > 0 {
			return cols
		}
	}
	return nil
}

// columnNames accepts a list of strings or a list of {column_name} objects.
func columnNames(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch c := item.(type) {
		case string:
			if c != "" {
				out = append(out, c)
			}
		case map[string]any:
			if name, ok := c["column_name"].(string); ok && name != "" {
				out = append(out, name)
			} else if name, ok := c["name"].(string); ok && name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

// rawRows holds rows as decoded: objects, or positional arrays.
type rawRows struct {
	objects []map[string]any
	arrays  [][]any
}

func (r rawRows) empty() bool {
	return len(r.objects) == 0 && len(r.arrays) == 0
}

func rows(doc map[string]any, sources []string) rawRows {
	for _, src := range sources {
		v, ok := lookup(doc, src)
		if !ok {
			continue
		}
		list, ok := v.([]any)
		if !ok || len(list) == 0 {
			continue
		}
		var r rawRows
		for _, item := range list {
			switch row := item.(type) {
			case map[string]any:
				r.objects = append(r.objects, row)
			case []any:
				r.arrays = append(r.arrays, row)
			}
		}
		if !r.empty() {
			return r
		}
	}
	return rawRows{}
}

// project orders each row by columns; missing cells become "". Without a
// column list, object rows are kept with their own keys.
func project(r rawRows, cols []string) []models.Row {
	out := make([]models.Row, 0, len(r.objects)+len(r.arrays))
	if len(cols) == 0 {
		for _, obj := range r.objects {
			row := make(models.Row, len(obj))
			for k, v := range obj {
				row[k] = normalize(v)
			}
			out = append(out, row)
		}
		return out
	}
	for _, obj := range r.objects {
		row := make(models.Row, len(cols))
		for _, c := range cols {
			if v, ok := obj[c]; ok && v != nil {
				row[c] = normalize(v)
			} else {
				row[c] = ""
			}
		}
		out = append(out, row)
	}
	for _, arr := range r.arrays {
		row := make(models.Row, len(cols))
		for i, c := range cols {
			if i < len(arr) && arr[i] != nil {
				row[c] = normalize(arr[i])
			} else {
				row[c] = ""
			}
		}
		out = append(out, row)
	}
	return out
}

// normalize turns json.Number into int64 or float64.
func normalize(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// RowColumns returns the keys of rows in first-seen order, with the keys of
// each row sorted. It lets callers render rows that arrived without a column list.
func RowColumns(rows []models.Row) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rows {
		keys := make([]string, 0, len(r))
		for k := range r {
			if !seen[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
