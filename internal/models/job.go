// Package models defines data structures shared by the anonima client.
package models

import "time"

// Row is one preview record, keyed by column name.
type Row map[string]any

// Job identifies one unit of work on the remote service.
// ID is assigned by the service on upload and never changes afterwards.
type Job struct {
	ID          string
	FileName    string
	Phase       Phase
	Columns     []string
	Preview     []Row
	ErrorDetail string
}

// Clone returns a deep copy so readers never share slices with the owner.
func (j Job) Clone() Job {
	out := j
	if j.Columns != nil {
		out.Columns = append([]string(nil), j.Columns...)
	}
	out.Preview = CloneRows(j.Preview)
	return out
}

// CloneRows copies a row slice including each row map.
func CloneRows(rows []Row) []Row {
	if rows == nil {
		return nil
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		c := make(Row, len(r))
		for k, v := range r {
			c[k] = v
		}
		out[i] = c
	}
	return out
}

// StatusSnapshot is one parsed observation of a job's remote state.
// RawPhase keeps the server string verbatim; Phase is empty when the
// string is not recognized.
type StatusSnapshot struct {
	JobID       string
	RawPhase    string
	Phase       Phase
	Columns     []string
	SampleRows  []Row
	ErrorDetail string
	Progress    string
}

// Recognized reports whether the raw phase mapped onto a known Phase.
func (s StatusSnapshot) Recognized() bool {
	return s.Phase != ""
}

// ColumnRole is the user-assigned role of a column, forwarded verbatim to the service.
type ColumnRole struct {
	QuasiIdentifier bool `json:"is_quasi_identifier"`
	Sensitive       bool `json:"should_anonymize"`
}

// ColumnSelections maps column name to its role.
type ColumnSelections map[string]ColumnRole

// AnonymizationRequest is the payload for triggering anonymization of an analyzed job.
type AnonymizationRequest struct {
	JobID      string
	Method     string
	Params     map[string]any
	Selections ColumnSelections
	// Columns fixes the order in which selections are sent.
	Columns []string
}

// ListingEntry is one raw row of the service's dataset listing.
type ListingEntry struct {
	JobID             string
	FileName          string
	Method            string
	Status            string
	Rows              int64
	UploadedAt        *time.Time
	CompletedAt       *time.Time
	AnonymizedPreview []Row
}

// ListingStats is the aggregate block returned next to the listing.
type ListingStats struct {
	Datasets  int64
	TotalRows int64
}

// Listing is a freshly fetched, immutable copy of the remote dataset listing.
type Listing struct {
	Stats   ListingStats
	Entries []ListingEntry
}

// DatasetRecord is a display-ready row derived from one ListingEntry.
type DatasetRecord struct {
	ID                string
	DisplayName       string
	AlgorithmLabel    string
	Status            string
	RowCount          int64
	SortTimestamp     *time.Time
	AnonymizedPreview []Row
}
