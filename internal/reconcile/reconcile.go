// Package reconcile turns a freshly fetched dataset listing into the ordered
// rows and summary figures shown on the dashboard.
package reconcile

import (
	"slices"
	"strings"
	"time"

	"github.com/anonimadata/anonima-cli/internal/models"
)

// StatusAnonymized is the listing status that marks a finished dataset.
const StatusAnonymized = "anonymized"

// UnknownAlgorithm labels entries that carry no method.
const UnknownAlgorithm = "Unknown"

// Stats are the dashboard summary figures.
type Stats struct {
	TotalDatasets int64
	CompletedJobs int
	ProtectedRows int64
}

// Reconcile builds display records from entries and returns them ordered:
// records not yet anonymized first, then by completion (or upload) time,
// newest first. Records without a timestamp go last. Ties keep input order.
// The input is not modified.
func Reconcile(entries []models.ListingEntry) []models.DatasetRecord {
	records := make([]models.DatasetRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, Record(e))
	}
	slices.SortStableFunc(records, Compare)
	return records
}

// Record derives one display record from a listing entry.
func Record(e models.ListingEntry) models.DatasetRecord {
	name := strings.TrimSpace(e.FileName)
	if name == "" {
		name = e.JobID
	}
	label := strings.TrimSpace(e.Method)
	if label == "" {
		label = UnknownAlgorithm
	}
	ts := e.CompletedAt
	if ts == nil {
		ts = e.UploadedAt
	}
	return models.DatasetRecord{
		ID:                e.JobID,
		DisplayName:       name,
		AlgorithmLabel:    label,
		Status:            e.Status,
		RowCount:          e.Rows,
		SortTimestamp:     ts,
		AnonymizedPreview: e.AnonymizedPreview,
	}
}

// Sort orders records in place with the same comparator as Reconcile.
// Sorting already reconciled output leaves it unchanged.
func Sort(records []models.DatasetRecord) {
	slices.SortStableFunc(records, Compare)
}

// Compare is the dashboard ordering as a three-way comparison.
func Compare(a, b models.DatasetRecord) int {
	aDone, bDone := IsAnonymized(a.Status), IsAnonymized(b.Status)
	if aDone != bDone {
		if aDone {
			return 1
		}
		return -1
	}
	return compareNewestFirst(a.SortTimestamp, b.SortTimestamp)
}

func compareNewestFirst(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return b.Compare(*a)
	}
}

// IsAnonymized reports whether status is the terminal listing status.
func IsAnonymized(status string) bool {
	return strings.EqualFold(strings.TrimSpace(status), StatusAnonymized)
}

// Summarize computes the dashboard figures. Entries with status
// "completed" or "anonymized" count as completed jobs.
func Summarize(listing models.Listing) Stats {
	s := Stats{
		TotalDatasets: listing.Stats.Datasets,
		ProtectedRows: listing.Stats.TotalRows,
	}
	for _, e := range listing.Entries {
		status := strings.ToLower(strings.TrimSpace(e.Status))
		if status == "completed" || status == StatusAnonymized {
			s.CompletedJobs++
		}
	}
	return s
}
