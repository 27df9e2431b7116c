package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/anonimadata/anonima-cli/internal/models"
)

// listingFile is one entry of the "files" array of GET /get_files.
type listingFile struct {
	JobID             string          `json:"job_id"`
	FileName          string          `json:"filename"`
	Method            string          `json:"method"`
	Status            string          `json:"status"`
	Rows              json.RawMessage `json:"rows"`
	UploadedAt        string          `json:"datetime_upload"`
	CompletedAt       string          `json:"datetime_completition"`
	AnonymizedPreview json.RawMessage `json:"anonymized_preview"`
}

type listingStats struct {
	Datasets  json.RawMessage `json:"datasets"`
	TotalRows json.RawMessage `json:"total_rows"`
}

// listingBlock holds either half of the listing; the service sends them as
// two array elements or as one object.
type listingBlock struct {
	Stats json.RawMessage `json:"stats"`
	Files []listingFile   `json:"files"`
}

// ParseListing decodes a GET /get_files response. Both the array shape
// [{"stats":[...]},{"files":[...]}] and the object shape {"stats":...,"files":[...]}
// are accepted. Any other valid JSON yields an empty listing.
func ParseListing(data []byte) (*models.Listing, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty listing", models.ErrMalformedPayload)
	}

	var blocks []listingBlock
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &blocks); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
		}
	case '{':
		var block listingBlock
		if err := json.Unmarshal(data, &block); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
		}
		blocks = []listingBlock{block}
	default:
		if !json.Valid(data) {
			return nil, fmt.Errorf("%w: invalid JSON", models.ErrMalformedPayload)
		}
	}

	listing := &models.Listing{}
	for _, block := range blocks {
		if len(block.Stats) > 0 {
			listing.Stats = parseStats(block.Stats)
		}
		for _, f := range block.Files {
			listing.Entries = append(listing.Entries, f.entry())
		}
	}
	return listing, nil
}

// parseStats accepts [{"datasets":..,"total_rows":..}] or the bare object.
func parseStats(raw json.RawMessage) models.ListingStats {
	var list []listingStats
	if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 {
		var one listingStats
		if json.Unmarshal(raw, &one) != nil {
			return models.ListingStats{}
		}
		list = []listingStats{one}
	}
	return models.ListingStats{
		Datasets:  parseCount(list[0].Datasets),
		TotalRows: parseCount(list[0].TotalRows),
	}
}

func (f listingFile) entry() models.ListingEntry {
	return models.ListingEntry{
		JobID:             strings.TrimSpace(f.JobID),
		FileName:          f.FileName,
		Method:            f.Method,
		Status:            f.Status,
		Rows:              parseCount(f.Rows),
		UploadedAt:        models.ParseTimestampPtr(f.UploadedAt),
		CompletedAt:       models.ParseTimestampPtr(f.CompletedAt),
		AnonymizedPreview: parsePreview(f.AnonymizedPreview),
	}
}

// parseCount reads a number that may arrive as a JSON number or a numeric string.
func parseCount(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0
		}
		n = json.Number(strings.TrimSpace(s))
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(n.String(), 64); err == nil {
		return int64(f)
	}
	return 0
}

// parsePreview accepts a row array or a string holding one.
func parsePreview(raw json.RawMessage) []models.Row {
	if len(raw) == 0 {
		return nil
	}
	var rows []models.Row
	if json.Unmarshal(raw, &rows) == nil {
		return rows
	}
	var s string
	if json.Unmarshal(raw, &s) == nil && s != "" {
		if json.Unmarshal([]byte(s), &rows) == nil {
			return rows
		}
	}
	return nil
}
