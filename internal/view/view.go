// Package view maps job phases to the screen the client should show.
package view

import "github.com/anonimadata/anonima-cli/internal/models"

// ID identifies a screen.
type ID string

const (
	Dashboard  ID = "dashboard"
	Upload     ID = "upload"
	Configure  ID = "configure"
	Processing ID = "processing"
	Preview    ID = "preview"
)

// Project returns the view for phase. errorView is the view that was active
// when an error occurred; uploadRequested selects the upload form over the
// dashboard while idle.
func Project(phase models.Phase, errorView ID, uploadRequested bool) ID {
	switch phase {
	case models.PhaseIdle:
		if uploadRequested {
			return Upload
		}
		return Dashboard
	case models.PhaseUploading, models.PhaseAnalyzing, models.PhaseAnonymizing:
		return Processing
	case models.PhaseAnalyzed, models.PhaseConfiguring:
		return Configure
	case models.PhaseAnonymized:
		return Preview
	case models.PhaseError:
		if errorView == "" {
			return Dashboard
		}
		return errorView
	default:
		return Dashboard
	}
}
