package lifecycle

import (
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/anonimadata/anonima-cli/internal/models"
)

// Accepted upload kinds.
var (
	acceptedContentTypes = []string{"text/csv", "application/json"}
	acceptedExtensions   = []string{".csv", ".json"}
)

// Upload is a dataset handed to SubmitUpload.
type Upload struct {
	Name        string
	ContentType string // declared type; may be empty
	Body        io.Reader
}

// Validate accepts CSV or JSON by declared content type, falling back to
// the file extension when the declared type is missing or unknown.
func (u Upload) Validate() error {
	if strings.TrimSpace(u.Name) == "" {
		return models.NewError(models.ErrValidation, "upload", "no file selected", nil)
	}
	if u.Body == nil {
		return models.NewError(models.ErrValidation, "upload", "file has no content", nil)
	}
	if acceptedType(u.ContentType) || acceptedExtension(u.Name) {
		return nil
	}
	return models.NewError(models.ErrValidation, "upload",
		"please select a CSV or JSON file", nil)
}

func acceptedType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	for _, t := range acceptedContentTypes {
		if strings.EqualFold(mediaType, t) {
			return true
		}
	}
	return false
}

func acceptedExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range acceptedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ContentTypeFor returns the content type to declare for a local file name,
// or "" when the extension is not an accepted kind.
func ContentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return ""
	}
}
