// Package diskspace checks free space before a download is written.
package diskspace

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// DownloadSafetyMargin pads the expected size for filesystem overhead.
const DownloadSafetyMargin = 1.1

// InsufficientSpaceError indicates that there is not enough disk space available.
type InsufficientSpaceError struct {
	Path           string
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space for %s: need %s, have %s available",
		e.Path, humanize.Bytes(uint64(e.RequiredBytes)), humanize.Bytes(uint64(e.AvailableBytes)))
}

// CheckAvailableSpace reports an *InsufficientSpaceError when the filesystem
// holding targetPath has less than requiredBytes*safetyMargin free.
// targetPath itself need not exist. When free space cannot be determined,
// or the size is unknown (requiredBytes <= 0), the check passes.
func CheckAvailableSpace(targetPath string, requiredBytes int64, safetyMargin float64) error {
	if requiredBytes <= 0 {
		return nil
	}
	available, ok := availableBytes(filepath.Dir(targetPath))
	if !ok {
		return nil
	}
	required := int64(float64(requiredBytes) * safetyMargin)
	if available < required {
		return &InsufficientSpaceError{
			Path:           targetPath,
			RequiredBytes:  required,
			AvailableBytes: available,
		}
	}
	return nil
}

// GetAvailableSpace returns the free bytes on the filesystem holding path,
// or 0 if unknown.
func GetAvailableSpace(path string) int64 {
	n, _ := availableBytes(filepath.Dir(path))
	return n
}

// IsInsufficientSpaceError checks if an error is an InsufficientSpaceError
func IsInsufficientSpaceError(err error) bool {
	var e *InsufficientSpaceError
	return errors.As(err, &e)
}
