// Package discovery scans a local directory for video files eligible
// for batch submission, gathering files to submit as jobs rather than
// files to encode.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/videointel/coordinator/internal/validate"
)

// FindVideoFiles returns every non-hidden, extension-allowed video
// file directly under dir, sorted case-insensitively by filename. It
// does not recurse; it is a single-level scan.
func FindVideoFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("discovery: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("discovery: %s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("discovery: read dir %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		fullPath := filepath.Join(dir, entry.Name())
		if validate.ValidateFileUpload(fullPath).OK {
			files = append(files, fullPath)
		}
	}

	sort.Slice(files, func(i, j int) bool {
		return strings.ToLower(filepath.Base(files[i])) < strings.ToLower(filepath.Base(files[j]))
	})
	return files, nil
}
