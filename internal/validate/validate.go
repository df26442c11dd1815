// Package validate provides pure, I/O-light validation for stream
// submissions and file uploads before a job is created.
package validate

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/videointel/coordinator/internal/model"
)

// MaxUploadBytes bounds file-based job sources to 10 GiB.
const MaxUploadBytes int64 = 10 * 1024 * 1024 * 1024

// allowedExtensions is the upload/file extension allowlist.
var allowedExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".avi": true, ".webm": true,
}

// Result mirrors the boolean+message shape used throughout this
// codebase's validation checks: a pass/fail flag plus a human-readable
// explanation, so callers can surface a reason without re-deriving it.
type Result struct {
	OK      bool
	Message string
}

// Options scopes which URL schemes ValidateStreamURL accepts;
// ValidateFileUpload takes no options.
type Options struct {
	AllowedSchemes []string // defaults to rtsp, http, https
}

func defaultOptions(opts *Options) Options {
	if opts != nil && len(opts.AllowedSchemes) > 0 {
		return *opts
	}
	return Options{AllowedSchemes: []string{"rtsp", "http", "https"}}
}

// ValidateStreamURL checks that rawURL parses and its scheme is one
// the coordinator's stream sources support.
func ValidateStreamURL(rawURL string, sourceType model.SourceType, opts *Options) Result {
	o := defaultOptions(opts)

	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{OK: false, Message: fmt.Sprintf("invalid URL: %v", err)}
	}
	if u.Host == "" {
		return Result{OK: false, Message: "URL has no host"}
	}

	schemeAllowed := false
	for _, s := range o.AllowedSchemes {
		if strings.EqualFold(u.Scheme, s) {
			schemeAllowed = true
			break
		}
	}
	if !schemeAllowed {
		return Result{OK: false, Message: fmt.Sprintf("scheme %q is not supported (allowed: %s)", u.Scheme, strings.Join(o.AllowedSchemes, ", "))}
	}

	switch sourceType {
	case model.SourceRTSP:
		if !strings.EqualFold(u.Scheme, "rtsp") {
			return Result{OK: false, Message: "rtsp source requires an rtsp:// URL"}
		}
	case model.SourceHTTP:
		if !strings.EqualFold(u.Scheme, "http") && !strings.EqualFold(u.Scheme, "https") {
			return Result{OK: false, Message: "http source requires an http:// or https:// URL"}
		}
	}

	return Result{OK: true, Message: "URL is well-formed and uses an allowed scheme"}
}

// ValidateFileUpload checks that path exists, is a regular file, is
// under MaxUploadBytes, and carries a recognized video extension.
func ValidateFileUpload(path string) Result {
	ext := strings.ToLower(filepath.Ext(path))
	if !allowedExtensions[ext] {
		return Result{OK: false, Message: fmt.Sprintf("unsupported file extension %q", ext)}
	}

	info, err := os.Stat(path)
	if err != nil {
		return Result{OK: false, Message: fmt.Sprintf("cannot stat file: %v", err)}
	}
	if !info.Mode().IsRegular() {
		return Result{OK: false, Message: "not a regular file"}
	}
	if info.Size() == 0 {
		return Result{OK: false, Message: "file is empty"}
	}
	if info.Size() > MaxUploadBytes {
		return Result{OK: false, Message: fmt.Sprintf("file size %d exceeds maximum %d bytes", info.Size(), MaxUploadBytes)}
	}

	return Result{OK: true, Message: fmt.Sprintf("file is valid (%d bytes)", info.Size())}
}
