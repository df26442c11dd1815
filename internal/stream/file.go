package stream

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// allowedExtensions mirrors internal/validate's upload allowlist —
// duplicated as a small constant rather than imported, since stream
// and validate serve different layers (validate gates submission,
// this gates what file.Source itself will open).
var allowedExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".avi": true, ".webm": true,
}

// FileSource reads frames from a local video file. Actual frame
// decoding is delegated to Decoder, a seam for whatever media library
// a deployment wires in; this type owns the file-existence/extension
// gate and frame bookkeeping.
type FileSource struct {
	Path    string
	Decoder Decoder

	file   *os.File
	info   Info
	cursor int
}

// Decoder is the minimal decode contract FileSource needs: probe the
// file's properties, then hand back frames one at a time.
type Decoder interface {
	Probe(path string) (Info, error)
	NextFrame(path string, frameNumber int) ([]byte, error)
}

func (s *FileSource) Open(_ context.Context) error {
	ext := strings.ToLower(filepath.Ext(s.Path))
	if !allowedExtensions[ext] {
		return fmt.Errorf("stream: unsupported file extension %q", ext)
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("stream: open %s: %w", s.Path, err)
	}
	s.file = f

	if s.Decoder == nil {
		return fmt.Errorf("stream: no decoder configured for %s", s.Path)
	}
	info, err := s.Decoder.Probe(s.Path)
	if err != nil {
		return fmt.Errorf("stream: probe %s: %w", s.Path, err)
	}
	s.info = info
	return nil
}

// ReadFrame decodes the next frame in sequence, advancing an internal
// cursor. For chunk-scoped reads, dispatch instead seeks with
// SeekTo before reading.
func (s *FileSource) ReadFrame(_ context.Context) (int, []byte, error) {
	if s.file == nil {
		return 0, nil, ErrClosed
	}
	if s.info.TotalFrames > 0 && s.cursor >= s.info.TotalFrames {
		return 0, nil, ErrEndOfStream
	}
	data, err := s.Decoder.NextFrame(s.Path, s.cursor)
	if err != nil {
		return 0, nil, fmt.Errorf("stream: decode frame %d: %w", s.cursor, err)
	}
	frameNumber := s.cursor
	s.cursor++
	return frameNumber, data, nil
}

// SeekTo repositions the read cursor, used by the dispatcher to hand
// a worker only its assigned chunk's frame range.
func (s *FileSource) SeekTo(frameNumber int) { s.cursor = frameNumber }

func (s *FileSource) GetInfo() Info { return s.info }

func (s *FileSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
