// Package stream provides the Source abstraction over a job's frame
// origin — a file, an HTTP-served video, or an RTSP camera feed.
package stream

import (
	"context"
	"errors"
	"time"
)

// Info describes a source's static properties, discovered at Open
// time.
type Info struct {
	Width, Height int
	FPS           float64
	TotalFrames   int // 0 for unbounded/live sources
	Duration      time.Duration
}

// ErrClosed is returned by ReadFrame once the source has been closed.
var ErrClosed = errors.New("stream: source closed")

// ErrEndOfStream is returned by ReadFrame when a bounded source has no
// more frames.
var ErrEndOfStream = errors.New("stream: end of stream")

// Source abstracts over where a job's frames come from.
type Source interface {
	// Open establishes the connection/file handle and probes Info.
	Open(ctx context.Context) error
	// ReadFrame returns the next frame's raw bytes and its index.
	ReadFrame(ctx context.Context) (frameNumber int, data []byte, err error)
	// GetInfo returns the source's probed properties. Valid after Open.
	GetInfo() Info
	// Close releases any resources held by the source.
	Close() error
}
