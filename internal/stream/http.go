package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPSource reads a progressively-downloaded HTTP(S) video. It
// probes with a HEAD request, falling back to a ranged GET when the
// server doesn't support HEAD, then delegates decoding the same way
// FileSource does.
type HTTPSource struct {
	URL     string
	Client  *http.Client
	Decoder Decoder

	info   Info
	cursor int
	closed bool
}

func (s *HTTPSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (s *HTTPSource) Open(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.URL, nil)
	if err != nil {
		return fmt.Errorf("stream: build HEAD request: %w", err)
	}
	resp, err := s.client().Do(req)
	if err != nil || resp.StatusCode >= 400 {
		// Fall back to a ranged GET probe — some servers reject HEAD.
		getReq, gerr := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
		if gerr != nil {
			return fmt.Errorf("stream: build GET probe request: %w", gerr)
		}
		getReq.Header.Set("Range", "bytes=0-0")
		getResp, gerr := s.client().Do(getReq)
		if gerr != nil {
			return fmt.Errorf("stream: probe %s: %w", s.URL, gerr)
		}
		defer func() { _ = getResp.Body.Close() }()
		if getResp.StatusCode >= 400 {
			return fmt.Errorf("stream: probe %s: status %d", s.URL, getResp.StatusCode)
		}
	} else {
		defer func() { _ = resp.Body.Close() }()
	}

	if s.Decoder == nil {
		return fmt.Errorf("stream: no decoder configured for %s", s.URL)
	}
	info, err := s.Decoder.Probe(s.URL)
	if err != nil {
		return fmt.Errorf("stream: decode probe %s: %w", s.URL, err)
	}
	s.info = info
	return nil
}

func (s *HTTPSource) ReadFrame(_ context.Context) (int, []byte, error) {
	if s.closed {
		return 0, nil, ErrClosed
	}
	if s.info.TotalFrames > 0 && s.cursor >= s.info.TotalFrames {
		return 0, nil, ErrEndOfStream
	}
	data, err := s.Decoder.NextFrame(s.URL, s.cursor)
	if err != nil {
		return 0, nil, fmt.Errorf("stream: decode frame %d: %w", s.cursor, err)
	}
	frameNumber := s.cursor
	s.cursor++
	return frameNumber, data, nil
}

func (s *HTTPSource) GetInfo() Info { return s.info }

func (s *HTTPSource) Close() error {
	s.closed = true
	return nil
}
