package stream

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDecoder struct {
	info Info
}

func (d *fakeDecoder) Probe(string) (Info, error) { return d.info, nil }
func (d *fakeDecoder) NextFrame(_ string, frameNumber int) ([]byte, error) {
	return []byte{byte(frameNumber)}, nil
}

func TestFileSourceRejectsUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	src := &FileSource{Path: path, Decoder: &fakeDecoder{}}
	err := src.Open(context.Background())
	assert.Error(t, err)
}

func TestFileSourceReadsFramesInSequence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o644))

	src := &FileSource{Path: path, Decoder: &fakeDecoder{info: Info{TotalFrames: 2, FPS: 30}}}
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()

	n0, _, err := src.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n0)

	n1, _, err := src.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n1)

	_, _, err = src.ReadFrame(context.Background())
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestFileSourceSeekRepositionsCursor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o644))

	src := &FileSource{Path: path, Decoder: &fakeDecoder{info: Info{TotalFrames: 10}}}
	require.NoError(t, src.Open(context.Background()))
	src.SeekTo(5)

	n, _, err := src.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestFileSourceReadAfterCloseErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o644))

	src := &FileSource{Path: path, Decoder: &fakeDecoder{}}
	require.NoError(t, src.Open(context.Background()))
	require.NoError(t, src.Close())

	_, _, err := src.ReadFrame(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHTTPSourceProbesViaHead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	src := &HTTPSource{URL: server.URL, Decoder: &fakeDecoder{info: Info{TotalFrames: 1}}}
	require.NoError(t, src.Open(context.Background()))
}

func TestHTTPSourceFallsBackToRangedGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer server.Close()

	src := &HTTPSource{URL: server.URL, Decoder: &fakeDecoder{}}
	require.NoError(t, src.Open(context.Background()))
}

func TestRTSPSourceDialsAndProbes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("probe-bytes"))
		time.Sleep(50 * time.Millisecond)
	}()

	src := &RTSPSource{Addr: ln.Addr().String(), DialTimeout: time.Second}
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()
	assert.Equal(t, 0, src.GetInfo().TotalFrames)
}

func TestRTSPSourceDialFailureReturnsError(t *testing.T) {
	src := &RTSPSource{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond}
	err := src.Open(context.Background())
	assert.Error(t, err)
}
