package httpapi

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/videointel/coordinator/internal/config"
	"github.com/videointel/coordinator/internal/gpu"
	"github.com/videointel/coordinator/internal/model"
	"github.com/videointel/coordinator/internal/orchestrator"
	"github.com/videointel/coordinator/internal/queue"
	"github.com/videointel/coordinator/internal/repository"
	"github.com/videointel/coordinator/internal/reporter"
	"github.com/videointel/coordinator/internal/stream"
)

const testJWTSecret = "test-secret"

type fixedDecoder struct {
	info stream.Info
	err  error
}

func (d *fixedDecoder) Probe(string) (stream.Info, error) { return d.info, d.err }
func (d *fixedDecoder) NextFrame(_ string, frameNumber int) ([]byte, error) {
	return []byte{byte(frameNumber)}, nil
}

func newTestServer(t *testing.T) (*Server, repository.Store) {
	t.Helper()

	q := queue.NewMemory()
	t.Cleanup(func() { _ = q.Close() })

	gpus := gpu.NewStaticRegistry([]model.GPUSlot{{ID: 0, Available: true, MemoryFree: 4 << 30}})
	log := logrus.New()
	log.SetOutput(testLogWriter{t})

	o := orchestrator.New(q, gpus, log)
	store := repository.NewMemory()

	sources := func(job *model.Job) (stream.Source, error) {
		return &stream.FileSource{
			Path:    job.SourcePath,
			Decoder: &fixedDecoder{info: stream.Info{TotalFrames: 4, FPS: 2}},
		}, nil
	}

	cfg := config.Default()
	cfg.UploadDir = t.TempDir()
	cfg.HighWatermark = 1000
	cfg.HTTP.JWT.Secret = testJWTSecret

	s := &Server{
		Config:       cfg,
		Orchestrator: o,
		Store:        store,
		Queue:        q,
		Sources:      sources,
		Broadcaster:  reporter.NewBroadcaster(),
		Log:          log,
	}
	return s, store
}

// testLogWriter discards logrus output in tests while still letting
// t.Log capture anything surprising via -v.
type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) { return len(p), nil }

func mintToken(t *testing.T, role Role, subject string) string {
	t.Helper()
	claims := claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return signed
}
