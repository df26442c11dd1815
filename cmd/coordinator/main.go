// Package main provides the CLI entry point for the coordinator
// service.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"

	"github.com/videointel/coordinator/internal/config"
	"github.com/videointel/coordinator/internal/discovery"
	"github.com/videointel/coordinator/internal/emitter"
	"github.com/videointel/coordinator/internal/gpu"
	"github.com/videointel/coordinator/internal/httpapi"
	"github.com/videointel/coordinator/internal/inference"
	"github.com/videointel/coordinator/internal/logging"
	"github.com/videointel/coordinator/internal/metrics"
	"github.com/videointel/coordinator/internal/model"
	"github.com/videointel/coordinator/internal/orchestrator"
	"github.com/videointel/coordinator/internal/queue"
	"github.com/videointel/coordinator/internal/repository"
	"github.com/videointel/coordinator/internal/reporter"
	"github.com/videointel/coordinator/internal/rules"
	"github.com/videointel/coordinator/internal/stream"
	"github.com/videointel/coordinator/internal/util"
)

const (
	appName    = "coordinator"
	appVersion = "0.1.0"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "submit-dir":
		if err := runSubmitDir(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version", "--version", "-v":
		fmt.Printf("%s version %s\n", appName, appVersion)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - video intelligence job orchestrator

Usage:
  %s <command> [options]

Commands:
  serve        Run the HTTP API and dispatcher
  submit-dir   Batch-submit every video file in a directory for ingestion
  version      Print version information
  help         Show this help message

Run '%s serve --help' for server options.
`, appName, appName, appName)
}

// runtime holds every shared dependency (queue, GPU registry,
// repository, orchestrator, dispatcher) that buildRuntime wires from
// cfg for the serve command; submit-dir talks to a running coordinator
// over HTTP and builds none of them.
type runtime struct {
	cfg     *config.Config
	log     *logging.Logger
	q       queue.Backend
	gpus    *gpu.Registry
	store   *repository.Memory
	orch    *orchestrator.Orchestrator
	disp    *orchestrator.Dispatcher
	bcast   *reporter.Broadcaster
	mtr     *metrics.Metrics
	sources orchestrator.SourceFactory
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	log, err := logging.Setup(cfg.Logging, "")
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}

	var q queue.Backend
	if cfg.Queue.Backend == "redis" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q, err = queue.NewRedis(ctx, cfg.Queue.Addr, cfg.Queue.Password, cfg.Queue.DB)
		if err != nil {
			return nil, fmt.Errorf("connect redis queue: %w", err)
		}
	} else {
		q = queue.NewMemory()
	}

	gpus := gpu.NewRegistry()
	store := repository.NewMemory()
	orch := orchestrator.New(q, gpus, log.Logger)
	bcast := reporter.NewBroadcaster()
	mtr := metrics.New(prometheus.DefaultRegisterer)

	sources := func(job *model.Job) (stream.Source, error) {
		switch job.SourceType {
		case model.SourceFile:
			return &stream.FileSource{Path: job.SourcePath, Decoder: &stream.StubDecoder{Probed: stream.Info{FPS: cfg.BaseFPS}}}, nil
		case model.SourceHTTP:
			return &stream.HTTPSource{URL: job.SourcePath, Decoder: &stream.StubDecoder{Probed: stream.Info{FPS: cfg.BaseFPS}}}, nil
		case model.SourceRTSP:
			return &stream.RTSPSource{Addr: strings.TrimPrefix(job.SourcePath, "rtsp://")}, nil
		default:
			return nil, fmt.Errorf("coordinator: unsupported source type %q", job.SourceType)
		}
	}

	engines := func(*model.Job) inference.Engine { return &inference.StubEngine{} }

	ruleProvider := func(ctx context.Context, cameraID string) ([]emitter.ActiveRule, error) {
		raw, err := store.ListActiveRulesByCamera(ctx, cameraID)
		if err != nil {
			return nil, err
		}
		active := make([]emitter.ActiveRule, 0, len(raw))
		for _, r := range raw {
			cond, err := rules.Decode(r.Condition)
			if err != nil {
				log.WithError(err).WithField("rule_id", r.ID).Warn("coordinator: skipping undecodable rule")
				continue
			}
			active = append(active, emitter.ActiveRule{Rule: r, Condition: cond})
		}
		return active, nil
	}

	clipExtractor := emitter.NewFFmpegClipExtractor(cfg.ClipDir)
	em := emitter.New(clipExtractor)
	em.Alerts = store

	disp := orchestrator.NewDispatcher(orch, sources, engines, ruleProvider, em, orchestrator.DispatcherConfig{
		Concurrency:       cfg.DispatcherConcurrency,
		ChunkDurationSec:  cfg.ChunkDurationSeconds,
		WorkDir:           cfg.ChunkDir,
		BaseFPS:           cfg.BaseFPS,
		BurstFPS:          cfg.BurstFPS,
		MaxGPUWaitRetries: cfg.MaxGPUWaitRetries,
		GPUWaitBackoff:    time.Duration(cfg.GPUWaitBackoffSecs * float64(time.Second)),
	})
	disp.Events = store

	return &runtime{cfg: cfg, log: log, q: q, gpus: gpus, store: store, orch: orch, disp: disp, bcast: bcast, mtr: mtr, sources: sources}, nil
}

func (rt *runtime) shutdown() {
	_ = rt.q.Close()
	rt.gpus.Shutdown()
	_ = rt.log.Close()
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "./coordinator.yaml", "Path to YAML config file")
	addr := fs.String("addr", "", "HTTP bind address, overrides config")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	color.New(color.FgCyan, color.Bold).Printf("%s %s\n", appName, appVersion)
	rt.log.Infof("listening on %s, queue=%s", cfg.HTTP.Addr, cfg.Queue.Backend)

	srv := &httpapi.Server{
		Config:       cfg,
		Orchestrator: rt.orch,
		Store:        rt.store,
		Queue:        rt.q,
		Sources:      rt.sources,
		Broadcaster:  rt.bcast,
		Metrics:      rt.mtr,
		Log:          rt.log.Logger,
	}

	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: srv.NewRouter()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		rt.log.Info("shutdown signal received")
		cancel()
	}()

	dispErrCh := make(chan error, 1)
	go func() { dispErrCh <- rt.disp.Run(ctx) }()

	srvErrCh := make(chan error, 1)
	go func() { srvErrCh <- httpSrv.ListenAndServe() }()

	go runTempJanitor(ctx, rt.log, cfg.TempDir)

	select {
	case err := <-dispErrCh:
		cancel()
		_ = httpSrv.Shutdown(context.Background())
		return err
	case err := <-srvErrCh:
		cancel()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		<-dispErrCh
	}
	return nil
}

// runTempJanitor periodically sweeps tempDir for the coordinator's own
// scratch files left behind by util.CreateTempFile/CreateTempFilePath
// callers, stopping when ctx is cancelled.
func runTempJanitor(ctx context.Context, log *logging.Logger, tempDir string) {
	const (
		interval    = time.Hour
		maxAgeHours = 24
		prefix      = "coordinator"
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := util.CleanupStaleTempFiles(tempDir, prefix, maxAgeHours)
			if err != nil {
				log.WithError(err).Warn("coordinator: temp file cleanup failed")
				continue
			}
			if n > 0 {
				log.WithField("removed", n).Info("coordinator: cleaned up stale temp files")
			}
		}
	}
}

// runSubmitDir batch-uploads every video file under --dir to a running
// coordinator's ingestion endpoint, the batch counterpart to the
// single-file upload handleUpload serves interactively.
func runSubmitDir(args []string) error {
	fs := flag.NewFlagSet("submit-dir", flag.ExitOnError)
	dir := fs.String("dir", "", "Directory of video files to submit")
	cameraID := fs.String("camera", "", "Camera id to attribute submitted jobs to")
	apiAddr := fs.String("api", "http://localhost:8080", "Coordinator API base URL")
	token := fs.String("token", "", "Bearer token with supervisor role or higher")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" || *cameraID == "" {
		return fmt.Errorf("submit-dir requires --dir and --camera")
	}

	files, err := discovery.FindVideoFiles(*dir)
	if err != nil {
		return fmt.Errorf("discover video files: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no video files found in %s", *dir)
	}

	color.New(color.FgCyan).Printf("submitting %d files from %s to %s\n", len(files), *dir, *apiAddr)
	bar := progressbar.Default(int64(len(files)), "submitting")
	client := &http.Client{Timeout: 60 * time.Second}

	for _, f := range files {
		if err := uploadFile(client, *apiAddr, *token, *cameraID, f); err != nil {
			return fmt.Errorf("submit %s: %w", f, err)
		}
		_ = bar.Add(1)
	}
	return nil
}

func uploadFile(client *http.Client, apiAddr, token, cameraID, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("camera_id", cameraID); err != nil {
		return err
	}
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(apiAddr, "/")+"/api/v1/ingestion/upload", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload rejected: status %d", resp.StatusCode)
	}
	return nil
}
