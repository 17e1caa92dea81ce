// Package runner executes one simulation inside its job container. It
// fetches the parameter file, runs the simulator, reports progress and
// output back to the jobs service and uploads the results.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"simjobs/internal/job"
	"simjobs/internal/storage"
	"simjobs/pkg/backoff"
	"simjobs/pkg/cloudevent"
)

const (
	ParamsFile = "para.py"
	LogFile    = "simulation.log"
	OutputDir  = "output"

	progressPrefix = "PROGRESS"

	// ExitSetup is returned when the simulator never ran.
	ExitSetup = 1
	// ExitTimeout is returned when the simulator exceeded Config.Timeout.
	ExitTimeout = 124
)

// ObjectStore is the part of storage.S3 the runner needs.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, r io.Reader, contentType string) error
}

// Runner drives one simulation from parameter download to result upload.
type Runner struct {
	cfg    Config
	store  ObjectStore
	sender *cloudevent.Sender
	events *job.EventBuilder
	logger *slog.Logger
}

func New(cfg Config, store ObjectStore) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		cfg:    cfg,
		store:  store,
		sender: cloudevent.NewSender(cfg.CallbackTimeout),
		events: job.NewEventBuilder(cfg.JobID, "simjobs/runner"),
		logger: slog.With("component", "runner", "jobId", cfg.JobID),
	}
}

// Run executes the simulation and returns the process exit code to use.
// A non-nil error describes why the code is non-zero.
func (r *Runner) Run(ctx context.Context) (int, error) {
	r.logger.Info("Runner starting", "command", r.cfg.SimulatorCommand, "workspace", r.cfg.Workspace)

	if err := r.prepare(ctx); err != nil {
		r.logger.Error("Failed to prepare workspace", "error", err)
		r.send(ctx, r.events.Exit(ExitSetup, err))
		return ExitSetup, err
	}
	r.send(ctx, r.events.Start())

	code, runErr := r.simulate(ctx)
	if runErr != nil {
		r.logger.Error("Simulation failed", "exitCode", code, "error", runErr)
	} else {
		r.logger.Info("Simulation finished")
	}

	// Partial output and the log are uploaded after a failure too, and
	// shutdown does not abort the upload.
	uploadCtx := context.WithoutCancel(ctx)
	if err := r.upload(uploadCtx); err != nil {
		r.logger.Error("Failed to upload results", "error", err)
		if code == 0 {
			code, runErr = ExitSetup, err
		}
	}

	r.send(uploadCtx, r.events.Exit(code, runErr))
	return code, runErr
}

func (r *Runner) prepare(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(r.cfg.Workspace, OutputDir), 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if r.cfg.ParamsKey == "" {
		return errors.New("PARAMS_KEY is not set")
	}
	body, err := r.store.Get(ctx, r.cfg.ParamsKey)
	if err != nil {
		return fmt.Errorf("download parameters %s: %w", r.cfg.ParamsKey, err)
	}
	if err := os.WriteFile(filepath.Join(r.cfg.Workspace, ParamsFile), body, 0o644); err != nil {
		return fmt.Errorf("write parameters: %w", err)
	}
	r.logger.Info("Parameters downloaded", "key", r.cfg.ParamsKey, "bytes", len(body))
	return nil
}

type outputLine struct {
	stream string
	text   string
}

// simulate runs the simulator, teeing its output to the log file and
// forwarding it to the callback URL.
func (r *Runner) simulate(ctx context.Context) (int, error) {
	simCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		simCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	logFile, err := os.Create(filepath.Join(r.cfg.Workspace, LogFile))
	if err != nil {
		return ExitSetup, fmt.Errorf("create log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(simCtx, "sh", "-c", r.cfg.SimulatorCommand)
	cmd.Dir = r.cfg.Workspace
	// The simulator may fork workers; signal the whole process group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ExitSetup, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ExitSetup, err
	}
	if err := cmd.Start(); err != nil {
		return ExitSetup, fmt.Errorf("start simulator: %w", err)
	}

	lines := make(chan outputLine, 256)
	var readers sync.WaitGroup
	for stream, rd := range map[string]io.Reader{"stdout": stdout, "stderr": stderr} {
		readers.Add(1)
		go func() {
			defer readers.Done()
			scanner := bufio.NewScanner(rd)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				lines <- outputLine{stream: stream, text: scanner.Text()}
			}
		}()
	}
	go func() {
		readers.Wait()
		close(lines)
	}()

	r.forward(ctx, lines, logFile)
	waitErr := cmd.Wait()

	switch {
	case waitErr == nil:
		return 0, nil
	case errors.Is(simCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return ExitTimeout, fmt.Errorf("simulation exceeded %s", r.cfg.Timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode(), fmt.Errorf("simulator exited with status %d", exitErr.ExitCode())
	}
	return ExitSetup, fmt.Errorf("simulator: %w", waitErr)
}

// forward consumes lines until the channel closes. PROGRESS lines become
// progress events and everything else is batched into log events.
func (r *Runner) forward(ctx context.Context, lines <-chan outputLine, logFile io.Writer) {
	ticker := time.NewTicker(r.cfg.LogFlushInterval)
	defer ticker.Stop()

	batches := map[string][]string{}
	flush := func(stream string) {
		if len(batches[stream]) == 0 {
			return
		}
		level := job.LevelInfo
		if stream == "stderr" {
			level = job.LevelWarning
		}
		r.send(ctx, r.events.Log(level, stream, batches[stream]))
		batches[stream] = nil
	}

	for {
		select {
		case l, ok := <-lines:
			if !ok {
				flush("stdout")
				flush("stderr")
				return
			}
			fmt.Fprintln(logFile, l.text)
			if pct, step, ok := ParseProgress(l.text); ok {
				flush(l.stream)
				r.send(ctx, r.events.Progress(pct, step))
				continue
			}
			batches[l.stream] = append(batches[l.stream], l.text)
			if len(batches[l.stream]) >= r.cfg.LogBatchSize {
				flush(l.stream)
			}
		case <-ticker.C:
			flush("stdout")
			flush("stderr")
		}
	}
}

// ParseProgress recognises "PROGRESS <percent> [step text]". percent must
// be a number in [0, 100].
func ParseProgress(line string) (float64, string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), progressPrefix)
	if !ok || (rest != "" && rest[0] != ' ' && rest[0] != '\t') {
		return 0, "", false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0, "", false
	}
	pct, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], "%"), 64)
	if err != nil || pct < 0 || pct > 100 {
		return 0, "", false
	}
	return pct, strings.Join(fields[1:], " "), true
}

// upload stores every file under the output directory and the simulation
// log. It attempts all files and reports every failure.
func (r *Runner) upload(ctx context.Context) error {
	var result *multierror.Error

	outDir := filepath.Join(r.cfg.Workspace, OutputDir)
	files := 0
	walkErr := filepath.WalkDir(outDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(outDir, path)
		if err != nil {
			return err
		}
		key, err := storage.ObjectKey(r.cfg.OutputPrefix, filepath.ToSlash(rel))
		if err != nil {
			result = multierror.Append(result, err)
			return nil
		}
		if err := r.uploadFile(ctx, path, key); err != nil {
			result = multierror.Append(result, err)
			return nil
		}
		files++
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, fs.ErrNotExist) {
		result = multierror.Append(result, fmt.Errorf("walk output: %w", walkErr))
	}

	logKey := r.cfg.LogKey
	if logKey == "" {
		logKey, _ = storage.ObjectKey(r.cfg.OutputPrefix, LogFile)
	}
	logPath := filepath.Join(r.cfg.Workspace, LogFile)
	if _, err := os.Stat(logPath); err == nil {
		if err := r.uploadFile(ctx, logPath, logKey); err != nil {
			result = multierror.Append(result, err)
		}
	}

	err := result.ErrorOrNil()
	r.logger.Info("Results uploaded", "files", files, "prefix", r.cfg.OutputPrefix, "error", err)
	return err
}

func (r *Runner) uploadFile(ctx context.Context, path, key string) error {
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	err := backoff.Retry(ctx, r.cfg.UploadRetries, &backoff.Config{Initial: 500 * time.Millisecond, Jitter: 0.2}, nil,
		func(ctx context.Context) error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			return r.store.Upload(ctx, key, f, contentType)
		})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// send delivers a callback event. Failures are logged; the simulation
// carries on without the jobs service.
func (r *Runner) send(ctx context.Context, event *cloudevent.CloudEvent) {
	if r.cfg.CallbackURL == "" {
		return
	}
	err := backoff.Retry(ctx, 3, nil, func(err error) bool { return !cloudevent.IsClientError(err) },
		func(ctx context.Context) error {
			return r.sender.Send(ctx, r.cfg.CallbackURL, event, cloudevent.SendOptions{SigningKey: r.cfg.CallbackKey})
		})
	if err != nil {
		r.logger.Warn("Failed to send callback event", "type", event.Type, "error", err)
	}
}
