// Package worker provides classifier backends for the classification
// pipeline: a long-running model subprocess spoken to over msgpack, and
// a built-in color classifier that needs no model.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/serkansokmen/emojispace/internal/classifier"
	"github.com/serkansokmen/emojispace/internal/types"
)

const (
	writeTimeout = 2 * time.Second
	stopTimeout  = 2 * time.Second
	jpegQuality  = 90
)

var (
	ErrNotActive     = errors.New("worker: classifier process not active")
	ErrProcessExited = errors.New("worker: classifier process exited")
)

// PythonConfig configures the model subprocess.
type PythonConfig struct {
	WorkerID   string
	Command    string
	Args       []string
	ModelPath  string
	InputSize  int
	TopK       int
	InstanceID string
}

// classifyRequest is written to the process stdin, one per frame.
type classifyRequest struct {
	ID        uint64 `msgpack:"id"`
	ImageData []byte `msgpack:"image_data"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Crop      string `msgpack:"crop"`
	InputSize int    `msgpack:"input_size"`
	TopK      int    `msgpack:"top_k"`
	Meta      struct {
		InstanceID string `msgpack:"instance_id"`
		TraceID    string `msgpack:"trace_id,omitempty"`
		Timestamp  string `msgpack:"timestamp"`
	} `msgpack:"meta"`
}

// classifyResponse is read from the process stdout.
type classifyResponse struct {
	ID           uint64              `msgpack:"id"`
	Observations []types.Observation `msgpack:"observations"`
	Error        string              `msgpack:"error,omitempty"`
	Timing       struct {
		TotalMS     float64 `msgpack:"total_ms"`
		InferenceMS float64 `msgpack:"inference_ms"`
	} `msgpack:"timing"`
}

// process is one spawned model process and the streams wired to it. A
// restart replaces the whole value, so a request keeps talking to the
// process it was sent to.
type process struct {
	ctx    context.Context
	cancel context.CancelFunc
	cmd    *exec.Cmd // nil for streams attached without a process
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan classifyResponse

	active atomic.Bool
	exited chan struct{}
	wg     sync.WaitGroup
}

func (p *process) register(id uint64) chan classifyResponse {
	reply := make(chan classifyResponse, 1)
	p.pendingMu.Lock()
	p.pending[id] = reply
	p.pendingMu.Unlock()
	return reply
}

func (p *process) forget(id uint64) {
	p.pendingMu.Lock()
	delete(p.pending, id)
	p.pendingMu.Unlock()
}

func (p *process) waiter(id uint64) (chan classifyResponse, bool) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	reply, ok := p.pending[id]
	return reply, ok
}

// PythonClassifier runs image classification in a model subprocess.
//
// Frames travel to the process stdin as msgpack messages behind a 4-byte
// big-endian length prefix; results come back on stdout the same way and
// are matched to their request by id, so several requests may be in
// flight at once. Process stderr is forwarded to the logger.
type PythonClassifier struct {
	cfg    PythonConfig
	logger *slog.Logger

	// lifecycleMu serializes Start and Stop; mu guards proc
	lifecycleMu sync.Mutex
	mu          sync.RWMutex
	proc        *process

	nextID uint64

	requests       uint64
	responses      uint64
	failures       uint64
	totalLatencyMS uint64
	lastSeenAt     atomic.Value // time.Time
}

// NewPythonClassifier validates cfg. The process starts with Start.
func NewPythonClassifier(cfg PythonConfig, logger *slog.Logger) (*PythonClassifier, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model_path is required")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "classifier"
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 224
	}
	if cfg.TopK <= 0 {
		cfg.TopK = classifier.DefaultTopK
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("python classifier created",
		"worker_id", cfg.WorkerID,
		"command", cfg.Command,
		"model", cfg.ModelPath,
		"input_size", cfg.InputSize,
	)

	return &PythonClassifier{cfg: cfg, logger: logger}, nil
}

// ID returns the worker id.
func (w *PythonClassifier) ID() string {
	return w.cfg.WorkerID
}

// Active reports whether the model process is running.
func (w *PythonClassifier) Active() bool {
	p := w.current()
	return p != nil && p.active.Load()
}

func (w *PythonClassifier) current() *process {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.proc
}

// Start spawns the model process. A previous process that has exited is
// replaced.
func (w *PythonClassifier) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if old := w.current(); old != nil {
		if old.active.Load() {
			return fmt.Errorf("worker already started")
		}
		w.shutdown(old)
	}

	p := &process{}
	p.ctx, p.cancel = context.WithCancel(ctx)

	args := append([]string{
		"--model", w.cfg.ModelPath,
		"--input-size", fmt.Sprint(w.cfg.InputSize),
		"--top-k", fmt.Sprint(w.cfg.TopK),
	}, w.cfg.Args...)
	p.cmd = exec.CommandContext(p.ctx, w.cfg.Command, args...)

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		p.cancel()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		p.cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		p.cancel()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		p.cancel()
		return fmt.Errorf("failed to start classifier process: %w", err)
	}

	w.logger.Info("classifier process spawned",
		"worker_id", w.cfg.WorkerID,
		"pid", p.cmd.Process.Pid,
	)

	p.stdin, p.stdout, p.stderr = stdin, stdout, stderr
	w.run(p)

	p.wg.Add(1)
	go w.waitProcess(p)

	return nil
}

// attach wires already open streams as the model process.
func (w *PythonClassifier) attach(stdin io.WriteCloser, stdout, stderr io.Reader) {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	p := &process{stdin: stdin, stdout: stdout, stderr: stderr}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	w.run(p)
}

// run starts the reader goroutines and publishes p as the current
// process. Callers hold lifecycleMu.
func (w *PythonClassifier) run(p *process) {
	p.pending = make(map[uint64]chan classifyResponse)
	p.exited = make(chan struct{})
	p.active.Store(true)
	w.lastSeenAt.Store(time.Now())

	p.wg.Add(1)
	go w.readResults(p)

	if p.stderr != nil {
		p.wg.Add(1)
		go w.logStderr(p)
	}

	w.mu.Lock()
	w.proc = p
	w.mu.Unlock()
}

// Classify sends img to the model process and waits for its ranked
// observations.
func (w *PythonClassifier) Classify(ctx context.Context, img image.Image, crop classifier.CropPolicy) ([]types.Observation, error) {
	p := w.current()
	if p == nil || !p.active.Load() {
		return nil, ErrNotActive
	}

	if crop == classifier.CropCenter {
		img = classifier.CenterCrop(img)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	req := classifyRequest{
		ID:        atomic.AddUint64(&w.nextID, 1),
		ImageData: buf.Bytes(),
		Width:     img.Bounds().Dx(),
		Height:    img.Bounds().Dy(),
		Crop:      crop.String(),
		InputSize: w.cfg.InputSize,
		TopK:      w.cfg.TopK,
	}
	req.Meta.InstanceID = w.cfg.InstanceID
	req.Meta.Timestamp = time.Now().Format(time.RFC3339Nano)

	reply := p.register(req.ID)
	defer p.forget(req.ID)

	atomic.AddUint64(&w.requests, 1)
	if err := w.send(p, req); err != nil {
		atomic.AddUint64(&w.failures, 1)
		return nil, err
	}

	select {
	case resp := <-reply:
		if resp.Error != "" {
			atomic.AddUint64(&w.failures, 1)
			return nil, fmt.Errorf("classifier process: %s", resp.Error)
		}
		return resp.Observations, nil
	case <-ctx.Done():
		atomic.AddUint64(&w.failures, 1)
		return nil, ctx.Err()
	case <-p.exited:
		atomic.AddUint64(&w.failures, 1)
		return nil, ErrProcessExited
	}
}

// send writes one length-prefixed msgpack request with a timeout.
func (w *PythonClassifier) send(p *process, req classifyRequest) error {
	payload, err := msgpack.Marshal(&req)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack request: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()

		prefix := make([]byte, 4)
		binary.BigEndian.PutUint32(prefix, uint32(len(payload)))
		if _, err := p.stdin.Write(prefix); err != nil {
			writeErr <- fmt.Errorf("failed to write length prefix: %w", err)
			return
		}
		if _, err := p.stdin.Write(payload); err != nil {
			writeErr <- fmt.Errorf("failed to write msgpack data: %w", err)
			return
		}
		writeErr <- nil
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			return fmt.Errorf("failed to write to stdin: %w", err)
		}
		return nil
	case <-time.After(writeTimeout):
		return fmt.Errorf("stdin write timeout (classifier process may be hung)")
	case <-p.ctx.Done():
		return fmt.Errorf("worker context cancelled during write")
	}
}

// readResults decodes responses and hands each to the request waiting
// for it.
func (w *PythonClassifier) readResults(p *process) {
	defer p.wg.Done()
	defer close(p.exited)
	defer p.active.Store(false)

	lengthBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(p.stdout, lengthBuf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				w.logger.Debug("classifier stdout closed", "worker_id", w.cfg.WorkerID)
			} else {
				w.logger.Error("failed to read length prefix from classifier",
					"worker_id", w.cfg.WorkerID,
					"error", err,
				)
			}
			return
		}

		data := make([]byte, binary.BigEndian.Uint32(lengthBuf))
		if _, err := io.ReadFull(p.stdout, data); err != nil {
			w.logger.Error("failed to read msgpack data from classifier",
				"worker_id", w.cfg.WorkerID,
				"error", err,
				"expected_length", len(data),
			)
			return
		}

		var resp classifyResponse
		if err := msgpack.Unmarshal(data, &resp); err != nil {
			w.logger.Error("failed to unmarshal classifier response",
				"worker_id", w.cfg.WorkerID,
				"error", err,
				"data_length", len(data),
			)
			continue
		}

		atomic.AddUint64(&w.responses, 1)
		atomic.AddUint64(&w.totalLatencyMS, uint64(resp.Timing.TotalMS))
		w.lastSeenAt.Store(time.Now())

		reply, ok := p.waiter(resp.ID)
		if !ok {
			// The caller gave up (timeout or cancellation) before the answer came
			w.logger.Debug("late classifier response discarded", "worker_id", w.cfg.WorkerID, "request_id", resp.ID)
			continue
		}
		reply <- resp
	}
}

// logStderr maps process log lines onto slog levels.
func (w *PythonClassifier) logStderr(p *process) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			w.logger.Error("classifier process error", "worker_id", w.cfg.WorkerID, "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			w.logger.Warn("classifier process warning", "worker_id", w.cfg.WorkerID, "log", line)
		default:
			w.logger.Debug("classifier process log", "worker_id", w.cfg.WorkerID, "log", line)
		}
	}
	if err := scanner.Err(); err != nil {
		w.logger.Error("error reading stderr", "worker_id", w.cfg.WorkerID, "error", err)
	}
}

// waitProcess reaps the process.
func (w *PythonClassifier) waitProcess(p *process) {
	defer p.wg.Done()

	err := p.cmd.Wait()
	pid := p.cmd.Process.Pid
	p.active.Store(false)

	switch {
	case err == nil:
		w.logger.Info("classifier process exited cleanly", "worker_id", w.cfg.WorkerID, "pid", pid)
	case p.ctx.Err() != nil:
		w.logger.Debug("classifier process exited (shutdown)", "worker_id", w.cfg.WorkerID, "pid", pid)
	default:
		w.logger.Error("classifier process exited unexpectedly",
			"worker_id", w.cfg.WorkerID,
			"pid", pid,
			"error", err,
		)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Metrics returns request counters for the model process.
func (w *PythonClassifier) Metrics() types.WorkerMetrics {
	responses := atomic.LoadUint64(&w.responses)
	var avg float64
	if responses > 0 {
		avg = float64(atomic.LoadUint64(&w.totalLatencyMS)) / float64(responses)
	}
	var lastSeen time.Time
	if v := w.lastSeenAt.Load(); v != nil {
		lastSeen = v.(time.Time)
	}
	return types.WorkerMetrics{
		RequestsProcessed: responses,
		RequestsFailed:    atomic.LoadUint64(&w.failures),
		AvgLatencyMS:      avg,
		LastSeenAt:        lastSeen,
	}
}

// Stop closes the process stdin and waits for it to exit, killing it
// if it does not within two seconds.
func (w *PythonClassifier) Stop() error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	p := w.current()
	if p == nil {
		return nil
	}

	w.logger.Info("stopping python classifier", "worker_id", w.cfg.WorkerID)
	w.shutdown(p)

	w.mu.Lock()
	w.proc = nil
	w.mu.Unlock()

	w.logger.Info("python classifier stopped",
		"worker_id", w.cfg.WorkerID,
		"requests", atomic.LoadUint64(&w.requests),
		"responses", atomic.LoadUint64(&w.responses),
	)
	return nil
}

// shutdown ends p and waits for its goroutines. Requests still waiting
// on p see it exit.
func (w *PythonClassifier) shutdown(p *process) {
	p.active.Store(false)
	if p.stdin != nil {
		p.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		w.logger.Warn("classifier stop timeout, force killing process", "worker_id", w.cfg.WorkerID)
		if p.cmd != nil && p.cmd.Process != nil {
			if err := p.cmd.Process.Kill(); err != nil {
				w.logger.Error("failed to kill classifier process", "worker_id", w.cfg.WorkerID, "error", err)
			}
		}
		// attached streams have no process to kill
		p.cancel()
		<-done
	}
	p.cancel()
}
