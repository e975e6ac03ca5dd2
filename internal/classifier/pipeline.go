package classifier

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/serkansokmen/emojispace/internal/types"
)

// Request asks for a label for one anchor.
type Request struct {
	AnchorID   types.AnchorID
	Generation uint64
	Image      image.Image
	TraceID    string
}

// Completion carries the outcome of a Request back to the submitter.
type Completion struct {
	Request Request
	Result  types.ClassificationResult
}

// Options tunes a Pipeline. Zero values fall back to defaults.
type Options struct {
	Workers       int
	QueueSize     int
	TopK          int
	MinConfidence float64
	Timeout       time.Duration
	Crop          CropPolicy
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = DefaultMinConfidence
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
}

type job struct {
	req        Request
	done       func(Completion)
	enqueuedAt time.Time
}

// Pipeline runs classification requests on a pool of background workers.
// Submit never blocks the caller; completions are delivered on a worker
// goroutine, in whatever order the classifier finishes them.
type Pipeline struct {
	classifier Classifier
	opts       Options
	logger     *slog.Logger

	queue chan job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex // guards closed against sends on queue
	closed  bool
	started bool

	submitted uint64
	processed uint64
	failed    uint64
	dropped   uint64

	latencyMu    sync.Mutex
	samples      uint64
	avgLatencyMS float64
	lastSeen     time.Time
}

// NewPipeline creates a pipeline around c. Call Start before Submit.
func NewPipeline(c Classifier, opts Options, logger *slog.Logger) *Pipeline {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		classifier: c,
		opts:       opts,
		logger:     logger,
		queue:      make(chan job, opts.QueueSize),
	}
}

// Start launches the workers. Requests already queued are picked up.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPipelineClosed
	}
	if p.started {
		return fmt.Errorf("classification pipeline already started")
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}

	p.logger.Info("classification pipeline started",
		"workers", p.opts.Workers,
		"queue_size", p.opts.QueueSize,
		"top_k", p.opts.TopK,
		"min_confidence", p.opts.MinConfidence,
		"timeout", p.opts.Timeout,
	)
	return nil
}

// Submit enqueues req. done is called exactly once with the completion.
// When the queue is full the request is dropped and done is called
// immediately, on the caller's goroutine, with an empty result.
func (p *Pipeline) Submit(req Request, done func(Completion)) error {
	if !p.enqueue(job{req: req, done: done, enqueuedAt: time.Now()}) {
		return ErrPipelineClosed
	}
	return nil
}

func (p *Pipeline) enqueue(j job) bool {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return false
	}

	select {
	case p.queue <- j:
		p.mu.RUnlock()
		atomic.AddUint64(&p.submitted, 1)
		return true
	default:
	}
	p.mu.RUnlock()

	atomic.AddUint64(&p.dropped, 1)
	p.logger.Warn("classification request dropped",
		"anchor_id", j.req.AnchorID,
		"trace_id", j.req.TraceID,
		"queue_size", p.opts.QueueSize,
	)
	j.done(Completion{Request: j.req, Result: types.ClassificationResult{Err: ErrQueueFull}})
	return true
}

func (p *Pipeline) run(workerID int) {
	defer p.wg.Done()

	for j := range p.queue {
		p.process(workerID, j)
	}
}

func (p *Pipeline) process(workerID int, j job) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.Timeout)
	defer cancel()

	start := time.Now()
	obs, err := p.classifier.Classify(ctx, j.req.Image, p.opts.Crop)
	latency := time.Since(start)

	result := types.ClassificationResult{Latency: latency}
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		result.Err = err
		p.logger.Error("classification failed",
			"worker", workerID,
			"anchor_id", j.req.AnchorID,
			"trace_id", j.req.TraceID,
			"error", err,
		)
	} else {
		result.Observations = obs
		result.Label, result.Confidence = Summarize(obs, p.opts.TopK, p.opts.MinConfidence)
		p.logger.Debug("classification complete",
			"worker", workerID,
			"anchor_id", j.req.AnchorID,
			"label", result.Label,
			"confidence", result.Confidence,
			"latency_ms", latency.Milliseconds(),
			"queued_ms", start.Sub(j.enqueuedAt).Milliseconds(),
		)
	}

	p.recordLatency(latency)
	atomic.AddUint64(&p.processed, 1)

	j.done(Completion{Request: j.req, Result: result})
}

func (p *Pipeline) recordLatency(d time.Duration) {
	p.latencyMu.Lock()
	defer p.latencyMu.Unlock()

	ms := float64(d.Microseconds()) / 1000
	p.samples++
	p.avgLatencyMS += (ms - p.avgLatencyMS) / float64(p.samples)
	p.lastSeen = time.Now()
}

// Metrics returns pipeline counters.
func (p *Pipeline) Metrics() types.WorkerMetrics {
	p.latencyMu.Lock()
	avg := p.avgLatencyMS
	lastSeen := p.lastSeen
	p.latencyMu.Unlock()

	return types.WorkerMetrics{
		RequestsProcessed: atomic.LoadUint64(&p.processed),
		RequestsFailed:    atomic.LoadUint64(&p.failed),
		RequestsDropped:   atomic.LoadUint64(&p.dropped),
		AvgLatencyMS:      avg,
		LastSeenAt:        lastSeen,
	}
}

// Pending returns the number of queued requests.
func (p *Pipeline) Pending() int {
	return len(p.queue)
}

// Close stops accepting requests, lets the workers finish what is
// queued and waits for them. If ctx expires first the in-flight
// classifications are cancelled. Every queued request still completes,
// with an error result if the pipeline was never started.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	close(p.queue)
	p.mu.Unlock()

	if !started {
		for j := range p.queue {
			j.done(Completion{Request: j.req, Result: types.ClassificationResult{Err: ErrPipelineClosed}})
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
	}
	p.cancel()

	m := p.Metrics()
	p.logger.Info("classification pipeline stopped",
		"submitted", atomic.LoadUint64(&p.submitted),
		"processed", m.RequestsProcessed,
		"failed", m.RequestsFailed,
		"dropped", m.RequestsDropped,
		"avg_latency_ms", m.AvgLatencyMS,
	)
	return nil
}
