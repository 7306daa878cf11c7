// Package audit runs verification jobs on a bounded worker pool and turns
// verifier results into events for the subscriber hub.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trustagent/audit-gateway/internal/hub"
	"github.com/trustagent/audit-gateway/internal/logger"
	"github.com/trustagent/audit-gateway/internal/metrics"
	"github.com/trustagent/audit-gateway/internal/verifier"
)

// hallucinationThreshold flags responses whose overall support score falls
// below it.
const hallucinationThreshold = 0.8

// Verifier is the dispatcher's view of the verification backend.
type Verifier interface {
	Evaluate(ctx context.Context, requestID, query, response string) (*verifier.Result, error)
}

// Publisher receives composed events for fan-out to live subscribers.
type Publisher interface {
	Broadcast(event hub.Event)
	BroadcastSerialized(data []byte)
}

// Bridge mirrors serialized events to other gateway instances.
type Bridge interface {
	Publish(data []byte) error
}

// Dispatcher drains the job queue with a fixed worker pool. Submission is
// non-blocking: a full queue drops the job rather than stall the request
// path that produced it.
type Dispatcher struct {
	verifier  Verifier
	publisher Publisher
	bridge    Bridge

	jobs        chan Job
	workerCount int
	provider    string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu serializes Submit against Stop so a late submission can never hit
	// a closed queue.
	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	dropped   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	logger *logger.Logger
}

// NewDispatcher starts workerCount workers draining a queue of queueSize
// jobs. A nil verifier disables verification (jobs are discarded on
// arrival); a nil bridge disables cross-instance mirroring.
func NewDispatcher(v Verifier, pub Publisher, bridge Bridge, provider string, workerCount, queueSize int, log *logger.Logger) *Dispatcher {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		verifier:    v,
		publisher:   pub,
		bridge:      bridge,
		jobs:        make(chan Job, queueSize),
		workerCount: workerCount,
		provider:    provider,
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.WithComponent("dispatcher"),
	}

	for i := 0; i < workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.logger.Info("dispatcher started",
		slog.Int("workers", workerCount),
		slog.Int("queue_size", queueSize))

	return d
}

// Submit enqueues a job without blocking. It reports whether the job was
// accepted; a full queue or a stopped dispatcher drops it.
func (d *Dispatcher) Submit(job Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("dispatcher stopped, dropping job",
			slog.String("request_id", job.RequestID))
		return false
	}

	select {
	case d.jobs <- job:
		d.submitted.Add(1)
		metrics.JobsSubmitted.Inc()
		return true
	default:
		dropped := d.dropped.Add(1)
		metrics.JobsDropped.Inc()
		d.logger.Warn("audit queue full, dropping job",
			slog.String("request_id", job.RequestID),
			slog.Int64("dropped_total", dropped))
		return false
	}
}

// Stop cancels in-flight verifier calls, closes the queue, and waits for
// every worker to finish its current job.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped",
		slog.Int64("completed", d.completed.Load()),
		slog.Int64("failed", d.failed.Load()),
		slog.Int64("dropped", d.dropped.Load()))
}

// Stats reports queue and counter state for the health endpoint.
func (d *Dispatcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"queued_jobs":    len(d.jobs),
		"queue_capacity": cap(d.jobs),
		"worker_count":   d.workerCount,
		"submitted":      d.submitted.Load(),
		"dropped":        d.dropped.Load(),
		"completed":      d.completed.Load(),
		"failed":         d.failed.Load(),
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	d.logger.Debug("worker started", slog.Int("worker_id", id))
	for job := range d.jobs {
		d.process(job)
	}
}

func (d *Dispatcher) process(job Job) {
	if d.verifier == nil {
		return
	}

	start := time.Now()
	result, err := d.verifier.Evaluate(d.ctx, job.RequestID, job.Prompt, job.Response)
	metrics.VerifierLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		d.failed.Add(1)
		metrics.JobsFailed.Inc()
		d.logger.Warn("verification failed",
			slog.String("request_id", job.RequestID),
			slog.String("error", err.Error()))
		d.publisher.Broadcast(hub.NewAuditErrorEvent(job.RequestID, err.Error()))
		return
	}

	data, err := json.Marshal(d.buildResultEvent(job, result, time.Since(start)))
	if err != nil {
		d.failed.Add(1)
		metrics.JobsFailed.Inc()
		d.logger.Error("failed to marshal audit result",
			slog.String("request_id", job.RequestID),
			slog.String("error", err.Error()))
		return
	}

	d.publisher.BroadcastSerialized(data)

	if d.bridge != nil {
		if err := d.bridge.Publish(data); err != nil {
			d.logger.Warn("failed to mirror event",
				slog.String("request_id", job.RequestID),
				slog.String("error", err.Error()))
		}
	}

	d.completed.Add(1)
	metrics.JobsCompleted.Inc()
	d.logger.Debug("audit completed",
		slog.String("request_id", job.RequestID),
		slog.String("audit_id", result.AuditID),
		slog.Float64("score", result.FaithfulnessScore),
		slog.Duration("took", time.Since(start)))
}

func (d *Dispatcher) buildResultEvent(job Job, result *verifier.Result, took time.Duration) hub.Event {
	claims := make([]hub.ClaimVerdict, 0, len(result.Claims))
	for _, c := range result.Claims {
		claims = append(claims, hub.ClaimVerdict{
			Claim:      c.Text,
			Status:     mapClaimStatus(c.Verdict),
			Confidence: c.Confidence,
			Evidence:   []string{},
		})
	}

	return hub.NewAuditResultEvent(hub.AuditResultData{
		AuditID:               result.AuditID,
		RequestID:             job.RequestID,
		UserQuery:             job.Prompt,
		LLMResponse:           job.Response,
		FaithfulnessScore:     result.FaithfulnessScore,
		RelevancyScore:        result.FaithfulnessScore,
		OverallScore:          result.FaithfulnessScore,
		HallucinationDetected: result.FaithfulnessScore < hallucinationThreshold,
		Claims:                claims,
		ReasoningTrace:        result.ReasoningTrace,
		ProcessingTimeMS:      took.Milliseconds(),
		Timestamp:             time.Now().Format(time.RFC3339),
		Provider:              d.provider,
		Model:                 job.Model,
	})
}
