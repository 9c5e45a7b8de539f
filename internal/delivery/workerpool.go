package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rishavghosh108/mrx-mta/internal/model"
	"github.com/rishavghosh108/mrx-mta/internal/queue"
)

// WorkerPoolConfig holds the pool's sizing knobs.
type WorkerPoolConfig struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
}

// DefaultWorkerPoolConfig supplies the specification's suggested defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{Workers: 4, PollInterval: 10 * time.Second, BatchSize: 10}
}

// WorkerPool starts Workers concurrent goroutines, each polling
// QueueService.GetReadyForDelivery and handing every message to
// DeliveryService.Deliver, feeding the classified outcomes back through
// QueueService.UpdateDeliveryStatus. A panic inside a single message's
// delivery never takes down the worker: it is recovered and turned into a
// 451 "Worker error" outcome on every recipient still pending, per the
// specification's local-unexpected error kind.
type WorkerPool struct {
	queueSvc    *queue.Service
	deliverySvc *Service
	cfg         WorkerPoolConfig
	logger      *slog.Logger

	wg   sync.WaitGroup
	stop chan struct{}
}

// NewWorkerPool constructs a WorkerPool over the given services.
func NewWorkerPool(queueSvc *queue.Service, deliverySvc *Service, cfg WorkerPoolConfig, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{queueSvc: queueSvc, deliverySvc: deliverySvc, cfg: cfg, logger: logger, stop: make(chan struct{})}
}

// Run starts all workers and blocks until ctx is canceled, then waits for
// in-flight work to finish (cooperative stop).
func (p *WorkerPool) Run(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		go p.runWorker(ctx, workerID)
	}
	<-ctx.Done()
	close(p.stop)
	p.wg.Wait()
}

func (p *WorkerPool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()
	logger := p.logger.With("worker_id", workerID)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		batch, err := p.queueSvc.GetReadyForDelivery(ctx, p.cfg.BatchSize, workerID)
		if err != nil {
			logger.Error("poll failed", "error", err)
			p.waitOrStop(ctx, ticker)
			continue
		}
		if len(batch) == 0 {
			p.waitOrStop(ctx, ticker)
			continue
		}

		for _, msg := range batch {
			p.deliverOne(ctx, logger, msg)
		}
	}
}

func (p *WorkerPool) deliverOne(ctx context.Context, logger *slog.Logger, msg *model.QueuedMessage) {
	outcomes, workerErr := p.runDeliveryRecovered(ctx, msg)
	if workerErr != nil {
		logger.Error("delivery worker error", "queue_id", msg.QueueID, "error", workerErr)
		outcomes = nil
		for _, r := range msg.PendingRecipients() {
			outcomes = append(outcomes, queue.RecipientOutcome{Recipient: r, Code: 451, Message: "Worker error: " + workerErr.Error()})
		}
	}
	if len(outcomes) == 0 {
		return
	}
	if err := p.queueSvc.UpdateDeliveryStatus(ctx, msg.QueueID, outcomes); err != nil {
		logger.Error("failed to record delivery outcome", "queue_id", msg.QueueID, "error", err)
	}
}

func (p *WorkerPool) runDeliveryRecovered(ctx context.Context, msg *model.QueuedMessage) (outcomes []queue.RecipientOutcome, workerErr error) {
	defer func() {
		if r := recover(); r != nil {
			workerErr = fmt.Errorf("panic: %v", r)
		}
	}()
	outcomes = p.deliverySvc.Deliver(ctx, msg)
	return outcomes, nil
}

func (p *WorkerPool) waitOrStop(ctx context.Context, ticker *time.Ticker) {
	select {
	case <-ctx.Done():
	case <-p.stop:
	case <-ticker.C:
	}
}
