// Package concurrency provides the bounded worker pool behind the
// per-pair scan fan-out.
package concurrency

import (
	"time"

	"spottrader/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig sizes a pool. Zero values fall back to defaults sized for
// the scan cadence.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
}

// WorkerPool runs independent tasks on a bounded pond pool. A panicking
// task is logged and dropped; it never takes down the submitting loop.
type WorkerPool struct {
	pool   *pond.WorkerPool
	logger core.ILogger
}

func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	log := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)
	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			log.Error("Worker panic recovered", "panic", p)
		}),
	)

	return &WorkerPool{pool: pool, logger: log}
}

// Submit queues a task, blocking while the pool is at capacity.
func (wp *WorkerPool) Submit(task func()) error {
	wp.pool.Submit(task)
	return nil
}

// Group returns a task group for fan-out/collect work within one tick.
func (wp *WorkerPool) Group() *pond.TaskGroup {
	return wp.pool.Group()
}

// Stop waits for queued tasks to finish before releasing the workers.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}
