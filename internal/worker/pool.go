package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dontdude/goclip/internal/domain"
)

// Pool runs a fixed number of independent Loops against the same queue.
// The store's atomic pop hands each job to exactly one of them.
type Pool struct {
	// workerCount determines how many jobs run concurrently in this process.
	workerCount int
	prefix      string
	consumer    domain.JobConsumer
	events      domain.EventBus
	dispatcher  *Dispatcher
	stager      domain.Stager

	cancel context.CancelFunc
	// wg tracks active loops to ensure graceful shutdown.
	wg sync.WaitGroup
}

// NewPool prepares concurrency loops named <prefix>-<n>.
func NewPool(concurrency int, prefix string, consumer domain.JobConsumer, events domain.EventBus, dispatcher *Dispatcher, stager domain.Stager) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		workerCount: concurrency,
		prefix:      prefix,
		consumer:    consumer,
		events:      events,
		dispatcher:  dispatcher,
		stager:      stager,
	}
}

// Start spawns the loops and returns immediately. They stop when ctx is
// cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	slog.Info("Starting worker pool", "concurrency", p.workerCount)

	ctx, p.cancel = context.WithCancel(ctx)
	for i := range p.workerCount {
		loop := NewLoop(fmt.Sprintf("%s-%d", p.prefix, i), p.consumer, p.events, p.dispatcher, p.stager)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			loop.Run(ctx)
		}()
	}
}

// Stop cancels the loops and blocks until each has finished its current job.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool, waiting for jobs to drain...")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}
