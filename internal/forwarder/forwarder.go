// Package forwarder is the façade over a fixed number of independent
// worker reactors: configure bind addresses and upstream servers once,
// then Start spins up one goroutine per requested worker.
package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/guidoreina/tcpforwarder-go/internal/metrics"
	"github.com/guidoreina/tcpforwarder-go/internal/netreactor"
	"github.com/guidoreina/tcpforwarder-go/internal/sockaddr"
	"github.com/guidoreina/tcpforwarder-go/internal/worker"
)

// MinWorkers and MaxWorkers bound the --number-workers flag.
const (
	MinWorkers = 1
	MaxWorkers = 32
)

// Forwarder owns the bind addresses, the upstream address list, and the
// pool of worker reactors built from them.
type Forwarder struct {
	binds      []sockaddr.Address
	upstream   *sockaddr.List
	numWorkers int
	metrics    *metrics.Metrics
	log        *slog.Logger
	idle       worker.IdleFunc

	mu      sync.Mutex
	workers []*worker.Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates numWorkers and returns an unstarted Forwarder.
func New(numWorkers int, m *metrics.Metrics, log *slog.Logger, idle worker.IdleFunc) (*Forwarder, error) {
	if numWorkers < MinWorkers || numWorkers > MaxWorkers {
		return nil, fmt.Errorf("forwarder: number of workers must be in [%d, %d], got %d", MinWorkers, MaxWorkers, numWorkers)
	}
	return &Forwarder{
		upstream: &sockaddr.List{}, numWorkers: numWorkers,
		metrics: m, log: log, idle: idle,
	}, nil
}

// Bind records a bind address; each worker gets its own SO_REUSEPORT
// listener for it once Start runs.
func (f *Forwarder) Bind(addr sockaddr.Address) {
	f.binds = append(f.binds, addr)
}

// AddUpstream adds an upstream server every accepted client fans out to.
func (f *Forwarder) AddUpstream(addr sockaddr.Address) {
	f.upstream.Append(addr)
}

// Start builds and launches numWorkers workers, one epoll reactor and one
// goroutine each. It refuses to start with no bind addresses or no
// upstream servers: a forwarder with nothing to listen on, or nothing to
// forward to, cannot do its job.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.binds) == 0 {
		return fmt.Errorf("forwarder: no bind addresses configured")
	}
	if f.upstream.Len() == 0 {
		return fmt.Errorf("forwarder: no upstream servers configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	workers := make([]*worker.Worker, 0, f.numWorkers)
	for i := 0; i < f.numWorkers; i++ {
		var listeners netreactor.Listeners
		for _, addr := range f.binds {
			if err := listeners.Listen(addr); err != nil {
				listeners.Close()
				for _, w := range workers {
					w.Close()
				}
				cancel()
				return fmt.Errorf("forwarder: worker %d: %w", i, err)
			}
		}

		w, err := worker.New(i, &listeners, f.upstream, f.metrics, f.log, f.idle)
		if err != nil {
			listeners.Close()
			for _, prev := range workers {
				prev.Close()
			}
			cancel()
			return fmt.Errorf("forwarder: worker %d: %w", i, err)
		}
		workers = append(workers, w)
	}
	f.workers = workers

	for _, w := range workers {
		f.wg.Add(1)
		go func(w *worker.Worker) {
			defer f.wg.Done()
			if err := w.Run(runCtx); err != nil && f.log != nil {
				f.log.Error("worker stopped", "error", err)
			}
		}(w)
	}

	if f.log != nil {
		f.log.Info("forwarder started",
			"workers", f.numWorkers, "binds", len(f.binds), "upstreams", f.upstream.Len())
	}
	return nil
}

// Stop cancels every worker's context and waits for its goroutine to
// return before releasing its epoll instance and listeners.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	workers := f.workers
	f.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	f.wg.Wait()

	for _, w := range workers {
		w.Close()
	}
}

// NumWorkers returns the configured worker count.
func (f *Forwarder) NumWorkers() int {
	return f.numWorkers
}
