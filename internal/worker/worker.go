// Package worker implements one forwarder worker: a non-blocking,
// edge-triggered epoll reactor owning one connpool.Pool, registered
// against a subset of SO_REUSEPORT listener descriptors.
//
// Each connection is identified by a connpool.Index stashed directly in
// unix.EpollEvent.Fd, the same int-id-in-epoll-data idiom common to Go
// epoll wrappers, rather than a raw connection pointer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/guidoreina/tcpforwarder-go/internal/connpool"
	"github.com/guidoreina/tcpforwarder-go/internal/metrics"
	"github.com/guidoreina/tcpforwarder-go/internal/netreactor"
	"github.com/guidoreina/tcpforwarder-go/internal/pool"
	"github.com/guidoreina/tcpforwarder-go/internal/sockaddr"
	"golang.org/x/sys/unix"
)

// readBufPool recycles the fixed-size chunks readAndFanOut drains client
// sockets into, via the sync.Pool wrapper in internal/pool.
func newReadBufPool() *pool.Pool[[]byte] {
	return pool.New(func() []byte { return make([]byte, connpool.ReadChunkBytes) })
}

// pollTimeoutMillis bounds how long EpollWait blocks before returning 0
// events, giving the loop a chance to notice ctx cancellation and to fire
// the idle callback.
const pollTimeoutMillis = 250

// IdleFunc is invoked once per poll timeout with no events, mirroring the
// original design's idle callback (used upstream for periodic
// housekeeping outside the connection lifecycle).
type IdleFunc func(workerIndex int)

// listenerTag marks an epoll event's Fd as belonging to a listener rather
// than a connpool.Index: listener i is tagged -(i+1), every non-negative
// value is a connection index. Indices fit comfortably in an int32 since
// connpool.MaxConnections is 4096.
func listenerTag(i int) int32 { return int32(-(i + 1)) }

func listenerIndex(tag int32) int { return int(-tag - 1) }

// Worker runs one reactor goroutine: its own epoll instance, its own
// connpool.Pool, and the subset of listener descriptors assigned to it.
type Worker struct {
	index     int
	epfd      int
	pool      *connpool.Pool
	listeners *netreactor.Listeners
	upstream  *sockaddr.List
	metrics   *metrics.Metrics
	log       *slog.Logger
	idle      IdleFunc
	readBufs  *pool.Pool[[]byte]
}

// New builds a Worker bound to listeners and configured to fan out every
// accepted client to every address in upstream.
func New(index int, listeners *netreactor.Listeners, upstream *sockaddr.List, m *metrics.Metrics, log *slog.Logger, idle IdleFunc) (*Worker, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("worker %d: epoll_create1: %w", index, err)
	}

	w := &Worker{
		index: index, epfd: epfd, pool: connpool.New(),
		listeners: listeners, upstream: upstream, metrics: m, log: log, idle: idle,
		readBufs: newReadBufPool(),
	}

	for i, fd := range listeners.All() {
		ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: listenerTag(i)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			unix.Close(epfd)
			return nil, fmt.Errorf("worker %d: epoll_ctl add listener %d: %w", index, fd, err)
		}
	}
	return w, nil
}

// Close releases the worker's epoll instance and listener descriptors.
// Call after Run has returned.
func (w *Worker) Close() {
	w.listeners.Close()
	unix.Close(w.epfd)
}

// Run blocks, servicing events until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, connpool.MaxConnections)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := unix.EpollWait(w.epfd, events, pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("worker %d: epoll_wait: %w", w.index, err)
		}

		if n == 0 {
			if w.idle != nil {
				w.idle(w.index)
			}
			w.reportPoolStats()
			continue
		}

		for i := 0; i < n; i++ {
			w.dispatch(events[i])
		}
		w.pool.ReleaseTemporary()
		w.reportPoolStats()
	}
}

func (w *Worker) reportPoolStats() {
	if w.metrics != nil {
		w.metrics.ReportPoolStats(w.index, w.pool.Stats())
	}
}

func (w *Worker) dispatch(ev unix.EpollEvent) {
	if ev.Fd < 0 {
		if ev.Events&unix.EPOLLIN != 0 {
			if fd, ok := w.listeners.FD(listenerIndex(ev.Fd)); ok {
				w.accept(fd)
			}
		}
		return
	}

	idx := connpool.Index(ev.Fd)
	if !w.pool.IsOpen(idx) {
		return
	}
	w.process(idx, ev.Events)
}

// accept drains every pending connection off listener, matching the
// original's accept4-until-EAGAIN loop.
func (w *Worker) accept(listener int) {
	for {
		fd, _, err := unix.Accept4(listener, unix.SOCK_NONBLOCK)
		if err != nil {
			if err != unix.EINTR {
				return
			}
			continue
		}

		idx, ok := w.pool.Pop()
		if !ok {
			unix.Close(fd)
			w.dropped("pool_exhausted")
			continue
		}

		ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET, Fd: int32(idx)}
		if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			w.pool.Push(idx)
			unix.Close(fd)
			w.dropped("epoll_register_failed")
			continue
		}
		w.pool.Init(idx, fd, true)
		w.accepted()

		if !w.connectUpstreamServers(idx) {
			w.pool.RemoveServer(idx, w.epfd)
			w.dropped("no_upstream_available")
		}
	}
}

func (w *Worker) accepted() {
	if w.metrics != nil {
		w.metrics.ClientsAccepted.Inc()
	}
}

func (w *Worker) dropped(reason string) {
	if w.metrics != nil {
		w.metrics.ClientsDropped.WithLabelValues(reason).Inc()
	}
}

// connectUpstreamServers opens one non-blocking connection per configured
// upstream address and links it under client. It returns whether at least
// one connection was established (or is in progress), matching the
// original's all-or-nothing-per-attempt accounting: a client with zero
// working fan-out targets has nothing to forward to.
func (w *Worker) connectUpstreamServers(client connpool.Index) bool {
	n := 0
	for _, addr := range w.upstream.All() {
		if w.connectOne(client, addr) {
			n++
		}
	}
	return n > 0
}

func (w *Worker) connectOne(client connpool.Index, addr sockaddr.Address) bool {
	fd, err := unix.Socket(addr.Family(), unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		w.metricsConnectFailure()
		return false
	}

	connected := false
	for {
		err = unix.Connect(fd, addr.Sockaddr())
		if errors.Is(err, unix.EINTR) {
			continue
		}
		break
	}
	switch {
	case err == nil:
		connected = true
	case errors.Is(err, unix.EINPROGRESS):
		connected = false
	default:
		unix.Close(fd)
		w.metricsConnectFailure()
		return false
	}

	idx, ok := w.pool.Pop()
	if !ok {
		unix.Close(fd)
		w.metricsConnectFailure()
		return false
	}

	ev := unix.EpollEvent{Events: unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET, Fd: int32(idx)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		w.pool.Push(idx)
		unix.Close(fd)
		w.metricsConnectFailure()
		return false
	}

	w.pool.Init(idx, fd, connected)
	w.pool.AddClient(client, idx)
	return true
}

func (w *Worker) metricsConnectFailure() {
	if w.metrics != nil {
		w.metrics.UpstreamConnectFailures.Inc()
	}
}

// process dispatches one record's epoll events, mirroring
// connection::process_events: errors/hangups tear the connection down,
// EPOLLIN drives a client read-and-fan-out, EPOLLOUT drives an upstream
// connect-completion check and buffer drain.
func (w *Worker) process(idx connpool.Index, events uint32) {
	hangup := w.pool.ProcessEvents(idx, events)

	snap, ok := w.pool.Get(idx)
	if !ok {
		return
	}

	if hangup {
		w.teardown(idx, snap.Owner)
		return
	}

	if events&unix.EPOLLIN != 0 {
		w.readAndFanOut(idx)
	} else if events&unix.EPOLLOUT != 0 {
		w.drainOne(idx)
	}

	// The peer half-closed its write side. Let the read/write handling
	// above drain whatever arrived in the same event first, then tear
	// the connection down if it is still open.
	if events&unix.EPOLLRDHUP != 0 && w.pool.IsOpen(idx) {
		w.teardown(idx, snap.Owner)
	}
}

// teardown removes idx according to the ownership rule: a top-level
// client (owner == NoIndex) takes its whole fan-out group with it, an
// upstream child removes just itself (cascading to its owner only if it
// was the owner's last remaining child).
func (w *Worker) teardown(idx, owner connpool.Index) {
	if owner == connpool.NoIndex {
		w.pool.RemoveServer(idx, w.epfd)
		w.dropped("client_hangup")
	} else {
		w.pool.RemoveClient(idx, w.epfd)
		w.dropped("upstream_hangup")
	}
}

// readAndFanOut drains a client's readable socket (edge-triggered: reads
// until EAGAIN or a read shorter than ReadChunkBytes, which means the
// socket is exhausted) and queues every chunk onto each fanned-out upstream
// child, draining children that are currently writable immediately.
func (w *Worker) readAndFanOut(client connpool.Index) {
	buf := w.readBufs.Get()
	defer w.readBufs.Put(buf)

	for {
		res := w.pool.Read(client, buf)
		if res.Err != nil {
			w.pool.RemoveServer(client, w.epfd)
			w.dropped("client_read_error")
			return
		}
		if res.EOF {
			w.pool.RemoveServer(client, w.epfd)
			w.dropped("client_closed")
			return
		}
		if len(res.Data) == 0 {
			return
		}

		n := len(res.Data)
		w.fanOut(client, res.Data)
		if n < connpool.ReadChunkBytes {
			return
		}
	}
}

func (w *Worker) fanOut(client connpool.Index, data []byte) {
	if w.metrics != nil {
		w.metrics.BytesForwarded.Add(float64(len(data)))
	}

	child := w.pool.FirstChild(client)
	for child != connpool.NoIndex {
		next := w.pool.NextSibling(child)

		if !w.pool.QueueWrite(child, data) {
			w.pool.RemoveClient(child, w.epfd)
			w.dropped("upstream_backpressure")
		} else if s, ok := w.pool.Get(child); ok && s.Writable {
			w.drainOne(child)
		}

		if !w.pool.IsOpen(client) {
			// RemoveClient cascaded into tearing the client down: its
			// whole fan-out group is already gone.
			return
		}
		child = next
	}
}

// drainOne handles one EPOLLOUT-driven step for an upstream connection:
// finishing an in-progress connect() if needed, then flushing whatever is
// queued.
func (w *Worker) drainOne(child connpool.Index) {
	snap, ok := w.pool.Get(child)
	if !ok {
		return
	}

	if !snap.Connected {
		if !w.pool.FinishConnect(child) {
			w.pool.RemoveClient(child, w.epfd)
			w.dropped("upstream_connect_failed")
			return
		}
	}

	_, _, err := w.pool.Drain(child)
	if err != nil {
		w.pool.RemoveClient(child, w.epfd)
		w.dropped("upstream_write_error")
	}
}
