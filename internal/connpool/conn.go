package connpool

import (
	"golang.org/x/sys/unix"
)

// Snapshot is a read-only view of a record's externally relevant state,
// returned by Get so callers outside the package never hold a *record.
type Snapshot struct {
	FD        int
	Readable  bool
	Writable  bool
	Connected bool
	Pending   int
	Owner     Index
}

// Get returns a snapshot of the record at i.
func (p *Pool) Get(i Index) (Snapshot, bool) {
	if i == NoIndex || int(i) >= len(p.records) {
		return Snapshot{}, false
	}
	r := &p.records[i]
	return Snapshot{
		FD: r.fd, Readable: r.readable, Writable: r.writable,
		Connected: r.connected, Pending: r.pending.Len(), Owner: r.owner,
	}, true
}

// FirstChild returns owner's first fanned-out upstream connection, or
// NoIndex if it has none.
func (p *Pool) FirstChild(owner Index) Index {
	return p.records[owner].firstChild
}

// NextSibling returns the next upstream connection in i's owner's
// fan-out chain after i, or NoIndex if i is the last.
func (p *Pool) NextSibling(i Index) Index {
	return p.records[i].siblNext
}

// FinishConnect checks a not-yet-connected upstream socket's pending
// connect(2) result via SO_ERROR and marks it connected on success.
func (p *Pool) FinishConnect(i Index) bool {
	r := &p.records[i]
	errno, err := unix.GetsockoptInt(r.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		return false
	}
	r.connected = true
	return true
}

// IsOpen reports whether the record at i currently owns a live descriptor.
func (p *Pool) IsOpen(i Index) bool {
	return i != NoIndex && int(i) < len(p.records) && p.records[i].fd != -1
}

// Init binds a record to an accepted or connected file descriptor. connected
// marks an upstream socket that completed connect(2) synchronously (rare)
// versus one still completing asynchronously, for which Init is called
// with connected == false and the first writable event finishes the job.
func (p *Pool) Init(i Index, fd int, connected bool) {
	r := &p.records[i]
	r.fd = fd
	r.connected = connected
	r.readable = false
	r.writable = connected
}

// AddClient links child at the head of owner's fanned-out upstream
// connections, so the newest child is fanned out to first.
func (p *Pool) AddClient(owner, child Index) {
	o := &p.records[owner]
	c := &p.records[child]
	c.owner = owner
	c.siblPrev = NoIndex
	c.siblNext = o.firstChild
	if o.firstChild != NoIndex {
		p.records[o.firstChild].siblPrev = child
	} else {
		o.lastChild = child
	}
	o.firstChild = child
}

// Close releases i's descriptor, if any, deregistering it from epoll first
// so a late event can never resolve to a slot the kernel still thinks is
// armed. It does not return i to the pool; callers do that via Push.
func (p *Pool) Close(i Index, epfd int) {
	r := &p.records[i]
	if r.fd == -1 {
		return
	}
	unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, r.fd, nil)
	unix.Close(r.fd)
	r.fd = -1
	r.connected = false
}

// RemoveServer tears down a client record and every upstream child it fans
// out to, closing each descriptor and deferring every touched index back
// to the pool. Any bytes still pending in a child's write buffer are
// discarded silently; callers that care should count the drop before
// calling RemoveServer.
func (p *Pool) RemoveServer(client Index, epfd int) {
	r := &p.records[client]
	for child := r.firstChild; child != NoIndex; {
		next := p.records[child].siblNext
		p.Close(child, epfd)
		p.Push(child)
		child = next
	}
	p.Close(client, epfd)
	p.Push(client)
}

// RemoveClient tears down a single upstream child connection: unlinks it
// from its owner's sibling chain, closes its descriptor and returns it to
// the pool. If that was the owning client's last remaining upstream
// connection, the client itself is torn down too — a client with nowhere
// left to fan out to has no further reason to stay open.
func (p *Pool) RemoveClient(child Index, epfd int) {
	c := &p.records[child]
	owner := c.owner
	if owner != NoIndex {
		o := &p.records[owner]
		if c.siblPrev != NoIndex {
			p.records[c.siblPrev].siblNext = c.siblNext
		} else {
			o.firstChild = c.siblNext
		}
		if c.siblNext != NoIndex {
			p.records[c.siblNext].siblPrev = c.siblPrev
		} else {
			o.lastChild = c.siblPrev
		}
	}
	p.Close(child, epfd)
	p.Push(child)

	if owner != NoIndex && p.records[owner].firstChild == NoIndex {
		p.Close(owner, epfd)
		p.Push(owner)
	}
}

// ProcessEvents folds an epoll event mask into a record's readable/writable
// flags. EPOLLERR and EPOLLHUP are reported back to the caller so it can
// drop the connection; ProcessEvents itself never closes anything.
func (p *Pool) ProcessEvents(i Index, mask uint32) (hangup bool) {
	r := &p.records[i]
	if mask&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		r.readable = true
	}
	if mask&unix.EPOLLOUT != 0 {
		r.writable = true
	}
	return mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0
}

// ReadResult carries the bytes read from a readable record back to the
// caller, which fans them out to the record's children.
type ReadResult struct {
	Data []byte
	EOF  bool
	Err  error
}

// Read drains a single read(2) attempt from i's descriptor into dst
// (sized ReadChunkBytes by the caller, typically recycled from a
// sync.Pool rather than allocated per call). It clears the record's
// readable flag unconditionally: edge-triggered epoll will not fire
// again until new data arrives, so the flag must not survive past one
// drain attempt regardless of outcome. The returned Data aliases dst and
// is only valid until the caller's next reuse of it.
func (p *Pool) Read(i Index, dst []byte) ReadResult {
	r := &p.records[i]
	r.readable = false

	for {
		n, err := unix.Read(r.fd, dst)
		switch {
		case n > 0:
			return ReadResult{Data: dst[:n]}
		case n == 0:
			return ReadResult{EOF: true}
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return ReadResult{}
		default:
			return ReadResult{Err: err}
		}
	}
}

// QueueWrite appends p to i's pending buffer, honoring MaxBufferBytes. A
// full buffer means i's reader is outrunning the upstream it fans out to;
// the caller drops the connection rather than growing pending without
// bound.
func (p *Pool) QueueWrite(i Index, data []byte) (ok bool) {
	r := &p.records[i]
	if r.pending.Len()+len(data) > MaxBufferBytes {
		return false
	}
	return r.pending.Append(data) == nil
}

// Drain attempts to flush i's pending buffer to its descriptor. It returns
// the number of bytes written and whether the buffer fully drained. A
// short write (the common case against a slow upstream) leaves the
// remainder queued and clears writable so the caller waits for the next
// EPOLLOUT instead of busy-looping.
func (p *Pool) Drain(i Index) (n int, drained bool, err error) {
	r := &p.records[i]
	if r.pending.Len() == 0 {
		return 0, true, nil
	}

	for {
		n, err = unix.Write(r.fd, r.pending.Bytes())
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		r.writable = false
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	r.pending.Erase(0, n)
	if r.pending.Len() > 0 {
		r.writable = false
		return n, false, nil
	}
	return n, true, nil
}
