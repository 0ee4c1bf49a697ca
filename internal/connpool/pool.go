// Package connpool implements the forwarder's bounded connection arena: a
// free-list + in-use-list + deferred-reclaim-list of connection records,
// addressed by index rather than pointer.
//
// A naive pointer-based pool is vulnerable to a dangling-pointer-through-
// a-stale-event class of bug: this arena avoids it by addressing records
// by Index instead. An index surviving in a worker's
// already-read epoll event batch still resolves, after a same-batch Push,
// to a record with fd == -1 rather than to a slot recycled for an unrelated
// socket — ReleaseTemporary only runs once per batch, after every event in
// it has been dispatched.
//
// A Pool is not safe for concurrent use: each worker owns exactly one, and
// touches it only from its own event-loop goroutine.
package connpool

import "github.com/guidoreina/tcpforwarder-go/internal/bytebuf"

// MaxConnections bounds the number of simultaneously in-use records.
const MaxConnections = 4096

// chunkSize is how many records are allocated at a time when the free list
// drains.
const chunkSize = 256

// MaxBufferBytes bounds a client's pending-write buffer.
const MaxBufferBytes = 1 << 20

// ReadChunkBytes is the size of a single read(2) attempt when draining a
// server connection.
const ReadChunkBytes = 32 * 1024

// Index addresses a record within a Pool's arena.
type Index uint32

// NoIndex stands in for the original design's null pointer.
const NoIndex Index = ^Index(0)

// record is a single connection slot.
type record struct {
	fd        int // -1 == closed
	readable  bool
	writable  bool
	connected bool
	pending   bytebuf.Buffer

	// owner is NoIndex for a client record (the accepted inbound
	// connection) and the owning client's Index for one of its fanned-out
	// upstream connections. firstChild/lastChild/siblPrev/siblNext thread
	// the owner's children together; only meaningful on client records
	// (first/last) and child records (prev/next).
	owner                 Index
	firstChild, lastChild Index
	siblPrev, siblNext    Index

	poolPrev, poolNext Index
}

// Pool owns the arena and the three index-linked lists (free, in-use,
// deferred) that partition it.
type Pool struct {
	records []record

	freeHead, freeTail         Index
	inUseHead, inUseTail       Index
	deferredHead, deferredTail Index

	inUseCount int
	allocated  int
}

// New returns an empty Pool. Records are allocated lazily, in chunks of
// 256, the first time Pop needs one.
func New() *Pool {
	return &Pool{
		freeHead: NoIndex, freeTail: NoIndex,
		inUseHead: NoIndex, inUseTail: NoIndex,
		deferredHead: NoIndex, deferredTail: NoIndex,
	}
}

func (p *Pool) pushBack(head, tail *Index, i Index) {
	r := &p.records[i]
	r.poolPrev = *tail
	r.poolNext = NoIndex
	if *tail != NoIndex {
		p.records[*tail].poolNext = i
	} else {
		*head = i
	}
	*tail = i
}

func (p *Pool) unlink(head, tail *Index, i Index) {
	r := &p.records[i]
	if r.poolPrev != NoIndex {
		p.records[r.poolPrev].poolNext = r.poolNext
	} else {
		*head = r.poolNext
	}
	if r.poolNext != NoIndex {
		p.records[r.poolNext].poolPrev = r.poolPrev
	} else {
		*tail = r.poolPrev
	}
	r.poolPrev, r.poolNext = NoIndex, NoIndex
}

// grow allocates up to chunkSize fresh records, capped by the headroom
// remaining under MaxConnections, and appends them to the free list.
func (p *Pool) grow() bool {
	if p.allocated >= MaxConnections {
		return false
	}
	n := chunkSize
	if p.allocated+n > MaxConnections {
		n = MaxConnections - p.allocated
	}
	start := len(p.records)
	p.records = append(p.records, make([]record, n)...)
	for i := start; i < start+n; i++ {
		idx := Index(i)
		p.records[idx] = record{
			fd: -1, owner: NoIndex,
			firstChild: NoIndex, lastChild: NoIndex,
			siblPrev: NoIndex, siblNext: NoIndex,
			poolPrev: NoIndex, poolNext: NoIndex,
		}
		p.pushBack(&p.freeHead, &p.freeTail, idx)
	}
	p.allocated += n
	return true
}

// Pop returns a reset, in-use record, allocating a fresh chunk if the free
// list is empty. It fails if the pool is at MaxConnections or allocation
// fails.
func (p *Pool) Pop() (Index, bool) {
	if p.inUseCount >= MaxConnections {
		return NoIndex, false
	}
	if p.freeHead == NoIndex && !p.grow() {
		return NoIndex, false
	}

	i := p.freeHead
	p.unlink(&p.freeHead, &p.freeTail, i)

	r := &p.records[i]
	r.fd = -1
	r.readable, r.writable, r.connected = false, false, false
	r.pending.Reset()
	r.owner = NoIndex
	r.firstChild, r.lastChild = NoIndex, NoIndex
	r.siblPrev, r.siblNext = NoIndex, NoIndex

	p.pushBack(&p.inUseHead, &p.inUseTail, i)
	p.inUseCount++
	return i, true
}

// Push unlinks i from the in-use list and enqueues it on the
// deferred-reclaim list; it is not eligible for reuse until the next
// ReleaseTemporary.
func (p *Pool) Push(i Index) {
	p.unlink(&p.inUseHead, &p.inUseTail, i)
	p.inUseCount--
	p.pushBack(&p.deferredHead, &p.deferredTail, i)
}

// ReleaseTemporary splices the deferred list onto the head of the free
// list in O(1). Call once per dispatched event batch, never per event.
func (p *Pool) ReleaseTemporary() {
	if p.deferredHead == NoIndex {
		return
	}
	if p.freeHead == NoIndex {
		p.freeHead, p.freeTail = p.deferredHead, p.deferredTail
	} else {
		p.records[p.deferredTail].poolNext = p.freeHead
		p.records[p.freeHead].poolPrev = p.deferredTail
		p.freeHead = p.deferredHead
	}
	p.deferredHead, p.deferredTail = NoIndex, NoIndex
}

// Stats reports the pool's current partition sizes. The invariant
// free + in-use + deferred == allocated holds at every call, and
// in-use never exceeds MaxConnections.
type Stats struct {
	Free, InUse, Deferred, Allocated int
}

// Stats returns a snapshot of the pool's partition sizes.
func (p *Pool) Stats() Stats {
	count := func(head Index) int {
		n := 0
		for i := head; i != NoIndex; i = p.records[i].poolNext {
			n++
		}
		return n
	}
	return Stats{
		Free:      count(p.freeHead),
		InUse:     p.inUseCount,
		Deferred:  count(p.deferredHead),
		Allocated: p.allocated,
	}
}
