package connpool_test

import (
	"testing"

	"github.com/guidoreina/tcpforwarder-go/internal/connpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketPair returns two connected, non-blocking Unix-domain stream
// descriptors standing in for a client/server socket pair without
// touching the network stack.
func socketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	return fds[0], fds[1]
}

func TestPool_InitIsOpenClose(t *testing.T) {
	p := connpool.New()
	a, b := socketPair(t)
	defer unix.Close(b)

	idx, ok := p.Pop()
	require.True(t, ok)
	assert.False(t, p.IsOpen(idx))

	p.Init(idx, a, true)
	assert.True(t, p.IsOpen(idx))

	epfd, err := unix.EpollCreate1(0)
	require.NoError(t, err)
	defer unix.Close(epfd)

	p.Close(idx, epfd)
	assert.False(t, p.IsOpen(idx))
}

func TestPool_AddClientLinksSiblings(t *testing.T) {
	p := connpool.New()
	client, _ := p.Pop()
	c1, _ := p.Pop()
	c2, _ := p.Pop()

	p.AddClient(client, c1)
	p.AddClient(client, c2)

	s1, _ := p.Get(c1)
	s2, _ := p.Get(c2)
	assert.Equal(t, client, s1.Owner)
	assert.Equal(t, client, s2.Owner)
	assert.Equal(t, c2, p.FirstChild(client), "newest child is linked at the head")
	assert.Equal(t, c1, p.NextSibling(c2))
	assert.Equal(t, connpool.NoIndex, p.NextSibling(c1))
}

func TestPool_RemoveClientUnlinksWithoutTouchingOwner(t *testing.T) {
	p := connpool.New()
	epfd, err := unix.EpollCreate1(0)
	require.NoError(t, err)
	defer unix.Close(epfd)

	client, _ := p.Pop()
	c1, _ := p.Pop()
	c2, _ := p.Pop()
	a1, b1 := socketPair(t)
	defer unix.Close(b1)
	a2, b2 := socketPair(t)
	defer unix.Close(b2)
	p.Init(c1, a1, true)
	p.Init(c2, a2, true)
	p.AddClient(client, c1)
	p.AddClient(client, c2)

	p.RemoveClient(c1, epfd)
	assert.False(t, p.IsOpen(c1))

	stats := p.Stats()
	assert.Equal(t, 2, stats.InUse, "client and c2 remain in use")
}

func TestPool_RemoveClientCascadesWhenLastChildRemoved(t *testing.T) {
	p := connpool.New()
	epfd, err := unix.EpollCreate1(0)
	require.NoError(t, err)
	defer unix.Close(epfd)

	client, _ := p.Pop()
	c1, _ := p.Pop()
	a1, b1 := socketPair(t)
	defer unix.Close(b1)
	p.Init(c1, a1, true)
	p.AddClient(client, c1)

	p.RemoveClient(c1, epfd)
	p.ReleaseTemporary()

	assert.False(t, p.IsOpen(c1))
	assert.False(t, p.IsOpen(client), "a client with no remaining fan-out targets must be torn down too")
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestPool_RemoveServerTearsDownAllChildren(t *testing.T) {
	p := connpool.New()
	epfd, err := unix.EpollCreate1(0)
	require.NoError(t, err)
	defer unix.Close(epfd)

	client, _ := p.Pop()
	c1, _ := p.Pop()
	c2, _ := p.Pop()
	a1, b1 := socketPair(t)
	defer unix.Close(b1)
	a2, b2 := socketPair(t)
	defer unix.Close(b2)
	p.Init(c1, a1, true)
	p.Init(c2, a2, true)
	p.AddClient(client, c1)
	p.AddClient(client, c2)

	p.RemoveServer(client, epfd)
	p.ReleaseTemporary()

	assert.False(t, p.IsOpen(client))
	assert.False(t, p.IsOpen(c1))
	assert.False(t, p.IsOpen(c2))
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestPool_ReadDrainsAndClearsReadable(t *testing.T) {
	p := connpool.New()
	a, b := socketPair(t)
	defer unix.Close(b)

	idx, _ := p.Pop()
	p.Init(idx, a, true)

	_, err := unix.Write(b, []byte("hello"))
	require.NoError(t, err)

	hangup := p.ProcessEvents(idx, unix.EPOLLIN)
	assert.False(t, hangup)

	buf := make([]byte, connpool.ReadChunkBytes)
	res := p.Read(idx, buf)
	require.NoError(t, res.Err)
	assert.False(t, res.EOF)
	assert.Equal(t, "hello", string(res.Data))

	snap, _ := p.Get(idx)
	assert.False(t, snap.Readable)
}

func TestPool_ReadReportsEOF(t *testing.T) {
	p := connpool.New()
	a, b := socketPair(t)

	idx, _ := p.Pop()
	p.Init(idx, a, true)
	unix.Close(b)

	buf := make([]byte, connpool.ReadChunkBytes)
	res := p.Read(idx, buf)
	assert.True(t, res.EOF)
}

func TestPool_QueueWriteRejectsOverCapacity(t *testing.T) {
	p := connpool.New()
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	idx, _ := p.Pop()
	p.Init(idx, a, true)

	big := make([]byte, connpool.MaxBufferBytes)
	assert.True(t, p.QueueWrite(idx, big))
	assert.False(t, p.QueueWrite(idx, []byte{1}))
}

func TestPool_DrainFlushesPendingBytes(t *testing.T) {
	p := connpool.New()
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	idx, _ := p.Pop()
	p.Init(idx, a, true)

	require.True(t, p.QueueWrite(idx, []byte("payload")))
	n, drained, err := p.Drain(idx)
	require.NoError(t, err)
	assert.True(t, drained)
	assert.Equal(t, 7, n)

	buf := make([]byte, 16)
	n, err = unix.Read(b, buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
}

func TestPool_ProcessEventsReportsHangup(t *testing.T) {
	p := connpool.New()
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	idx, _ := p.Pop()
	p.Init(idx, a, true)

	assert.True(t, p.ProcessEvents(idx, unix.EPOLLHUP))
	assert.True(t, p.ProcessEvents(idx, unix.EPOLLERR))
	assert.False(t, p.ProcessEvents(idx, unix.EPOLLIN))
}
