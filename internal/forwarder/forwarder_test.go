package forwarder_test

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/guidoreina/tcpforwarder-go/internal/forwarder"
	"github.com/guidoreina/tcpforwarder-go/internal/metrics"
	"github.com/guidoreina/tcpforwarder-go/internal/sockaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsOutOfRangeWorkerCount(t *testing.T) {
	_, err := forwarder.New(0, nil, nil, nil)
	assert.Error(t, err)

	_, err = forwarder.New(33, nil, nil, nil)
	assert.Error(t, err)

	f, err := forwarder.New(2, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, f.NumWorkers())
}

func TestStart_RefusesWithoutBindsOrUpstreams(t *testing.T) {
	f, err := forwarder.New(1, nil, nil, nil)
	require.NoError(t, err)
	assert.Error(t, f.Start(context.Background()))

	bind, err := sockaddr.New("127.0.0.1", 19611)
	require.NoError(t, err)
	f.Bind(bind)
	assert.Error(t, f.Start(context.Background()), "still no upstream servers")
}

func TestForwarder_StartForwardsToUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 4)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		if n > 0 {
			received <- append([]byte(nil), buf[:n]...)
		}
	}()

	upAddr, err := sockaddr.Parse(ln.Addr().String())
	require.NoError(t, err)

	bind, err := sockaddr.New("127.0.0.1", 19612)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	log := slog.New(slog.DiscardHandler)

	f, err := forwarder.New(2, m, log, nil)
	require.NoError(t, err)
	f.Bind(bind)
	f.AddUpstream(upAddr)

	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	conn, err := net.Dial("tcp", "127.0.0.1:19612")
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("routed"))
	require.NoError(t, err)

	select {
	case data := <-received:
		assert.Equal(t, "routed", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder never delivered bytes to upstream")
	}
}
