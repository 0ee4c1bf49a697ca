package sockaddr_test

import (
	"testing"

	"github.com/guidoreina/tcpforwarder-go/internal/sockaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParse_IPv4(t *testing.T) {
	a, err := sockaddr.Parse("127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, unix.AF_INET, a.Family())
	assert.Equal(t, uint16(9000), a.Port())
	assert.Equal(t, "127.0.0.1:9000", a.String())
}

func TestParse_IPv6(t *testing.T) {
	a, err := sockaddr.Parse("[::1]:8080")
	require.NoError(t, err)
	assert.Equal(t, unix.AF_INET6, a.Family())
	assert.Equal(t, uint16(8080), a.Port())
	assert.Equal(t, "[::1]:8080", a.String())
}

func TestParse_PortOutOfRange(t *testing.T) {
	_, err := sockaddr.Parse("127.0.0.1:65536")
	assert.Error(t, err)
}

func TestParse_PortZero(t *testing.T) {
	_, err := sockaddr.Parse("127.0.0.1:0")
	assert.Error(t, err)
}

func TestParse_NoColon(t *testing.T) {
	_, err := sockaddr.Parse("host")
	assert.Error(t, err)
}

func TestParse_NonNumericPort(t *testing.T) {
	_, err := sockaddr.Parse("127.0.0.1:http")
	assert.Error(t, err)
}

func TestParse_InvalidHost(t *testing.T) {
	_, err := sockaddr.Parse("not-an-ip:1234")
	assert.Error(t, err)
}

func TestParse_RoundTrip(t *testing.T) {
	for _, in := range []string{"10.0.0.1:1", "192.168.1.255:65535", "[2001:db8::1]:53"} {
		a, err := sockaddr.Parse(in)
		require.NoError(t, err)

		b, err := sockaddr.Parse(a.String())
		require.NoError(t, err)
		assert.Equal(t, a.String(), b.String())
	}
}

func TestNew(t *testing.T) {
	a, err := sockaddr.New("127.0.0.1", 80)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:80", a.String())

	_, err = sockaddr.New("127.0.0.1", 0)
	assert.Error(t, err)
}

func TestAppendText_NoSpace(t *testing.T) {
	a, err := sockaddr.Parse("127.0.0.1:9000")
	require.NoError(t, err)

	tiny := make([]byte, 0, 2)
	_, err = a.AppendText(tiny)
	assert.ErrorIs(t, err, sockaddr.ErrNoSpace)

	roomy := make([]byte, 0, 64)
	out, err := a.AppendText(roomy)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", string(out))
}

func TestSockaddr_FamilyMatches(t *testing.T) {
	a, err := sockaddr.Parse("127.0.0.1:1")
	require.NoError(t, err)
	sa4, ok := a.Sockaddr().(*unix.SockaddrInet4)
	require.True(t, ok)
	assert.Equal(t, 1, sa4.Port)

	b, err := sockaddr.Parse("[::1]:1")
	require.NoError(t, err)
	sa6, ok := b.Sockaddr().(*unix.SockaddrInet6)
	require.True(t, ok)
	assert.Equal(t, 1, sa6.Port)
}
