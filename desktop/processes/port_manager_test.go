package processes

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPortPolicyIsDeterministic(t *testing.T) {
	policy := DefaultPortPolicy()
	for i := 0; i < 3; i++ {
		port, err := policy.Allocate()
		require.NoError(t, err)
		assert.Equal(t, uint16(8000), port)
	}
}

func TestFixedPortPolicyZeroFallsBackToDefault(t *testing.T) {
	port, err := FixedPortPolicy{}.Allocate()
	require.NoError(t, err)
	assert.Equal(t, DefaultBackendPort, port)
}

func TestNewProbingPortPolicyInvalidRange(t *testing.T) {
	_, err := NewProbingPortPolicy("127.0.0.1", 0, 2000, 1000)
	assert.Error(t, err)

	_, err = NewProbingPortPolicy("127.0.0.1", 0, -1, 1000)
	assert.Error(t, err)
}

func TestProbingPortPolicySkipsOccupiedPreferred(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	busyPort := uint16(occupied.Addr().(*net.TCPAddr).Port)

	policy, err := NewProbingPortPolicy("127.0.0.1", busyPort, 0, 0)
	require.NoError(t, err)

	port, err := policy.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, busyPort, port)
	assert.NotZero(t, port)
}

func TestProbingPortPolicyReturnsFreePreferred(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	freePort := uint16(l.Addr().(*net.TCPAddr).Port)
	l.Close()

	policy, err := NewProbingPortPolicy("127.0.0.1", freePort, 0, 0)
	require.NoError(t, err)

	port, err := policy.Allocate()
	require.NoError(t, err)
	assert.Equal(t, freePort, port)
}

func TestProbingPortPolicyScansRange(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	busyPort := occupied.Addr().(*net.TCPAddr).Port

	// A one-port range that is busy must fall through to an OS-assigned port.
	policy, err := NewProbingPortPolicy("127.0.0.1", 0, busyPort, busyPort)
	require.NoError(t, err)

	port, err := policy.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, uint16(busyPort), port)
}
