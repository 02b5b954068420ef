package transport

import (
	"testing"
	"time"

	"github.com/owent/libatapp-sub000/pkg/config"
	"github.com/owent/libatapp-sub000/pkg/logging"
	"github.com/stretchr/testify/require"
)

func TestPoolGetOrDialReusesConnection(t *testing.T) {
	p := NewPool(config.TransportConfig{}, logging.NewNop())
	defer p.Close()

	c1, err := p.GetOrDial("127.0.0.1:1")
	require.NoError(t, err)
	require.Equal(t, 1, p.Len())

	c2, err := p.GetOrDial("127.0.0.1:1")
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Equal(t, 1, p.Len())
}

func TestPoolDistinctAddressesGetDistinctConnections(t *testing.T) {
	p := NewPool(config.TransportConfig{}, logging.NewNop())
	defer p.Close()

	_, err := p.GetOrDial("127.0.0.1:1")
	require.NoError(t, err)
	_, err = p.GetOrDial("127.0.0.1:2")
	require.NoError(t, err)
	require.Equal(t, 2, p.Len())
}

func TestPoolRemove(t *testing.T) {
	p := NewPool(config.TransportConfig{}, logging.NewNop())
	defer p.Close()

	_, err := p.GetOrDial("127.0.0.1:1")
	require.NoError(t, err)
	p.Remove("127.0.0.1:1")
	require.Equal(t, 0, p.Len())
}

func TestPoolCloseIsIdempotentAndClearsConnections(t *testing.T) {
	p := NewPool(config.TransportConfig{}, logging.NewNop())

	_, err := p.GetOrDial("127.0.0.1:1")
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.Equal(t, 0, p.Len())
	require.NoError(t, p.Close())
}

func TestPoolSweepEvictsIdleConnections(t *testing.T) {
	p := NewPool(config.TransportConfig{MaxIdleTime: time.Millisecond}, logging.NewNop())
	defer p.Close()

	_, err := p.GetOrDial("127.0.0.1:1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	p.sweep()
	require.Equal(t, 0, p.Len())
}
