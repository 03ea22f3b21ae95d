package netprobe

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPresentTrueWhenAddressBound(t *testing.T) {
	p, err := New("192.0.2.10")
	require.NoError(t, err)
	p.addrsFunc = func() ([]net.Addr, error) {
		_, n, _ := net.ParseCIDR("192.0.2.10/32")
		return []net.Addr{n}, nil
	}

	present, err := p.Present()
	require.NoError(t, err)
	require.True(t, present)
}

func TestPresentFalseWhenAddressAbsent(t *testing.T) {
	p, err := New("192.0.2.10")
	require.NoError(t, err)
	p.addrsFunc = func() ([]net.Addr, error) {
		_, n, _ := net.ParseCIDR("10.0.0.1/24")
		return []net.Addr{n}, nil
	}

	present, err := p.Present()
	require.NoError(t, err)
	require.False(t, present)
}

func TestNewRejectsInvalidAddress(t *testing.T) {
	_, err := New("not-an-ip")
	require.Error(t, err)
}
