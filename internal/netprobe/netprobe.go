// Package netprobe answers whether a configured shared address is present
// on any local interface, the signal the HA coordinator treats as
// "I am primary".
package netprobe

import "net"

// InterfaceAddrsFunc matches net.InterfaceAddrs's signature, overridable in
// tests so they don't depend on the host's real network configuration.
type InterfaceAddrsFunc func() ([]net.Addr, error)

// Prober checks for the presence of a shared IP address.
type Prober struct {
	sharedIP    net.IP
	addrsFunc   InterfaceAddrsFunc
}

// New returns a Prober for the given shared address (bare IP, no mask).
func New(sharedIP string) (*Prober, error) {
	ip := net.ParseIP(sharedIP)
	if ip == nil {
		return nil, &InvalidAddressError{Address: sharedIP}
	}
	return &Prober{sharedIP: ip, addrsFunc: net.InterfaceAddrs}, nil
}

// InvalidAddressError is returned by New when sharedIP does not parse.
type InvalidAddressError struct{ Address string }

func (e *InvalidAddressError) Error() string {
	return "netprobe: invalid shared address " + e.Address
}

// SetAddrsFunc overrides the interface-address lookup, for tests that can't
// depend on the host's real network configuration.
func (p *Prober) SetAddrsFunc(f InterfaceAddrsFunc) {
	p.addrsFunc = f
}

// Present reports whether the shared IP is bound to any local interface
// right now. This read is race-free with respect to concurrent address
// changes by an external failover manager: it may observe an intermediate
// state, but repeated probes converge,
func (p *Prober) Present() (bool, error) {
	addrs, err := p.addrsFunc()
	if err != nil {
		return false, err
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		if ip.Equal(p.sharedIP) {
			return true, nil
		}
	}
	return false, nil
}
