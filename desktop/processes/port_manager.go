package processes

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// DefaultBackendPort is the port the backend is configured to bind to when no
// other policy is selected.
const DefaultBackendPort uint16 = 8000

// PortPolicy decides which TCP port the backend sidecar should bind to. The
// port must be known before the sidecar is spawned.
type PortPolicy interface {
	Allocate() (uint16, error)
}

// FixedPortPolicy always returns the same port. It is a placeholder: it does
// not check whether the port is actually free, which keeps the backend's
// configuration trivial.
type FixedPortPolicy struct {
	Port uint16
}

// DefaultPortPolicy returns the fixed-port policy on DefaultBackendPort.
func DefaultPortPolicy() FixedPortPolicy {
	return FixedPortPolicy{Port: DefaultBackendPort}
}

// Allocate returns the configured port.
func (p FixedPortPolicy) Allocate() (uint16, error) {
	if p.Port == 0 {
		return DefaultBackendPort, nil
	}
	return p.Port, nil
}

// ProbingPortPolicy looks for a port that is actually free on Host. It tries
// Preferred first, then scans [MinPort, MaxPort], and finally lets the OS pick
// an ephemeral port.
type ProbingPortPolicy struct {
	mu            sync.Mutex
	host          string
	preferred     uint16
	minPort       int
	maxPort       int
	nextCandidate int
}

// NewProbingPortPolicy creates a ProbingPortPolicy. A zero min/max disables the
// range scan.
func NewProbingPortPolicy(host string, preferred uint16, minPort, maxPort int) (*ProbingPortPolicy, error) {
	if minPort != 0 || maxPort != 0 {
		if minPort <= 0 || maxPort <= 0 || minPort > maxPort || maxPort > 65535 {
			return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
		}
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return &ProbingPortPolicy{
		host:          host,
		preferred:     preferred,
		minPort:       minPort,
		maxPort:       maxPort,
		nextCandidate: minPort,
	}, nil
}

// Allocate returns the first port on the host that can be bound.
func (p *ProbingPortPolicy) Allocate() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.preferred != 0 && p.isFree(int(p.preferred)) {
		return p.preferred, nil
	}

	if p.minPort != 0 {
		firstCandidate := p.nextCandidate
		for {
			portToTry := p.nextCandidate

			p.nextCandidate++
			if p.nextCandidate > p.maxPort {
				p.nextCandidate = p.minPort
			}

			if portToTry != int(p.preferred) && p.isFree(portToTry) {
				return uint16(portToTry), nil
			}

			if p.nextCandidate == firstCandidate {
				break
			}
		}
	}

	// Let the OS choose.
	l, err := net.Listen("tcp", net.JoinHostPort(p.host, "0"))
	if err != nil {
		return 0, fmt.Errorf("no available ports on %s: %w", p.host, err)
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port), nil
}

func (p *ProbingPortPolicy) isFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(p.host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
