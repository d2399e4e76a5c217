// Package endpoint holds the address at which the backend sidecar accepts
// connections. The Registry is written once during startup and read by any
// number of consumers afterwards.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

var (
	// ErrAlreadyPublished is returned when Publish is called a second time.
	ErrAlreadyPublished = errors.New("backend endpoint already published")
	// ErrNotPublished is returned when the registry is queried before Publish.
	ErrNotPublished = errors.New("backend endpoint not published yet")
)

// Endpoint is the (host, port) pair identifying where the backend listens.
type Endpoint struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// Address returns host:port, bracketing IPv6 hosts.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// URL returns the base URL of the backend, e.g. http://127.0.0.1:8000.
func (e Endpoint) URL() string {
	return fmt.Sprintf("http://%s", e.Address())
}

func (e Endpoint) String() string {
	return e.URL()
}

// Registry is a single-writer, many-reader cell for the backend Endpoint.
// The zero value is ready to use.
type Registry struct {
	mu        sync.RWMutex
	endpoint  Endpoint
	published bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Publish stores the endpoint. It may only succeed once per Registry.
func (r *Registry) Publish(ep Endpoint) error {
	if ep.Host == "" {
		return fmt.Errorf("cannot publish endpoint with empty host")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.published {
		return fmt.Errorf("%w: %s", ErrAlreadyPublished, r.endpoint.URL())
	}
	r.endpoint = ep
	r.published = true
	return nil
}

// Query returns the published endpoint. It never waits for the backend to
// become healthy.
func (r *Registry) Query() (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.published {
		return Endpoint{}, ErrNotPublished
	}
	return r.endpoint, nil
}

// URL returns the base URL of the published endpoint.
func (r *Registry) URL() (string, error) {
	ep, err := r.Query()
	if err != nil {
		return "", err
	}
	return ep.URL(), nil
}
