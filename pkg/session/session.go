// Package session carries the identity and target of a data-flow chain.
//
// A Session is created once per logical connection and handed to every
// stage in the chain. The connecting stage records the remote endpoint on
// it; later stages read the endpoint for server-name selection and logging.
package session

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Endpoint identifies a remote peer by host name or literal address.
type Endpoint struct {
	// Host is the DNS name or literal IP the chain was asked to reach.
	Host string

	// Port is the remote TCP port.
	Port uint16

	// Addr is the resolved address, if resolution has happened. The zero
	// Addr means unresolved; stages then dial by Host.
	Addr netip.Addr
}

// NewEndpoint returns an endpoint for host:port. If host parses as a
// literal IP the endpoint starts out resolved.
func NewEndpoint(host string, port uint16) *Endpoint {
	ep := &Endpoint{Host: host, Port: port}
	if addr, err := netip.ParseAddr(host); err == nil {
		ep.Addr = addr
	}
	return ep
}

// ParseEndpoint parses "host:port" into an Endpoint.
func ParseEndpoint(s string) (*Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: invalid port: %w", s, err)
	}
	return NewEndpoint(host, uint16(port)), nil
}

// Resolved reports whether the endpoint carries a usable address.
func (e *Endpoint) Resolved() bool {
	return e.Addr.IsValid()
}

// Address returns the dial string for the endpoint, preferring the
// resolved address over the host name.
func (e *Endpoint) Address() string {
	if e.Addr.IsValid() {
		return netip.AddrPortFrom(e.Addr, e.Port).String()
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

func (e *Endpoint) String() string {
	return e.Address()
}

// Session identifies one logical connection through a chain of flows.
type Session struct {
	// ID is unique per session and appears in every logged event.
	ID uuid.UUID

	// CreatedAt is when the session object was made, not when the
	// connection was established.
	CreatedAt time.Time

	// Endpoint is the remote target. The connecting stage sets it when
	// Connect is called; it is nil before that.
	Endpoint *Endpoint
}

// New returns a fresh session with a random ID.
func New() *Session {
	return &Session{
		ID:        uuid.New(),
		CreatedAt: time.Now(),
	}
}
