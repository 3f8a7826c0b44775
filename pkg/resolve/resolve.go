// Package resolve turns hostnames into addresses for the transport stages.
//
// Resolution follows the pipeline's completion-handler convention: Resolve
// returns immediately and posts the outcome to the runloop. The
// AddressPreference controls which families are returned and in what order,
// so a dialer can try candidates the way the caller wants.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/flowkit-net/flowkit-go/pkg/cancelable"
	"github.com/flowkit-net/flowkit-go/pkg/runloop"
)

// ErrNoAddresses means resolution succeeded but no address survived the
// family filter.
var ErrNoAddresses = errors.New("resolve: no addresses")

// AddressPreference selects and orders address families.
type AddressPreference uint8

const (
	// Any returns addresses in resolver order.
	Any AddressPreference = iota
	// IPv4Only drops everything but IPv4.
	IPv4Only
	// IPv6Only drops everything but IPv6.
	IPv6Only
	// IPv4First returns both families, IPv4 leading.
	IPv4First
	// IPv6First returns both families, IPv6 leading.
	IPv6First
)

// String returns the preference name.
func (p AddressPreference) String() string {
	switch p {
	case Any:
		return "ANY"
	case IPv4Only:
		return "IPV4_ONLY"
	case IPv6Only:
		return "IPV6_ONLY"
	case IPv4First:
		return "IPV4_FIRST"
	case IPv6First:
		return "IPV6_FIRST"
	default:
		return fmt.Sprintf("PREFERENCE(%d)", p)
	}
}

// Handler receives the resolved addresses, ordered per the preference, or
// an error. It runs on the runloop.
type Handler func(addrs []netip.Addr, err error)

// Resolver resolves hostnames asynchronously.
type Resolver interface {
	// Resolve looks up domain and posts the outcome to the runloop.
	// Canceling the token suppresses the handler.
	Resolve(domain string, pref AddressPreference, handler Handler) cancelable.Token
}

// DefaultTimeout bounds a system lookup.
const DefaultTimeout = 10 * time.Second

// SystemResolver resolves through the operating system.
type SystemResolver struct {
	loop    *runloop.Runloop
	res     *net.Resolver
	timeout time.Duration
}

// NewSystemResolver returns a resolver that posts completions to loop.
func NewSystemResolver(loop *runloop.Runloop) *SystemResolver {
	return &SystemResolver{
		loop:    loop,
		res:     net.DefaultResolver,
		timeout: DefaultTimeout,
	}
}

// SetTimeout overrides the per-lookup timeout.
func (r *SystemResolver) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// Resolve looks the domain up on a helper goroutine.
func (r *SystemResolver) Resolve(domain string, pref AddressPreference, handler Handler) cancelable.Token {
	token := cancelable.New()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		addrs, err := r.res.LookupNetIP(ctx, network(pref), domain)
		if err == nil {
			addrs = OrderByPreference(addrs, pref)
			if len(addrs) == 0 {
				err = ErrNoAddresses
			}
		}
		r.loop.Post(func() {
			if token.Canceled() {
				return
			}
			if err != nil {
				handler(nil, err)
				return
			}
			handler(addrs, nil)
		})
	}()
	return token
}

// network maps a preference to the lookup network understood by
// net.Resolver.
func network(pref AddressPreference) string {
	switch pref {
	case IPv4Only:
		return "ip4"
	case IPv6Only:
		return "ip6"
	default:
		return "ip"
	}
}

// OrderByPreference filters and orders addrs per the preference. The input
// order is kept within each family.
func OrderByPreference(addrs []netip.Addr, pref AddressPreference) []netip.Addr {
	switch pref {
	case IPv4Only:
		return filter(addrs, isV4)
	case IPv6Only:
		return filter(addrs, func(a netip.Addr) bool { return !isV4(a) })
	case IPv4First:
		return append(filter(addrs, isV4), filter(addrs, func(a netip.Addr) bool { return !isV4(a) })...)
	case IPv6First:
		return append(filter(addrs, func(a netip.Addr) bool { return !isV4(a) }), filter(addrs, isV4)...)
	default:
		return addrs
	}
}

func isV4(a netip.Addr) bool {
	return a.Is4() || a.Is4In6()
}

func filter(addrs []netip.Addr, keep func(netip.Addr) bool) []netip.Addr {
	var out []netip.Addr
	for _, a := range addrs {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

var _ Resolver = (*SystemResolver)(nil)
