// Package identity derives the key used to cap concurrent connections from a
// connection's network address.
package identity

import (
	"net"
	"net/http"
	"strings"
)

const fallbackLocal = "127.0.0.1"

// Resolver maps transport addresses to identities. Every loopback address
// collapses to one local identity, so a host can hold a single connection
// regardless of how many local clients it starts.
type Resolver struct {
	localAlias   string
	trustProxies bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLocalAlias overrides the identity used for loopback addresses.
func WithLocalAlias(alias string) Option {
	return func(r *Resolver) {
		if alias = strings.TrimSpace(alias); alias != "" {
			r.localAlias = alias
		}
	}
}

// WithTrustedProxyHeaders makes FromRequest prefer X-Forwarded-For and
// X-Real-IP over the socket address. Enable it only behind a proxy that
// overwrites those headers.
func WithTrustedProxyHeaders(trust bool) Option {
	return func(r *Resolver) {
		r.trustProxies = trust
	}
}

// NewResolver creates a Resolver whose local alias defaults to the first
// non-loopback IPv4 address of this host.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{localAlias: firstExternalIPv4()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LocalAlias returns the identity loopback addresses resolve to.
func (r *Resolver) LocalAlias() string {
	return r.localAlias
}

// Resolve normalises a "host:port" or bare host string.
func (r *Resolver) Resolve(addr string) string {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if ip.IsLoopback() {
		return r.localAlias
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// FromRequest resolves the identity of an incoming HTTP request.
func (r *Resolver) FromRequest(req *http.Request) string {
	if r.trustProxies {
		if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return r.Resolve(first)
			}
		}
		if realIP := strings.TrimSpace(req.Header.Get("X-Real-IP")); realIP != "" {
			return r.Resolve(realIP)
		}
	}
	return r.Resolve(req.RemoteAddr)
}

func firstExternalIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return fallbackLocal
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return fallbackLocal
}
