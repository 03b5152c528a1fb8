package identity

import (
	"context"
	"net"
	"os"
	"strings"
	"time"
)

// HostInfo is what the host_info event reports to a client.
type HostInfo struct {
	IP       string
	Hostname string
}

// AddrLookup is the subset of *net.Resolver used for reverse lookups.
type AddrLookup interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// HostLookup resolves display names for identities. It is slow and must
// never run while holding registry state.
type HostLookup struct {
	resolver AddrLookup
	timeout  time.Duration
	hostname func() (string, error)
}

// NewHostLookup uses net.DefaultResolver with the given timeout.
func NewHostLookup(timeout time.Duration) *HostLookup {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HostLookup{resolver: net.DefaultResolver, timeout: timeout, hostname: os.Hostname}
}

// WithResolver returns a copy of h that uses the given resolver.
func (h *HostLookup) WithResolver(r AddrLookup) *HostLookup {
	cp := *h
	cp.resolver = r
	return &cp
}

// Lookup reverse-resolves ip. Loopback addresses and lookup failures fall
// back to this server's hostname, and then to the address itself.
func (h *HostLookup) Lookup(ctx context.Context, ip string) HostInfo {
	info := HostInfo{IP: ip, Hostname: h.localHostname(ip)}

	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsLoopback() {
		return info
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	names, err := h.resolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return info
	}
	info.Hostname = strings.TrimSuffix(names[0], ".")
	return info
}

func (h *HostLookup) localHostname(fallback string) string {
	if h.hostname != nil {
		if name, err := h.hostname(); err == nil && name != "" {
			return name
		}
	}
	return fallback
}
