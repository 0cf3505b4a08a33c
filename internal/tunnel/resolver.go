package tunnel

import (
	"context"
	"net"
)

// Resolver answers whether a device's VPN endpoint is reachable from this
// instance.
type Resolver interface {
	// IsLocal reports whether the device's VPN session terminates locally.
	IsLocal(ctx context.Context, uuid string) bool
}

// DNSResolver probes local presence by resolving the device's virtual
// hostname <uuid>.vpn. Any lookup failure, of any kind, means "not local";
// failures are deliberately not distinguished and never retried.
type DNSResolver struct {
	resolver *net.Resolver
}

// NewDNSResolver creates a resolver using the standard name-resolution
// mechanism.
func NewDNSResolver() *DNSResolver {
	return &DNSResolver{resolver: net.DefaultResolver}
}

// IsLocal implements Resolver.
func (r *DNSResolver) IsLocal(ctx context.Context, uuid string) bool {
	addrs, err := r.resolver.LookupHost(ctx, uuid+".vpn")
	return err == nil && len(addrs) > 0
}
