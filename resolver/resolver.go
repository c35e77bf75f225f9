// Package resolver turns connection hosts into dialable addresses. Reconnect
// loops resolve the same host every retry cycle, so successful lookups are
// cached for a TTL and concurrent lookups of one host are coalesced.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// ErrNoAddresses is returned when a lookup succeeds but yields nothing.
var ErrNoAddresses = errors.New("resolver: no addresses for host")

// LookupFunc resolves a host name into IP address strings.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// Resolver is a caching host resolver. It is safe for concurrent use.
type Resolver struct {
	ttl    time.Duration
	cache  *cache.Cache
	group  singleflight.Group
	lookup LookupFunc
}

// New creates a Resolver.
//
// Parameters:
//   - ttl: How long a successful lookup is reused; zero disables caching
//   - lookup: Lookup implementation; net.DefaultResolver.LookupHost when nil
//
// Returns:
//   - A new *Resolver
func New(ttl time.Duration, lookup LookupFunc) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}

	cleanup := ttl * 2
	if cleanup <= 0 {
		cleanup = time.Minute
	}

	return &Resolver{
		ttl:    ttl,
		cache:  cache.New(ttl, cleanup),
		lookup: lookup,
	}
}

// LookupHost returns the addresses for host. IP literals are returned as is
// without touching the cache. Failed lookups are never cached.
//
// Parameters:
//   - ctx: Context bounding the lookup
//   - host: Host name or IP literal
//
// Returns:
//   - One or more address strings
//   - An error if resolution fails or returns no addresses
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	if r.ttl > 0 {
		if v, found := r.cache.Get(host); found {
			if addrs, ok := v.([]string); ok {
				return addrs, nil
			}
		}
	}

	ch := r.group.DoChan(host, func() (any, error) {
		if r.ttl > 0 {
			if v, found := r.cache.Get(host); found {
				return v, nil
			}
		}

		addrs, err := r.lookup(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, ErrNoAddresses
		}

		if r.ttl > 0 {
			r.cache.Set(host, addrs, r.ttl)
		}

		return addrs, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("lookup %s: %w", host, res.Err)
		}

		addrs, ok := res.Val.([]string)
		if !ok {
			return nil, fmt.Errorf("lookup %s: unexpected cached value", host)
		}

		return addrs, nil
	}
}

// Forget drops any cached addresses for host, forcing the next lookup to go
// to the network.
func (r *Resolver) Forget(host string) {
	r.cache.Delete(host)
}

// Len returns the number of cached hosts.
func (r *Resolver) Len() int {
	return r.cache.ItemCount()
}

// Flush drops every cached entry.
func (r *Resolver) Flush() {
	r.cache.Flush()
}
