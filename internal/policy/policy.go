// Package policy is the Policy Store: it owns the admin-mutable
// PolicyConfig (manual blocks, category activation, anomaly thresholds) and
// resolves the active blocklist hostnames to IPv4 addresses for the Rule
// Engine's sync_policy/refresh_ips operations, using two independent
// resolution methods and taking their union per spec.md §4.5.
package policy

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"wardennet/internal/classify"
	"wardennet/internal/config"
	wardenerrors "wardennet/internal/errors"
	"wardennet/internal/logging"
)

// Store holds the current PolicyConfig and the last successfully resolved
// blocklist IP set, snapshot-on-read so an admin edit mid-sync can never
// produce a half-applied read (spec.md §9 design note).
type Store struct {
	mu       sync.RWMutex
	cfg      config.PolicyConfig
	log      *logging.Logger
	upstream string // DNS server used by the second resolution method

	lastResolved []net.IP
}

// New constructs a Store from an initial PolicyConfig.
func New(initial config.PolicyConfig, upstreamDNS string, log *logging.Logger) *Store {
	if upstreamDNS == "" {
		upstreamDNS = "1.1.1.1:53"
	}
	return &Store{cfg: initial, upstream: upstreamDNS, log: log}
}

// Snapshot returns a copy of the current PolicyConfig, safe for a caller to
// read without racing a concurrent Update.
func (s *Store) Snapshot() config.PolicyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyPolicy(s.cfg)
}

// Update atomically replaces the PolicyConfig, e.g. from an admin API call.
func (s *Store) Update(next config.PolicyConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = copyPolicy(next)
}

// ActiveBlockHostnames returns manual_blocks plus every hostname in a
// category currently marked active.
func (s *Store) ActiveBlockHostnames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var hosts []string
	add := func(h string) {
		if h != "" && !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	for _, h := range s.cfg.ManualBlocks {
		add(h)
	}
	for _, cat := range s.cfg.Categories {
		if !cat.Active {
			continue
		}
		for _, h := range cat.Sites {
			add(h)
		}
	}
	return hosts
}

// ResolveBlocklist resolves every active block hostname to its current IPv4
// set, using two independent methods (the system resolver and a direct
// query against the configured upstream) and returning their union.
// Hostnames that resolve to nothing under both methods are logged and
// skipped, not treated as a total failure. If resolution fails entirely
// (zero hostnames produced any IP at all while at least one was attempted),
// the previous resolved set is retained per spec.md's tie-break rule.
func (s *Store) ResolveBlocklist(ctx context.Context) []net.IP {
	hosts := s.ActiveBlockHostnames()
	if len(hosts) == 0 {
		s.mu.Lock()
		s.lastResolved = nil
		s.mu.Unlock()
		return nil
	}

	seen := make(map[string]net.IP)
	anyResolved := false
	for _, host := range hosts {
		ips := s.resolveHost(ctx, host)
		if len(ips) == 0 {
			if s.log != nil {
				s.log.Warn("hostname resolved to no IPs, skipping", "hostname", host)
			}
			continue
		}
		anyResolved = true
		for _, ip := range ips {
			seen[ip.String()] = ip
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !anyResolved {
		if s.log != nil {
			s.log.Warn("blocklist resolution failed entirely, retaining previous set", "hostname_count", len(hosts))
		}
		return s.lastResolved
	}

	out := make([]net.IP, 0, len(seen))
	for _, ip := range seen {
		out = append(out, ip)
	}
	s.lastResolved = out
	return out
}

// resolveHost queries both the system resolver and the configured upstream
// directly via miekg/dns, returning the union of IPv4 results from whichever
// method(s) succeed. Each method is retried once on failure before being
// treated as failed, per spec.md's bounded-retry policy for external calls.
func (s *Store) resolveHost(ctx context.Context, host string) []net.IP {
	var ips []net.IP

	lookupSystem := func() ([]net.IP, error) { return (&net.Resolver{}).LookupIP(ctx, "ip4", host) }
	if addrs, err := lookupSystem(); err == nil {
		ips = append(ips, addrs...)
	} else if addrs, err := lookupSystem(); err == nil {
		ips = append(ips, addrs...)
	} else if s.log != nil {
		s.log.Debug("system resolver lookup failed", "hostname", host, "error", err)
	}

	lookupUpstream := func() ([]net.IP, error) { return s.resolveViaUpstream(host) }
	if addrs, err := lookupUpstream(); err == nil {
		ips = append(ips, addrs...)
	} else if addrs, err := lookupUpstream(); err == nil {
		ips = append(ips, addrs...)
	} else if s.log != nil {
		s.log.Debug("upstream resolver lookup failed", "hostname", host, "error", err)
	}

	return dedupeIPs(ips)
}

func (s *Store) resolveViaUpstream(host string) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)

	c := new(dns.Client)
	c.Timeout = 3 * time.Second

	resp, _, err := c.Exchange(m, s.upstream)
	if err != nil {
		return nil, wardenerrors.Wrap(err, wardenerrors.KindUnavailable, "upstream dns query")
	}

	var ips []net.IP
	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	return ips, nil
}

func dedupeIPs(ips []net.IP) []net.IP {
	seen := make(map[string]bool)
	out := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		v4 := ip.To4()
		if v4 == nil {
			continue // IPv6 omitted per spec
		}
		key := v4.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v4)
	}
	return out
}

func copyPolicy(cfg config.PolicyConfig) config.PolicyConfig {
	out := cfg
	out.ManualBlocks = append([]string(nil), cfg.ManualBlocks...)
	out.Categories = append([]config.CategoryPolicy(nil), cfg.Categories...)
	for i, cat := range cfg.Categories {
		out.Categories[i].Sites = append([]string(nil), cat.Sites...)
	}
	return out
}

// ValidCategories returns the names of the categories in cfg that the
// classifier does not recognize, for admin-facing validation.
func ValidCategories(cfg config.PolicyConfig) []string {
	var invalid []string
	for _, cat := range cfg.Categories {
		if !classify.ValidCategory(cat.Name) {
			invalid = append(invalid, cat.Name)
		}
	}
	return invalid
}
