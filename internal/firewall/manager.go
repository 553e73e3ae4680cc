package firewall

import (
	"net"
	"sort"
	"sync"

	wardenerrors "wardennet/internal/errors"
	"wardennet/internal/logging"
)

// Manager is the single writer for kernel packet-filter state. Every
// exposed operation takes the same mutex, so sync_policy, allow_client, and
// deny_client never interleave and invariant I5 (GLOBAL_DENY before
// PER_CLIENT_ALLOW before DEFAULT_DROP) stays a structural property of the
// chain wiring rather than something that can be raced out of order.
type Manager struct {
	mu     sync.Mutex
	kernel kernel
	log    *logging.Logger
	cfg    BaseConfig

	installed     bool
	allowedIPs    map[string]bool
	currentDenyIP map[string]net.IP
}

// NewManager constructs a Manager backed by a live nftables connection.
func NewManager(cfg BaseConfig, log *logging.Logger) (*Manager, error) {
	k, err := newNFTKernel()
	if err != nil {
		return nil, wardenerrors.Wrap(err, wardenerrors.KindUnavailable, "open nftables connection")
	}
	return newManagerWithKernel(k, cfg, log), nil
}

func newManagerWithKernel(k kernel, cfg BaseConfig, log *logging.Logger) *Manager {
	return &Manager{
		kernel:        k,
		cfg:           cfg,
		log:           log,
		allowedIPs:    make(map[string]bool),
		currentDenyIP: make(map[string]net.IP),
	}
}

// retryOnce calls fn, and on failure calls it exactly once more before
// giving up, per spec.md's "each kernel-filter call is best-effort with
// retry once" policy. Returns the second call's error if both fail.
func retryOnce(fn func() error) error {
	if err := fn(); err == nil {
		return nil
	}
	return fn()
}

// InstallBase installs the fixed layer and chain wiring. Idempotent: a
// second call is a no-op against already-installed state.
func (m *Manager) InstallBase() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.installed {
		return nil
	}
	if err := retryOnce(func() error { return m.kernel.installBase(m.cfg) }); err != nil {
		return wardenerrors.Wrap(err, wardenerrors.KindUnavailable, "install_base")
	}
	m.installed = true
	return nil
}

// SyncPolicy replaces the entire GLOBAL_DENY set from the resolved IP list.
// Held entirely under m.mu so a reader never observes a half-applied set
// (spec S5: no window where GLOBAL_DENY is empty while per-client allows
// still exist). An empty ips slice is a legitimate "nothing blocked" state;
// callers implementing the "retain previous set on total resolution
// failure" tie-break must not call SyncPolicy at all on that failure path.
func (m *Manager) SyncPolicy(ips []net.IP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setGlobalDenyLocked(ips)
}

// RefreshIPs re-applies a freshly resolved IP set, but only calls into the
// kernel if the set actually changed, matching refresh_ips's "rewrites
// GLOBAL_DENY if any set changed" contract.
func (m *Manager) RefreshIPs(ips []net.IP) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sameIPSet(m.currentDenyIP, ips) {
		return nil
	}
	return m.setGlobalDenyLocked(ips)
}

func (m *Manager) setGlobalDenyLocked(ips []net.IP) error {
	if err := retryOnce(func() error { return m.kernel.setGlobalDeny(ips) }); err != nil {
		return wardenerrors.Wrap(err, wardenerrors.KindUnavailable, "sync_policy")
	}
	next := make(map[string]net.IP, len(ips))
	for _, ip := range ips {
		next[ip.String()] = ip
	}
	m.currentDenyIP = next
	return nil
}

// AllowClient installs a PER_CLIENT_ALLOW accept rule for ip. Idempotent
// against duplicate insertion.
func (m *Manager) AllowClient(ip net.IP) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := retryOnce(func() error { return m.kernel.addClientAllow(m.cfg, ip) }); err != nil {
		return wardenerrors.Wrap(err, wardenerrors.KindUnavailable, "allow_client")
	}
	m.allowedIPs[ip.String()] = true
	return nil
}

// DenyClient removes the PER_CLIENT_ALLOW rule for ip. Idempotent if the
// rule is already absent.
func (m *Manager) DenyClient(ip net.IP) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := retryOnce(func() error { return m.kernel.removeClientAllow(ip) }); err != nil {
		return wardenerrors.Wrap(err, wardenerrors.KindUnavailable, "deny_client")
	}
	delete(m.allowedIPs, ip.String())
	return nil
}

// ResetAll tears down every rule this engine installed and clears local
// state, used for recovery.
func (m *Manager) ResetAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := retryOnce(func() error { return m.kernel.resetAll() }); err != nil {
		return wardenerrors.Wrap(err, wardenerrors.KindUnavailable, "reset_all")
	}
	m.installed = false
	m.allowedIPs = make(map[string]bool)
	m.currentDenyIP = make(map[string]net.IP)
	return nil
}

// IsAllowed reports whether ip currently has a PER_CLIENT_ALLOW rule, for
// tests and diagnostics.
func (m *Manager) IsAllowed(ip net.IP) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowedIPs[ip.String()]
}

// DeniedIPs returns the current GLOBAL_DENY membership, sorted, for tests
// and diagnostics.
func (m *Manager) DeniedIPs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.currentDenyIP))
	for k := range m.currentDenyIP {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sameIPSet(current map[string]net.IP, next []net.IP) bool {
	if len(current) != len(next) {
		return false
	}
	for _, ip := range next {
		if _, ok := current[ip.String()]; !ok {
			return false
		}
	}
	return true
}
