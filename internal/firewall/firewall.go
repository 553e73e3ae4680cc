// Package firewall is the Rule Engine / Filter Controller: it owns the
// kernel packet-filter state (GLOBAL_DENY, PER_CLIENT_ALLOW, DEFAULT_DROP,
// and the fixed NAT/redirection layer) and exposes install_base,
// sync_policy, allow_client, deny_client, refresh_ips, and reset_all as
// atomic operations guarded by a single mutex, mirroring the teacher's
// single-writer Manager over google/nftables.
package firewall

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

const (
	tableName        = "wardennet"
	chainForwardGate = "forward_gate"
	chainGlobalDeny  = "global_deny"
	chainPerClient   = "per_client_allow"
	chainDefaultDrop = "default_drop"
	chainInputGate   = "input_gate"
	setGlobalDeny    = "global_deny_set"
)

// forcedResolvers are public recursive resolvers that must never be reached
// directly by hotspot clients, forcing DNS through the local resolver so
// DNS-based blocking cannot be bypassed.
var forcedResolvers = []string{"8.8.8.8", "8.8.4.4", "1.1.1.1", "1.0.0.1"}

// BaseConfig parametrizes the fixed layer install_base creates.
type BaseConfig struct {
	HotspotInterface string
	UplinkInterface  string
	PortalPort       uint16
}

// kernel is the minimal set of primitive operations the Manager needs from
// the kernel packet filter. It exists so the ordering/idempotency policy in
// Manager can be unit tested against a fake without a live nftables socket,
// the same separation of concerns as the teacher's NFTablesConn interface
// over manager_linux.go's Manager.
type kernel interface {
	// installBase creates the table, chains, jump wiring, NAT layer, and
	// input-gate ACCEPTs. Safe to call more than once.
	installBase(cfg BaseConfig) error
	// setGlobalDeny replaces the full contents of the GLOBAL_DENY set.
	setGlobalDeny(ips []net.IP) error
	// addClientAllow inserts (or no-ops if already present) a
	// PER_CLIENT_ALLOW accept rule for ip.
	addClientAllow(cfg BaseConfig, ip net.IP) error
	// removeClientAllow removes the accept rule for ip, no-op if absent.
	removeClientAllow(ip net.IP) error
	// resetAll tears down every object this package installed.
	resetAll() error
}

// nftKernel implements kernel against a real *nftables.Conn.
type nftKernel struct {
	conn *nftables.Conn

	table       *nftables.Table
	natTable    *nftables.Table
	denySet     *nftables.Set
	perClientCh *nftables.Chain

	// clientRules tracks the handle of each client's accept rule so
	// removeClientAllow can delete precisely, keyed by IP string.
	clientRules map[string]uint64
}

func newNFTKernel() (*nftKernel, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, err
	}
	return &nftKernel{conn: conn, clientRules: make(map[string]uint64)}, nil
}

func (k *nftKernel) installBase(cfg BaseConfig) error {
	k.table = k.conn.AddTable(&nftables.Table{Name: tableName, Family: nftables.TableFamilyINet})

	dropPolicy := nftables.ChainPolicyDrop
	forwardGate := k.conn.AddChain(&nftables.Chain{
		Name:     chainForwardGate,
		Table:    k.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &dropPolicy,
	})

	globalDeny := k.conn.AddChain(&nftables.Chain{Name: chainGlobalDeny, Table: k.table})
	perClient := k.conn.AddChain(&nftables.Chain{Name: chainPerClient, Table: k.table})
	defaultDrop := k.conn.AddChain(&nftables.Chain{Name: chainDefaultDrop, Table: k.table})
	k.perClientCh = perClient

	acceptPolicy := nftables.ChainPolicyAccept
	inputGate := k.conn.AddChain(&nftables.Chain{
		Name:     chainInputGate,
		Table:    k.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &acceptPolicy,
	})

	k.denySet = &nftables.Set{
		Table:   k.table,
		Name:    setGlobalDeny,
		KeyType: nftables.TypeIPAddr,
	}
	if err := k.conn.AddSet(k.denySet, nil); err != nil {
		return err
	}

	// forward_gate: allow established/related return traffic, then jump
	// GLOBAL_DENY -> PER_CLIENT_ALLOW -> DEFAULT_DROP in that strict order
	// for hotspot->uplink forwarding only (invariant I5).
	k.conn.AddRule(&nftables.Rule{
		Table: k.table, Chain: forwardGate,
		Exprs: []expr.Any{
			&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
			&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4,
				Mask: binaryLE(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED),
				Xor:  binaryLE(0)},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryLE(0)},
			&expr.Verdict{Kind: expr.VerdictAccept},
		},
	})
	k.conn.AddRule(&nftables.Rule{
		Table: k.table, Chain: forwardGate,
		Exprs: hotspotToUplinkMatch(cfg, []expr.Any{&expr.Verdict{Kind: expr.VerdictJump, Chain: chainGlobalDeny}}),
	})
	k.conn.AddRule(&nftables.Rule{
		Table: k.table, Chain: forwardGate,
		Exprs: hotspotToUplinkMatch(cfg, []expr.Any{&expr.Verdict{Kind: expr.VerdictJump, Chain: chainPerClient}}),
	})
	k.conn.AddRule(&nftables.Rule{
		Table: k.table, Chain: forwardGate,
		Exprs: hotspotToUplinkMatch(cfg, []expr.Any{&expr.Verdict{Kind: expr.VerdictJump, Chain: chainDefaultDrop}}),
	})

	// global_deny: drop any forwarded packet addressed to a denied
	// destination IP.
	k.conn.AddRule(&nftables.Rule{
		Table: k.table, Chain: globalDeny,
		Exprs: []expr.Any{
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
			&expr.Lookup{SourceRegister: 1, SetName: k.denySet.Name},
			&expr.Verdict{Kind: expr.VerdictDrop},
		},
	})

	// default_drop: unconditional drop, reached only if neither prior
	// chain's rules matched.
	k.conn.AddRule(&nftables.Rule{
		Table: k.table, Chain: defaultDrop,
		Exprs: []expr.Any{&expr.Verdict{Kind: expr.VerdictDrop}},
	})

	// input_gate: DHCP, local DNS, and the portal itself must reach the
	// gateway process even before any client is authenticated.
	k.conn.AddRule(&nftables.Rule{
		Table: k.table, Chain: inputGate,
		Exprs: udpPortMatch(67, expr.VerdictAccept),
	})
	k.conn.AddRule(&nftables.Rule{
		Table: k.table, Chain: inputGate,
		Exprs: udpPortMatch(68, expr.VerdictAccept),
	})
	k.conn.AddRule(&nftables.Rule{
		Table: k.table, Chain: inputGate,
		Exprs: udpPortMatch(53, expr.VerdictAccept),
	})
	k.conn.AddRule(&nftables.Rule{
		Table: k.table, Chain: inputGate,
		Exprs: tcpPortMatch(cfg.PortalPort, expr.VerdictAccept),
	})

	// NAT table: masquerade outbound, redirect hotspot TCP/80 to the
	// portal port.
	k.natTable = k.conn.AddTable(&nftables.Table{Name: tableName, Family: nftables.TableFamilyIPv4})
	natPrio := nftables.ChainPriorityNATDest
	prerouting := k.conn.AddChain(&nftables.Chain{
		Name: "prerouting", Table: k.natTable, Type: nftables.ChainTypeNAT,
		Hooknum: nftables.ChainHookPrerouting, Priority: &natPrio,
	})
	natSrcPrio := nftables.ChainPriorityNATSource
	postrouting := k.conn.AddChain(&nftables.Chain{
		Name: "postrouting", Table: k.natTable, Type: nftables.ChainTypeNAT,
		Hooknum: nftables.ChainHookPostrouting, Priority: &natSrcPrio,
	})

	redirectExprs := ifnameMatch(expr.MetaKeyIIFNAME, cfg.HotspotInterface)
	redirectExprs = append(redirectExprs, tcpDportMatch(80)...)
	redirectExprs = append(redirectExprs,
		&expr.Immediate{Register: 1, Data: binaryBE16(cfg.PortalPort)},
		&expr.Redir{RegisterProtoMin: 1, Flags: unix.NF_NAT_RANGE_PROTO_SPECIFIED},
	)
	k.conn.AddRule(&nftables.Rule{
		Table: k.natTable, Chain: prerouting,
		Exprs: redirectExprs,
	})
	k.conn.AddRule(&nftables.Rule{
		Table: k.natTable, Chain: postrouting,
		Exprs: append(ifnameMatch(expr.MetaKeyOIFNAME, cfg.UplinkInterface), &expr.Masq{}),
	})

	if err := k.setGlobalDenyLocked(nil); err != nil {
		return err
	}
	if err := k.conn.Flush(); err != nil {
		return err
	}

	// The global_deny and per_client_allow matches read IPv4 header
	// offsets, so block-list and per-client filtering is IPv4-only; an IPv6
	// packet forwarded from hotspot to uplink still reaches DEFAULT_DROP
	// through the interface-matched jumps. Disabling IPv6 on the hotspot
	// interface keeps IPv6 traffic off that path altogether.
	return disableIPv6Forwarding(cfg.HotspotInterface)
}

// disableIPv6Forwarding writes "1" to the hotspot interface's disable_ipv6
// sysctl knob, the same read-then-write-only-if-different idiom as
// manager_linux.go's enableRouteLocalnet, so a repeat install_base never
// performs a needless write.
func disableIPv6Forwarding(iface string) error {
	path := fmt.Sprintf("/proc/sys/net/ipv6/conf/%s/disable_ipv6", iface)
	const want = "1"

	if current, err := os.ReadFile(path); err == nil && strings.TrimSpace(string(current)) == want {
		return nil
	}
	return os.WriteFile(path, []byte(want), 0644)
}

func (k *nftKernel) setGlobalDeny(ips []net.IP) error {
	if err := k.setGlobalDenyLocked(ips); err != nil {
		return err
	}
	return k.conn.Flush()
}

// setGlobalDenyLocked flushes and refills the deny set in a single
// unflushed batch, plus the always-on forced-resolver entries, so the swap
// from the caller's perspective is atomic once Flush is called.
func (k *nftKernel) setGlobalDenyLocked(ips []net.IP) error {
	if err := k.conn.FlushSet(k.denySet); err != nil {
		return err
	}
	elems := make([]nftables.SetElement, 0, len(ips)+len(forcedResolvers))
	for _, ip := range ips {
		v4 := ip.To4()
		if v4 == nil {
			continue // IPv6 omitted per spec
		}
		elems = append(elems, nftables.SetElement{Key: v4})
	}
	for _, resolver := range forcedResolvers {
		elems = append(elems, nftables.SetElement{Key: net.ParseIP(resolver).To4()})
	}
	return k.conn.SetAddElements(k.denySet, elems)
}

func (k *nftKernel) addClientAllow(cfg BaseConfig, ip net.IP) error {
	if _, exists := k.clientRules[ip.String()]; exists {
		return nil
	}
	rule := k.conn.AddRule(&nftables.Rule{
		Table: k.table, Chain: k.perClientCh,
		Exprs: srcIPMatch(ip, expr.VerdictAccept),
	})
	if err := k.conn.Flush(); err != nil {
		return err
	}
	k.clientRules[ip.String()] = rule.Handle
	return nil
}

func (k *nftKernel) removeClientAllow(ip net.IP) error {
	handle, exists := k.clientRules[ip.String()]
	if !exists {
		return nil
	}
	err := k.conn.DelRule(&nftables.Rule{Table: k.table, Chain: k.perClientCh, Handle: handle})
	if err != nil {
		return err
	}
	if err := k.conn.Flush(); err != nil {
		return err
	}
	delete(k.clientRules, ip.String())
	return nil
}

func (k *nftKernel) resetAll() error {
	if k.table != nil {
		k.conn.DelTable(k.table)
	}
	if k.natTable != nil {
		k.conn.DelTable(k.natTable)
	}
	k.clientRules = make(map[string]uint64)
	return k.conn.Flush()
}

func hotspotToUplinkMatch(cfg BaseConfig, verdict []expr.Any) []expr.Any {
	exprs := ifnameMatch(expr.MetaKeyIIFNAME, cfg.HotspotInterface)
	exprs = append(exprs, ifnameMatch(expr.MetaKeyOIFNAME, cfg.UplinkInterface)...)
	return append(exprs, verdict...)
}

func ifnameMatch(key expr.MetaKey, ifname string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: key, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifnameBytes(ifname)},
	}
}

func srcIPMatch(ip net.IP, verdict expr.VerdictKind) []expr.Any {
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ip.To4()},
		&expr.Verdict{Kind: verdict},
	}
}

func udpPortMatch(port uint16, verdict expr.VerdictKind) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_UDP}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryBE16(port)},
		&expr.Verdict{Kind: verdict},
	}
}

func tcpPortMatch(port uint16, verdict expr.VerdictKind) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryBE16(port)},
		&expr.Verdict{Kind: verdict},
	}
}

func tcpDportMatch(port uint16) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryBE16(port)},
	}
}

func ifnameBytes(name string) []byte {
	b := make([]byte, 16)
	copy(b, name)
	return b
}

func binaryLE(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func binaryBE16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}
