package policy

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wardennet/internal/config"
)

func testCfg() config.PolicyConfig {
	return config.PolicyConfig{
		ManualBlocks: []string{"example.net"},
		Categories: []config.CategoryPolicy{
			{Name: "social", Active: true, Sites: []string{"facebook.com"}},
			{Name: "gaming", Active: false, Sites: []string{"steampowered.com"}},
		},
	}
}

func TestActiveBlockHostnames(t *testing.T) {
	s := New(testCfg(), "", nil)
	hosts := s.ActiveBlockHostnames()

	want := map[string]bool{"example.net": true, "facebook.com": true}
	require.Len(t, hosts, len(want))
	for _, h := range hosts {
		assert.True(t, want[h], "unexpected host in active blocklist: %s", h)
		assert.NotEqual(t, "steampowered.com", h, "inactive category's site should not appear")
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	s := New(testCfg(), "", nil)
	snap := s.Snapshot()
	snap.ManualBlocks[0] = "mutated.example"

	fresh := s.Snapshot()
	assert.Equal(t, "example.net", fresh.ManualBlocks[0], "mutating a snapshot must not affect the store's internal state")
}

func TestUpdate_ReplacesConfig(t *testing.T) {
	s := New(testCfg(), "", nil)
	s.Update(config.PolicyConfig{ManualBlocks: []string{"newblock.example"}})

	hosts := s.ActiveBlockHostnames()
	require.Len(t, hosts, 1)
	assert.Equal(t, "newblock.example", hosts[0])
}

func TestResolveBlocklist_NoActiveHostsReturnsEmpty(t *testing.T) {
	s := New(config.PolicyConfig{}, "", nil)
	ips := s.ResolveBlocklist(context.Background())
	assert.Empty(t, ips)
}

func TestResolveBlocklist_RetainsPreviousSetOnTotalFailure(t *testing.T) {
	s := New(config.PolicyConfig{ManualBlocks: []string{"example.net"}}, "", nil)
	s.lastResolved = []net.IP{net.ParseIP("93.184.216.34")}

	// Point the upstream at an address nothing answers on, and since the
	// system resolver in this sandboxed test environment also cannot reach
	// a real DNS server, both methods fail for every host.
	s.upstream = "127.0.0.1:1"

	ips := s.ResolveBlocklist(context.Background())
	require.Len(t, ips, 1)
	assert.Equal(t, "93.184.216.34", ips[0].String(), "expected previous resolved set retained on total failure")
}

func TestDedupeIPs_DropsIPv6AndDuplicates(t *testing.T) {
	ips := []net.IP{
		net.ParseIP("1.2.3.4"),
		net.ParseIP("1.2.3.4"),
		net.ParseIP("2001:db8::1"),
	}
	out := dedupeIPs(ips)
	require.Len(t, out, 1)
	assert.Equal(t, "1.2.3.4", out[0].String())
}

func TestValidCategories_FlagsUnknownNames(t *testing.T) {
	cfg := config.PolicyConfig{
		Categories: []config.CategoryPolicy{
			{Name: "video", Active: true},
			{Name: "not_a_real_category", Active: true},
		},
	}
	invalid := ValidCategories(cfg)
	require.Len(t, invalid, 1)
	assert.Equal(t, "not_a_real_category", invalid[0])
}
