package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wardennet/internal/clock"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.json")
	s, err := Open(path, nil)
	require.NoError(t, err)
	return s
}

func TestLoginLogout(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateUser("u1", "hunter2"))

	sess, err := s.Login("u1", "hunter2", "10.0.0.7")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", sess.ClientIP)
	assert.Equal(t, "u1", s.LookupUser("10.0.0.7"))

	require.NoError(t, s.Logout("u1"))
	assert.Equal(t, "", s.LookupUser("10.0.0.7"))
}

func TestLogin_WrongPassword(t *testing.T) {
	s := newTestStore(t)
	_ = s.CreateUser("u1", "hunter2")
	_, err := s.Login("u1", "wrong", "10.0.0.7")
	assert.Error(t, err)
}

func TestLogin_FromNewIPEvictsPriorSession(t *testing.T) {
	s := newTestStore(t)
	_ = s.CreateUser("u1", "hunter2")

	var denied []string
	s.SetDenyHook(func(clientIP string) error {
		denied = append(denied, clientIP)
		return nil
	})

	_, err := s.Login("u1", "hunter2", "10.0.0.7")
	require.NoError(t, err)
	_, err = s.Login("u1", "hunter2", "10.0.0.9")
	require.NoError(t, err)

	assert.Equal(t, "", s.LookupUser("10.0.0.7"), "expected prior IP evicted")
	assert.Equal(t, "u1", s.LookupUser("10.0.0.9"))
	assert.Equal(t, []string{"10.0.0.7"}, denied, "expected deny_client called once for the evicted IP")
}

func TestLookupUser_ReturnsNoneWhenBanned(t *testing.T) {
	s := newTestStore(t)
	_ = s.CreateUser("u1", "hunter2")
	_, err := s.Login("u1", "hunter2", "10.0.0.7")
	require.NoError(t, err)

	require.NoError(t, s.InsertBan("u1", BanPermanent, "test", time.Time{}))

	assert.Equal(t, "", s.LookupUser("10.0.0.7"), "expected banned user to be hidden from LookupUser")
	assert.True(t, s.IsBanned("u1"))
}

func TestInsertBan_NeverDowngradesPermanent(t *testing.T) {
	s := newTestStore(t)
	_ = s.CreateUser("u1", "hunter2")

	require.NoError(t, s.InsertBan("u1", BanPermanent, "rule trip", time.Time{}))
	require.NoError(t, s.InsertBan("u1", BanTemporary, "second trip", clock.Now().Add(time.Hour)))

	require.True(t, s.IsBanned("u1"), "expected still banned")
	s.mu.RLock()
	kind := s.bans["u1"].Kind
	s.mu.RUnlock()
	assert.Equal(t, BanPermanent, kind, "expected ban to remain permanent")
}

// TestTemporaryBanExpires covers scenario S4: a temporary ban no longer
// reports as banned once its expiry passes, and SweepBans removes the
// expired record without requiring a ban-engine re-run.
func TestTemporaryBanExpires(t *testing.T) {
	clock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	defer clock.Reset()

	s := newTestStore(t)
	_ = s.CreateUser("u1", "hunter2")
	require.NoError(t, s.InsertBan("u1", BanTemporary, "gaming threshold", clock.Now().Add(24*time.Hour)))
	require.True(t, s.IsBanned("u1"), "expected active temporary ban")

	clock.Advance(25 * time.Hour)
	assert.False(t, s.IsBanned("u1"), "expected ban to have expired")

	s.SweepBans()
	s.mu.RLock()
	_, stillPresent := s.bans["u1"]
	s.mu.RUnlock()
	assert.False(t, stillPresent, "expected SweepBans to remove the expired ban record")
}

// TestLivenessSweepMarksInactive covers scenario S6: an unreachable session
// is marked inactive and the deny hook fires for its client IP.
func TestLivenessSweepMarksInactive(t *testing.T) {
	s := newTestStore(t)
	_ = s.CreateUser("u1", "hunter2")
	_, err := s.Login("u1", "hunter2", "10.0.0.7")
	require.NoError(t, err)

	origReachable := reachable
	reachable = func(ip string) bool { return false }
	defer func() { reachable = origReachable }()

	var denied string
	s.SetDenyHook(func(clientIP string) error {
		denied = clientIP
		return nil
	})

	s.SweepLiveness()

	assert.Equal(t, "10.0.0.7", denied)
	assert.Equal(t, "", s.LookupUser("10.0.0.7"), "expected session marked inactive")
}

func TestAllActiveIPs_ExcludesBanned(t *testing.T) {
	s := newTestStore(t)
	_ = s.CreateUser("u1", "hunter2")
	_ = s.CreateUser("u2", "hunter2")
	_, _ = s.Login("u1", "hunter2", "10.0.0.7")
	_, _ = s.Login("u2", "hunter2", "10.0.0.8")
	_ = s.InsertBan("u1", BanPermanent, "test", time.Time{})

	assert.Equal(t, []string{"10.0.0.8"}, s.AllActiveIPs())
}
