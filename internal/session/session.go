// Package session is the Session Store: it binds a client IP to an
// authenticated user, tracks bans, and persists both to a JSON file with
// atomic rename-on-save, mirroring the teacher's auth store.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"golang.org/x/crypto/bcrypt"

	"github.com/google/uuid"

	"wardennet/internal/clock"
	wardenerrors "wardennet/internal/errors"
	"wardennet/internal/logging"
)

// BanKind distinguishes a time-bounded ban from an indefinite one.
type BanKind string

const (
	BanTemporary BanKind = "temporary"
	BanPermanent BanKind = "permanent"
)

// Role distinguishes an ordinary student account from an admin account.
type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

// User is a registered portal account.
type User struct {
	UserID       string    `json:"user_id"`
	PasswordHash string    `json:"password_hash"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session binds a client_ip to a user_id while that user is authenticated.
type Session struct {
	UserID   string    `json:"user_id"`
	ClientIP string    `json:"client_ip"`
	LoginAt  time.Time `json:"login_at"`
	Token    string    `json:"token"`
	Active   bool      `json:"active"`
}

// Ban is a ban record for a user. Upsert never downgrades a permanent ban to
// a temporary one.
type Ban struct {
	UserID    string    `json:"user_id"`
	Kind      BanKind   `json:"kind"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// active reports whether the ban is currently in effect.
func (b Ban) active(now time.Time) bool {
	if b.Kind == BanPermanent {
		return true
	}
	return now.Before(b.ExpiresAt)
}

type onDeny func(clientIP string) error

// Store is the Session Store: JSON-file backed, in-memory maps guarded by a
// single RWMutex, saved to disk on every mutation.
type Store struct {
	path string
	log  *logging.Logger

	mu       sync.RWMutex
	users    map[string]*User
	sessions map[string]*Session // keyed by client_ip
	bans     map[string]*Ban     // keyed by user_id

	// denyClient is called during sweep_liveness when a session goes stale.
	// Wired to the Rule Engine by the caller; nil is a legal no-op for tests.
	denyClient onDeny
}

type fileFormat struct {
	Users    map[string]*User    `json:"users"`
	Sessions map[string]*Session `json:"sessions"`
	Bans     map[string]*Ban     `json:"bans"`
}

// Open loads the store from path, creating an empty store if the file does
// not exist yet.
func Open(path string, log *logging.Logger) (*Store, error) {
	s := &Store{
		path:     path,
		log:      log,
		users:    make(map[string]*User),
		sessions: make(map[string]*Session),
		bans:     make(map[string]*Ban),
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, wardenerrors.Wrap(err, wardenerrors.KindInternal, "load session store")
	}
	return s, nil
}

// SetDenyHook wires the Rule Engine's deny_client call into sweep_liveness.
func (s *Store) SetDenyHook(fn func(clientIP string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denyClient = fn
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return wardenerrors.Wrap(err, wardenerrors.KindInternal, "parse session store")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ff.Users != nil {
		s.users = ff.Users
	}
	if ff.Sessions != nil {
		s.sessions = ff.Sessions
	}
	if ff.Bans != nil {
		s.bans = ff.Bans
	}
	return nil
}

// saveLocked persists the store to disk via temp-file-then-rename. Must be
// called while holding s.mu (read or write lock).
func (s *Store) saveLocked() error {
	ff := fileFormat{Users: s.users, Sessions: s.sessions, Bans: s.bans}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// CreateUser registers a new student account with a bcrypt-hashed password.
func (s *Store) CreateUser(userID, password string) error {
	return s.createUser(userID, password, RoleStudent)
}

// CreateAdmin registers a new admin account with a bcrypt-hashed password.
func (s *Store) CreateAdmin(userID, password string) error {
	return s.createUser(userID, password, RoleAdmin)
}

func (s *Store) createUser(userID, password string, role Role) error {
	if userID == "" || password == "" {
		return wardenerrors.New(wardenerrors.KindValidation, "user_id and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return wardenerrors.Wrap(err, wardenerrors.KindInternal, "hash password")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[userID]; exists {
		return wardenerrors.New(wardenerrors.KindConflict, "user already exists")
	}
	s.users[userID] = &User{UserID: userID, PasswordHash: string(hash), Role: role, CreatedAt: clock.Now()}
	return s.saveLocked()
}

// UserRole returns the role of userID, or "" if the user does not exist.
func (s *Store) UserRole(userID string) Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return ""
	}
	return u.Role
}

// Login authenticates user_id/password and binds client_ip to the session.
// A currently-banned user cannot log in. Invariant I1 allows at most one
// active session per user_id: if userID already holds a session on a
// different client_ip, that prior session's per_client_allow rule is
// revoked before the new one is installed.
func (s *Store) Login(userID, password, clientIP string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, wardenerrors.New(wardenerrors.KindPermission, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, wardenerrors.New(wardenerrors.KindPermission, "invalid credentials")
	}
	if ban, banned := s.bans[userID]; banned && ban.active(clock.Now()) {
		return nil, wardenerrors.Attr(wardenerrors.New(wardenerrors.KindPermission, "user is banned"), "banned", true)
	}

	for ip, prior := range s.sessions {
		if prior.UserID != userID || ip == clientIP {
			continue
		}
		delete(s.sessions, ip)
		if s.denyClient != nil {
			if err := s.denyClient(ip); err != nil && s.log != nil {
				s.log.WithError(err).WithFields(map[string]any{"user_id": userID, "client_ip": ip}).Error("deny_client failed evicting prior session")
			}
		}
	}

	sess := &Session{
		UserID:   userID,
		ClientIP: clientIP,
		LoginAt:  clock.Now(),
		Token:    uuid.NewString(),
		Active:   true,
	}
	s.sessions[clientIP] = sess
	if err := s.saveLocked(); err != nil {
		return nil, wardenerrors.Wrap(err, wardenerrors.KindInternal, "persist session")
	}
	return sess, nil
}

// Logout removes the session bound to user_id, wherever it is bound.
func (s *Store) Logout(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ip, sess := range s.sessions {
		if sess.UserID == userID {
			delete(s.sessions, ip)
		}
	}
	return s.saveLocked()
}

// LookupUser returns the user_id bound to client_ip, or "" if there is no
// active session OR the bound user is currently banned. This must never
// attribute traffic to a banned identity.
func (s *Store) LookupUser(clientIP string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[clientIP]
	if !ok || !sess.Active {
		return ""
	}
	if ban, banned := s.bans[sess.UserID]; banned && ban.active(clock.Now()) {
		return ""
	}
	return sess.UserID
}

// AllActiveIPs returns every client_ip currently bound to an active,
// non-banned session.
func (s *Store) AllActiveIPs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ips := make([]string, 0, len(s.sessions))
	for ip, sess := range s.sessions {
		if !sess.Active {
			continue
		}
		if ban, banned := s.bans[sess.UserID]; banned && ban.active(clock.Now()) {
			continue
		}
		ips = append(ips, ip)
	}
	return ips
}

// ActiveUserIDs returns the distinct user_ids with an active session, for
// the Anomaly Engine to scope its decision cycle to.
func (s *Store) ActiveUserIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var ids []string
	for _, sess := range s.sessions {
		if sess.Active && !seen[sess.UserID] {
			seen[sess.UserID] = true
			ids = append(ids, sess.UserID)
		}
	}
	return ids
}

// InsertBan upserts a ban for user_id. A permanent ban is never downgraded
// to temporary by a later call.
func (s *Store) InsertBan(userID string, kind BanKind, reason string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.bans[userID]; ok && existing.Kind == BanPermanent {
		return s.saveLocked()
	}

	s.bans[userID] = &Ban{
		UserID:    userID,
		Kind:      kind,
		Reason:    reason,
		CreatedAt: clock.Now(),
		ExpiresAt: expiresAt,
	}
	return s.saveLocked()
}

// IsBanned reports whether user_id is currently banned.
func (s *Store) IsBanned(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ban, ok := s.bans[userID]
	return ok && ban.active(clock.Now())
}

// ClientIPForUser returns the client_ip currently bound to user_id, if any.
func (s *Store) ClientIPForUser(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ip, sess := range s.sessions {
		if sess.UserID == userID && sess.Active {
			return ip, true
		}
	}
	return "", false
}

// SweepLiveness probes every active session's client_ip; unreachable
// sessions are marked inactive and denyClient is invoked for that IP. A
// failed probe is retried once before the client is treated as gone, per
// spec.md's bounded-retry policy for external liveness checks.
func (s *Store) SweepLiveness() {
	for _, ip := range s.AllActiveIPs() {
		if reachable(ip) || reachable(ip) {
			continue
		}

		s.mu.Lock()
		if sess, ok := s.sessions[ip]; ok {
			sess.Active = false
		}
		deny := s.denyClient
		_ = s.saveLocked()
		s.mu.Unlock()

		if deny != nil {
			if err := deny(ip); err != nil && s.log != nil {
				s.log.WithError(err).WithFields(map[string]any{"client_ip": ip}).Warn("deny_client failed during liveness sweep")
			}
		}
	}
}

// reachable matches the teacher's single-packet, unprivileged ping probe.
var reachable = func(ip string) bool {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return false
	}
	pinger.Count = 1
	pinger.Timeout = time.Second
	pinger.SetPrivileged(false)

	if err := pinger.Run(); err != nil {
		return false
	}
	stats := pinger.Statistics()
	return stats.PacketsRecv > 0
}

// SweepBans clears expired temporary bans so the next login re-evaluates
// cleanly; it does not restore filter access on its own (§9 open question).
func (s *Store) SweepBans() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := clock.Now()
	changed := false
	for userID, ban := range s.bans {
		if ban.Kind == BanTemporary && !now.Before(ban.ExpiresAt) {
			delete(s.bans, userID)
			changed = true
		}
	}
	if changed {
		_ = s.saveLocked()
	}
}

// ClientInfo is the admin-facing derived view of a user account, combining
// the user record with its live session and ban state.
type ClientInfo struct {
	UserID       string    `json:"user_id"`
	Role         Role      `json:"role"`
	Status       string    `json:"status"` // "active", "inactive", "banned"
	LastActivity time.Time `json:"last_activity"`
	ClientIP     string    `json:"client_ip,omitempty"`
	Blocked      bool      `json:"blocked"`
}

// ListClients returns the admin-facing view of every registered user.
func (s *Store) ListClients() []ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byUser := make(map[string]*Session)
	for _, sess := range s.sessions {
		if sess.Active {
			byUser[sess.UserID] = sess
		}
	}

	out := make([]ClientInfo, 0, len(s.users))
	for userID, u := range s.users {
		ci := ClientInfo{UserID: userID, Role: u.Role, Status: "inactive", LastActivity: u.CreatedAt}
		if sess, active := byUser[userID]; active {
			ci.Status = "active"
			ci.ClientIP = sess.ClientIP
			ci.LastActivity = sess.LoginAt
		}
		if ban, banned := s.bans[userID]; banned && ban.active(clock.Now()) {
			ci.Status = "banned"
			ci.Blocked = ban.Kind == BanPermanent
		}
		out = append(out, ci)
	}
	return out
}

// SetBlocked inserts or removes a permanent ban for user_id, used by the
// admin PATCH /admin/clients/{id} "blocked" field.
func (s *Store) SetBlocked(userID string, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blocked {
		s.bans[userID] = &Ban{UserID: userID, Kind: BanPermanent, Reason: "admin action", CreatedAt: clock.Now()}
	} else {
		delete(s.bans, userID)
	}
	return s.saveLocked()
}

// String implements fmt.Stringer for log lines.
func (b Ban) String() string {
	if b.Kind == BanPermanent {
		return fmt.Sprintf("permanent ban for %s: %s", b.UserID, b.Reason)
	}
	return fmt.Sprintf("temporary ban for %s until %s: %s", b.UserID, b.ExpiresAt.Format(time.RFC3339), b.Reason)
}
