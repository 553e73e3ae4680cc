package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wardennet/internal/config"
	wardenerrors "wardennet/internal/errors"
	"wardennet/internal/session"
)

var errUnavailable = wardenerrors.New(wardenerrors.KindUnavailable, "kernel unreachable")

func bannedErr() error {
	return wardenerrors.Attr(wardenerrors.New(wardenerrors.KindPermission, "user is banned"), "banned", true)
}

type fakeSessions struct {
	users        map[string]session.Role
	loginErr     error
	allowedIP    map[string]string // userID -> clientIP
	loggedOut    []string
	blockedCalls map[string]bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		users:        map[string]session.Role{"u1": session.RoleStudent, "admin1": session.RoleAdmin},
		allowedIP:    make(map[string]string),
		blockedCalls: make(map[string]bool),
	}
}

func (f *fakeSessions) Login(userID, password, clientIP string) (*session.Session, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	f.allowedIP[userID] = clientIP
	return &session.Session{UserID: userID, ClientIP: clientIP, Active: true}, nil
}

func (f *fakeSessions) Logout(userID string) error {
	f.loggedOut = append(f.loggedOut, userID)
	delete(f.allowedIP, userID)
	return nil
}

func (f *fakeSessions) ClientIPForUser(userID string) (string, bool) {
	ip, ok := f.allowedIP[userID]
	return ip, ok
}

func (f *fakeSessions) UserRole(userID string) session.Role { return f.users[userID] }

func (f *fakeSessions) ListClients() []session.ClientInfo {
	return []session.ClientInfo{{UserID: "u1", Role: session.RoleStudent, Status: "active"}}
}

func (f *fakeSessions) SetBlocked(userID string, blocked bool) error {
	f.blockedCalls[userID] = blocked
	return nil
}

type fakeFirewall struct {
	allowed     map[string]bool
	allowErr    error
	denyErr     error
	syncedLists [][]net.IP
}

func newFakeFirewall() *fakeFirewall {
	return &fakeFirewall{allowed: make(map[string]bool)}
}

func (f *fakeFirewall) AllowClient(ip net.IP) error {
	if f.allowErr != nil {
		return f.allowErr
	}
	f.allowed[ip.String()] = true
	return nil
}

func (f *fakeFirewall) DenyClient(ip net.IP) error {
	if f.denyErr != nil {
		return f.denyErr
	}
	delete(f.allowed, ip.String())
	return nil
}

func (f *fakeFirewall) SyncPolicy(ips []net.IP) error {
	f.syncedLists = append(f.syncedLists, ips)
	return nil
}

type fakePolicy struct {
	cfg config.PolicyConfig
}

func (f *fakePolicy) Snapshot() config.PolicyConfig { return f.cfg }
func (f *fakePolicy) Update(next config.PolicyConfig) { f.cfg = next }
func (f *fakePolicy) ResolveBlocklist(ctx context.Context) []net.IP {
	return []net.IP{net.ParseIP("1.2.3.4")}
}

func newTestServer() (*Server, *fakeSessions, *fakeFirewall, *fakePolicy) {
	sessions := newFakeSessions()
	fw := newFakeFirewall()
	pol := &fakePolicy{cfg: config.PolicyConfig{
		Categories: []config.CategoryPolicy{{Name: "social", Active: false}},
	}}
	s := NewServer(ServerOptions{
		Sessions:         sessions,
		Firewall:         fw,
		Policy:           pol,
		JWTSecret:        []byte("test-secret"),
		SkipIngressCheck: true,
	})
	return s, sessions, fw, pol
}

func doRequest(s *Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.7:5555"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

// TestLoginInstallsAllowLogoutRemoves covers S1: login installs the allow
// rule, logout removes it.
func TestLoginInstallsAllowLogoutRemoves(t *testing.T) {
	s, _, fw, _ := newTestServer()

	rec := doRequest(s, http.MethodPost, "/login", loginRequest{UserID: "u1", Password: "x"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, fw.allowed["10.0.0.7"], "expected allow_client called before login response")

	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	token := resp["token"]
	require.NotEmpty(t, token, "expected a token in the login response")

	rec = doRequest(s, http.MethodPost, "/logout", logoutRequest{UserID: "u1"}, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, fw.allowed["10.0.0.7"], "expected deny_client called on logout")
}

func TestLogin_BannedAccountReturns403(t *testing.T) {
	s, sessions, _, _ := newTestServer()
	sessions.loginErr = bannedErr()

	rec := doRequest(s, http.MethodPost, "/login", loginRequest{UserID: "u1", Password: "x"}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogin_FilterInstallFailureRollsBack(t *testing.T) {
	s, sessions, fw, _ := newTestServer()
	fw.allowErr = errUnavailable

	rec := doRequest(s, http.MethodPost, "/login", loginRequest{UserID: "u1", Password: "x"}, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Len(t, sessions.loggedOut, 1)
	assert.Equal(t, "u1", sessions.loggedOut[0], "expected session rolled back on allow_client failure")
}

func TestAdminRoute_RequiresAdminRole(t *testing.T) {
	s, _, _, _ := newTestServer()

	rec := doRequest(s, http.MethodGet, "/admin/clients", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "expected 401 with no token")

	studentToken, _ := s.jwt.issue("u1", session.RoleStudent)
	rec = doRequest(s, http.MethodGet, "/admin/clients", nil, studentToken)
	assert.Equal(t, http.StatusForbidden, rec.Code, "expected 403 for a non-admin token")

	adminToken, _ := s.jwt.issue("admin1", session.RoleAdmin)
	rec = doRequest(s, http.MethodGet, "/admin/clients", nil, adminToken)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAdminToggleCategory_TriggersSyncPolicy(t *testing.T) {
	s, _, fw, pol := newTestServer()
	adminToken, _ := s.jwt.issue("admin1", session.RoleAdmin)

	rec := doRequest(s, http.MethodPost, "/admin/filter/categories", categoryRequest{Name: "social"}, adminToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, pol.cfg.Categories[0].Active, "expected category toggled active")
	assert.Len(t, fw.syncedLists, 1, "expected exactly one sync_policy call")
}

func TestIngressMiddleware_RejectsNonPrivateSource(t *testing.T) {
	s, _, _, _ := newTestServer()
	s.skipIngress = false

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "8.8.8.8:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code, "expected 403 for a non-private source")
}

// TestAdminBlockClient_DeniesBeforeRecordingBlock covers spec.md §5's
// ordering invariant for the admin block path: deny_client must complete
// before SetBlocked is recorded, so lookup_user never reports a user as
// blocked while the firewall is still forwarding their traffic.
func TestAdminBlockClient_DeniesBeforeRecordingBlock(t *testing.T) {
	s, sessions, fw, _ := newTestServer()
	adminToken, _ := s.jwt.issue("admin1", session.RoleAdmin)
	sessions.allowedIP["u1"] = "10.0.0.7"
	fw.allowed["10.0.0.7"] = true

	blocked := true
	rec := doRequest(s, http.MethodPatch, "/admin/clients/u1", updateClientRequest{Blocked: &blocked}, adminToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, fw.allowed["10.0.0.7"], "expected deny_client called")
	assert.True(t, sessions.blockedCalls["u1"], "expected block recorded after deny_client succeeded")
}

// TestAdminBlockClient_DenyFailureWithholdsBlock covers the failure half of
// the same ordering invariant: if deny_client fails, the block must not be
// recorded at all.
func TestAdminBlockClient_DenyFailureWithholdsBlock(t *testing.T) {
	s, sessions, fw, _ := newTestServer()
	adminToken, _ := s.jwt.issue("admin1", session.RoleAdmin)
	sessions.allowedIP["u1"] = "10.0.0.7"
	fw.allowed["10.0.0.7"] = true
	fw.denyErr = errUnavailable

	blocked := true
	rec := doRequest(s, http.MethodPatch, "/admin/clients/u1", updateClientRequest{Blocked: &blocked}, adminToken)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, sessions.blockedCalls["u1"], "expected block withheld when deny_client fails")
}
