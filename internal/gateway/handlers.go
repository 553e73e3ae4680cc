package gateway

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/gorilla/mux"

	wardenerrors "wardennet/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type loginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

// handleLogin implements spec.md §4.8/§6 POST /login. On success, allow_client
// completes before the 200 response is written; on a kernel failure the
// Session upsert is rolled back and the login fails with 503 (spec.md §7
// FilterInstallFailed).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	clientIP := clientIPFromRequest(r)
	sess, err := s.sessions.Login(req.UserID, req.Password, clientIP)
	if err != nil {
		if wardenerrors.HasAttr(err, "banned") {
			writeError(w, http.StatusForbidden, "account is banned")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ip := net.ParseIP(clientIP)
	if ip == nil {
		_ = s.sessions.Logout(req.UserID)
		writeError(w, http.StatusBadRequest, "unresolvable client address")
		return
	}
	if err := s.firewall.AllowClient(ip); err != nil {
		_ = s.sessions.Logout(req.UserID)
		if s.log != nil {
			s.log.WithError(err).WithFields(map[string]any{"user_id": req.UserID}).Error("allow_client failed, rolling back login")
		}
		writeError(w, http.StatusServiceUnavailable, "filter install failed")
		return
	}

	token, err := s.jwt.issue(req.UserID, s.sessions.UserRole(req.UserID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token, "user_id": sess.UserID})
}

type logoutRequest struct {
	UserID string `json:"user_id"`
}

// handleLogout implements POST /logout. The bearer token issued at login is
// required and must name the same user_id being logged out, matching
// spec.md's "a bearer token whose only purpose is to let the client call
// /logout".
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	tok := bearerToken(r)
	if tok == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	c, err := s.jwt.parse(tok)
	if err != nil || c.UserID != req.UserID {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	if ip, ok := s.sessions.ClientIPForUser(req.UserID); ok {
		if parsed := net.ParseIP(ip); parsed != nil {
			if err := s.firewall.DenyClient(parsed); err != nil && s.log != nil {
				s.log.WithError(err).WithFields(map[string]any{"user_id": req.UserID}).Error("deny_client failed during logout")
			}
		}
	}

	if err := s.sessions.Logout(req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type siteRequest struct {
	Hostname string `json:"hostname"`
}

func (s *Server) handleAddBlockedSite(w http.ResponseWriter, r *http.Request) {
	var req siteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Hostname == "" {
		writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}

	cfg := s.policy.Snapshot()
	cfg.ManualBlocks = append(cfg.ManualBlocks, req.Hostname)
	s.policy.Update(cfg)

	if err := s.syncPolicy(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "sync_policy failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleRemoveBlockedSite(w http.ResponseWriter, r *http.Request) {
	var req siteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Hostname == "" {
		writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}

	cfg := s.policy.Snapshot()
	out := cfg.ManualBlocks[:0]
	for _, h := range cfg.ManualBlocks {
		if h != req.Hostname {
			out = append(out, h)
		}
	}
	cfg.ManualBlocks = out
	s.policy.Update(cfg)

	if err := s.syncPolicy(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "sync_policy failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type categoryRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleToggleCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	cfg := s.policy.Snapshot()
	found := false
	for i, cat := range cfg.Categories {
		if cat.Name == req.Name {
			cfg.Categories[i].Active = !cat.Active
			found = true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "unknown category")
		return
	}
	s.policy.Update(cfg)

	if err := s.syncPolicy(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "sync_policy failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "toggled"})
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.ListClients())
}

type updateClientRequest struct {
	Blocked *bool `json:"blocked"`
}

func (s *Server) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req updateClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Blocked == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no_change"})
		return
	}

	// deny_client must complete before the block is recorded, so
	// lookup_user never reports a user as blocked while still forwarded.
	if *req.Blocked {
		if ip, ok := s.sessions.ClientIPForUser(id); ok {
			if parsed := net.ParseIP(ip); parsed != nil {
				if err := s.firewall.DenyClient(parsed); err != nil {
					if s.log != nil {
						s.log.WithError(err).WithFields(map[string]any{"user_id": id}).Error("deny_client failed, block not recorded")
					}
					writeError(w, http.StatusServiceUnavailable, "filter install failed")
					return
				}
			}
		}
	}

	if err := s.sessions.SetBlocked(id, *req.Blocked); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
