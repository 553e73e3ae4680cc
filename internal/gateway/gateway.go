// Package gateway is the Gateway Service: the HTTP surface for login,
// logout, health, and admin ingress. On a successful /login it binds the
// client source IP to the authenticated user and drives the Rule Engine's
// allow_client before the response is returned (spec.md §5 "a successful
// login response implies the allow_client rule is installed before the
// response is returned").
package gateway

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wardennet/internal/config"
	"wardennet/internal/logging"
	"wardennet/internal/session"
)

// sessionStore is the subset of *session.Store the Gateway drives. Declared
// as an interface, mirroring the teacher's ctlplane.ControlPlaneClient seam
// in internal/api/server.go, so tests can substitute a fake without a real
// JSON-backed store.
type sessionStore interface {
	Login(userID, password, clientIP string) (*session.Session, error)
	Logout(userID string) error
	ClientIPForUser(userID string) (string, bool)
	UserRole(userID string) session.Role
	ListClients() []session.ClientInfo
	SetBlocked(userID string, blocked bool) error
}

// firewallManager is the subset of *firewall.Manager the Gateway drives.
type firewallManager interface {
	AllowClient(ip net.IP) error
	DenyClient(ip net.IP) error
	SyncPolicy(ips []net.IP) error
}

// policyStore is the subset of *policy.Store the Gateway drives.
type policyStore interface {
	Snapshot() config.PolicyConfig
	Update(next config.PolicyConfig)
	ResolveBlocklist(ctx context.Context) []net.IP
}

// ServerConfig holds HTTP server hardening parameters.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
}

// DefaultServerConfig returns hardened defaults matching the teacher's API
// server: short header timeouts against slowloris, a bounded request body.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      1 << 20,
	}
}

// ServerOptions holds the Gateway's dependencies.
type ServerOptions struct {
	Sessions  sessionStore
	Firewall  firewallManager
	Policy    policyStore
	Log       *logging.Logger
	JWTSecret []byte
	Config    ServerConfig

	// SkipIngressCheck disables the RFC1918-only ingress check (spec.md §6
	// "Network posture") for tests that drive handlers over httptest, whose
	// client addresses are not meaningful private-network sources.
	SkipIngressCheck bool
}

// Server is the Gateway Service.
type Server struct {
	sessions sessionStore
	firewall firewallManager
	policy   policyStore
	log      *logging.Logger
	jwt      *tokenIssuer
	cfg      ServerConfig
	router   *mux.Router

	skipIngress bool
}

// NewServer constructs a Gateway Server and registers every route.
func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg == (ServerConfig{}) {
		cfg = DefaultServerConfig()
	}

	s := &Server{
		sessions:    opts.Sessions,
		firewall:    opts.Firewall,
		policy:      opts.Policy,
		log:         opts.Log,
		jwt:         newTokenIssuer(opts.JWTSecret),
		cfg:         cfg,
		skipIngress: opts.SkipIngressCheck,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/filter/sites", s.handleAddBlockedSite).Methods(http.MethodPost)
	admin.HandleFunc("/filter/sites", s.handleRemoveBlockedSite).Methods(http.MethodDelete)
	admin.HandleFunc("/filter/categories", s.handleToggleCategory).Methods(http.MethodPost)
	admin.HandleFunc("/clients", s.handleListClients).Methods(http.MethodGet)
	admin.HandleFunc("/clients/{id}", s.handleUpdateClient).Methods(http.MethodPatch)

	r.Use(s.ingressMiddleware)
	r.Use(s.maxBodyMiddleware)
	return r
}

// Handler returns the composed HTTP handler, for tests and for Start.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the Gateway HTTP server on addr, blocking until it exits.
// Per spec.md §6 the caller is expected to pass an address bound to the
// hotspot interface or loopback only.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}
	if s.log != nil {
		s.log.Info("gateway listening", "addr", addr)
	}
	return server.ListenAndServe()
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// syncPolicy re-resolves the active blocklist and pushes it to the Rule
// Engine, used after every admin mutation of PolicyConfig.
func (s *Server) syncPolicy(ctx context.Context) error {
	ips := s.policy.ResolveBlocklist(ctx)
	return s.firewall.SyncPolicy(ips)
}

func clientIPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
