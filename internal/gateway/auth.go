package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"wardennet/internal/clock"
	"wardennet/internal/session"
)

type ctxKey int

const claimsCtxKey ctxKey = iota

// claims carries the identity and role of the authenticated caller. Tokens
// are opaque to the client (spec.md §6: "bearer, opaque to the core") and
// exist only so a client can later call /logout or, for admins, reach the
// /admin/* routes.
type claims struct {
	UserID string      `json:"user_id"`
	Role   session.Role `json:"role"`
	jwt.RegisteredClaims
}

type tokenIssuer struct {
	secret []byte
}

func newTokenIssuer(secret []byte) *tokenIssuer {
	return &tokenIssuer{secret: secret}
}

func (t *tokenIssuer) issue(userID string, role session.Role) (string, error) {
	now := clock.Now()
	c := claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(t.secret)
}

func (t *tokenIssuer) parse(tokenStr string) (*claims, error) {
	c := &claims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, c, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return c, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

// requireAdmin enforces that the bearer token's role claim is "admin"
// (spec.md §6: "All admin routes require a token whose claims include
// role=admin").
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		c, err := s.jwt.parse(tok)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if c.Role != session.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		ctx := context.WithValue(r.Context(), claimsCtxKey, c)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
