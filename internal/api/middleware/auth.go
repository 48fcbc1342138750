package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/drfirst/go-rxdispense/internal/domain/prescription"
)

// Claims are the token claims asserted by the identity service. The subject
// is the caller's id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type actorHolder struct {
	actor prescription.Actor
}

const actorHolderKey contextKey = "actor_holder"

// JWTConfig configures bearer token validation
type JWTConfig struct {
	Secret []byte
	// Issuer is checked when set
	Issuer string
}

func validRole(r prescription.Role) bool {
	switch r {
	case prescription.RoleDoctor, prescription.RolePharmacist, prescription.RoleNurse, prescription.RoleAdmin:
		return true
	}
	return false
}

// ParseToken validates an HS256 token and returns the actor it names.
func ParseToken(cfg JWTConfig, raw string) (prescription.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return cfg.Secret, nil
	}, opts...)
	if err != nil {
		return prescription.Actor{}, err
	}

	actor := prescription.Actor{SubjectID: claims.Subject, Role: prescription.Role(claims.Role)}
	if actor.SubjectID == "" {
		return prescription.Actor{}, errors.New("token has no subject")
	}
	if !validRole(actor.Role) {
		return prescription.Actor{}, fmt.Errorf("unknown role %q", claims.Role)
	}
	return actor, nil
}

// IssueToken signs a token for actor. The API only verifies tokens; this is
// used by rxctl and tests.
func IssueToken(cfg JWTConfig, actor prescription.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.SubjectID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
}

// JWTAuth requires a valid bearer token and attaches its actor to the
// request context.
func JWTAuth(cfg JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			actor, err := ParseToken(cfg, raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			if h, ok := r.Context().Value(actorHolderKey).(*actorHolder); ok {
				h.actor = actor
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// WithActor returns ctx carrying actor
func WithActor(ctx context.Context, actor prescription.Actor) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// GetActor extracts the authenticated actor from context
func GetActor(ctx context.Context) (prescription.Actor, bool) {
	a, ok := ctx.Value(ActorKey).(prescription.Actor)
	return a, ok
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...prescription.Role) func(http.Handler) http.Handler {
	allowed := make(map[prescription.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := GetActor(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !allowed[actor.Role] {
				writeError(w, http.StatusForbidden, fmt.Sprintf("role %s may not perform this action", actor.Role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
