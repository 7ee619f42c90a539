// Package auth turns a bearer token into the fulfillment actor making the
// request.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/internal/fulfillment"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
	"github.com/sirupsen/logrus"
)

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	logger *logrus.Logger
}

func NewVerifier(secret string, logger *logrus.Logger) *Verifier {
	return &Verifier{secret: []byte(secret), logger: logger}
}

// Verify checks the HS256 signature and expiry and returns the actor named by
// the sub and role claims.
func (v *Verifier) Verify(token string) (fulfillment.Actor, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return fulfillment.Actor{}, apperr.Unauthorized("token has expired")
		}
		return fulfillment.Actor{}, apperr.Unauthorized("invalid token")
	}

	role := models.Role(claims.Role)
	if claims.Subject == "" || !role.Valid() {
		return fulfillment.Actor{}, apperr.Unauthorized("token is missing subject or role")
	}
	return fulfillment.Actor{UserID: claims.Subject, Role: role}, nil
}

// Issue signs a token for actor. The storefront normally issues tokens; this
// is used by tooling and tests.
func (v *Verifier) Issue(actor fulfillment.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type contextKey struct{}

func WithActor(ctx context.Context, actor fulfillment.Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

func ActorFrom(ctx context.Context) (fulfillment.Actor, bool) {
	actor, ok := ctx.Value(contextKey{}).(fulfillment.Actor)
	return actor, ok
}

// Middleware rejects requests without a valid bearer token. The websocket
// endpoint may pass the token as the token query parameter since browsers
// cannot set headers on the upgrade request.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			unauthorized(w, "authentication required")
			return
		}

		actor, err := v.Verify(token)
		if err != nil {
			v.logger.WithFields(logrus.Fields{
				"path":  r.URL.Path,
				"error": err.Error(),
			}).Debug("Rejected bearer token")
			unauthorized(w, apperr.Message(err))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"message": message,
	})
}
