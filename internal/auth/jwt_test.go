package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/internal/fulfillment"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
	"github.com/sirupsen/logrus"
)

func newTestVerifier() *Verifier {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewVerifier("test-secret", logger)
}

func TestIssueAndVerify(t *testing.T) {
	v := newTestVerifier()
	token, err := v.Issue(fulfillment.Actor{UserID: "rider-1", Role: models.RoleDelivery}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	actor, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if actor.UserID != "rider-1" || actor.Role != models.RoleDelivery {
		t.Errorf("actor = %+v", actor)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := newTestVerifier()
	expired, _ := v.Issue(fulfillment.Actor{UserID: "u", Role: models.RoleUser}, -time.Minute)
	otherKey, _ := NewVerifier("other", v.logger).Issue(fulfillment.Actor{UserID: "u", Role: models.RoleUser}, time.Hour)
	badRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             "superuser",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(v.secret)
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             "admin",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u"},
	}).SignedString(v.secret)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong key", otherKey},
		{"unknown role", badRole},
		{"no expiry", noExpiry},
		{"garbage", "not-a-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !apperr.Is(err, apperr.KindAuthorization) {
				t.Errorf("Verify() error = %v, want authorization", err)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	v := newTestVerifier()
	token, _ := v.Issue(fulfillment.Actor{UserID: "buyer-1", Role: models.RoleUser}, time.Hour)

	var seen fulfillment.Actor
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ActorFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"bearer header", "Bearer " + token, "", http.StatusNoContent},
		{"query token", "", "?token=" + token, http.StatusNoContent},
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = fulfillment.Actor{}
			req := httptest.NewRequest(http.MethodGet, "/orders/1"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusNoContent && seen.UserID != "buyer-1" {
				t.Errorf("actor = %+v", seen)
			}
		})
	}
}
