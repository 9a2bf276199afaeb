package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
)

// Trigger credential locations.
const (
	HeaderCronSecret    = "X-Cron-Secret"
	HeaderCronSignature = "X-Cron-Signature"
	QuerySecret         = "secret"
)

// AuthorizationError rejects a trigger request before any work begins.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "unauthorized: " + e.Reason
}

// Token subjects.
const (
	subjectCron  = "cron"
	subjectStaff = "staff"
)

var errUnexpectedSigningMethod = errors.New("unexpected signing method")

// CronClaims are the claims carried by a signed trigger attestation.
type CronClaims struct {
	Job string `json:"job,omitempty"`
	jwt.RegisteredClaims
}

// SignCronToken issues an attestation for X-Cron-Signature, valid for ttl.
func SignCronToken(secret, job string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("cron secret not set")
	}
	now := time.Now()
	claims := CronClaims{
		Job: job,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectCron,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// authorize accepts the shared secret as a header, query parameter or bearer
// token, or an HS256 attestation signed with it. An empty secret rejects
// every request.
func authorize(r *http.Request, secret string) error {
	if secret == "" {
		return &AuthorizationError{Reason: "trigger secret not configured"}
	}
	if v := r.Header.Get(HeaderCronSecret); v != "" && secretEqual(v, secret) {
		return nil
	}
	if v := r.URL.Query().Get(QuerySecret); v != "" && secretEqual(v, secret) {
		return nil
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && secretEqual(v, secret) {
		return nil
	}
	if token := r.Header.Get(HeaderCronSignature); token != "" {
		if err := verifyCronToken(token, secret); err != nil {
			return &AuthorizationError{Reason: err.Error()}
		}
		return nil
	}
	return &AuthorizationError{Reason: "missing or invalid trigger credential"}
}

func verifyCronToken(tokenString, secret string) error {
	claims := &CronClaims{}
	if err := parseHS256(tokenString, secret, claims); err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if claims.Subject != subjectCron {
		return errors.New("invalid signature: not a trigger token")
	}
	return nil
}

// parseHS256 verifies tokenString against secret and fills claims. exp is
// required.
func parseHS256(tokenString, secret string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errUnexpectedSigningMethod
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("token not valid")
	}
	return nil
}

// StaffClaims identify the staff member behind a staff route request.
type StaffClaims struct {
	Actor string `json:"actor"`
	jwt.RegisteredClaims
}

// SignStaffToken issues a bearer token for staff routes, valid for ttl.
func SignStaffToken(secret, actor string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("staff secret not set")
	}
	now := time.Now()
	claims := StaffClaims{
		Actor: actor,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectStaff,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// authorizeStaff accepts a staff bearer token, or the shared secret as a
// header or bearer value. It returns the actor named by the token, if any.
func authorizeStaff(r *http.Request, secret string) (string, error) {
	if secret == "" {
		return "", &AuthorizationError{Reason: "staff secret not configured"}
	}
	if v := r.Header.Get(HeaderCronSecret); v != "" && secretEqual(v, secret) {
		return "", nil
	}
	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || bearer == "" {
		return "", &AuthorizationError{Reason: "missing staff credential"}
	}
	if secretEqual(bearer, secret) {
		return "", nil
	}
	claims := &StaffClaims{}
	if err := parseHS256(bearer, secret, claims); err != nil {
		return "", &AuthorizationError{Reason: "invalid staff token: " + err.Error()}
	}
	if claims.Subject != subjectStaff {
		return "", &AuthorizationError{Reason: "not a staff token"}
	}
	return claims.Actor, nil
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// requireTrigger wraps a trigger handler with authorization.
func (s *Server) requireTrigger(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := authorize(r, s.opts.CronSecret); err != nil {
			slog.Warn("Server.requireTrigger: rejected trigger", "path", r.URL.Path, "error", err)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
			return
		}
		next(w, r)
	}
}

type actorKey struct{}

// actorFrom returns the staff member named by the request's token, or
// fallback.
func actorFrom(r *http.Request, fallback string) string {
	if actor, ok := r.Context().Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return fallback
}

// requireStaff wraps a staff route with authorization.
func (s *Server) requireStaff(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret := s.opts.StaffSecret
		if secret == "" {
			secret = s.opts.CronSecret
		}
		actor, err := authorizeStaff(r, secret)
		if err != nil {
			slog.Warn("Server.requireStaff: rejected request", "method", r.Method, "path", r.URL.Path, "error", err)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
			return
		}
		if actor != "" {
			r = r.WithContext(context.WithValue(r.Context(), actorKey{}, actor))
		}
		next(w, r)
	}
}
