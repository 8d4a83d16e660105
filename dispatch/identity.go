// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"axonflow/taskdispatch/dispatch/ratelimit"

	"github.com/golang-jwt/jwt/v5"
)

// Header carrying a caller id when no bearer token is presented.
const ClientIDHeader = "X-Client-ID"

var errInvalidToken = errors.New("invalid bearer token")

// CallerClaims are the JWT claims the dispatcher reads. The subject is the
// caller id.
type CallerClaims struct {
	Tier string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// IdentityResolver derives a Caller from a request.
type IdentityResolver struct {
	secret []byte
}

// NewIdentityResolver creates a resolver. With an empty secret bearer tokens
// are rejected and every caller is identified by header or address on the
// free tier.
func NewIdentityResolver(secret string) *IdentityResolver {
	return &IdentityResolver{secret: []byte(secret)}
}

// Resolve returns the caller for r. A presented bearer token must be valid.
func (ir *IdentityResolver) Resolve(r *http.Request) (Caller, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		tokenString, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return Caller{}, fmt.Errorf("%w: expected Bearer scheme", errInvalidToken)
		}
		return ir.parse(strings.TrimSpace(tokenString))
	}
	if id := strings.TrimSpace(r.Header.Get(ClientIDHeader)); id != "" {
		return Caller{ID: id, Tier: ratelimit.TierFree}, nil
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return Caller{ID: "ip:" + host, Tier: ratelimit.TierFree}, nil
	}
	return Anonymous, nil
}

func (ir *IdentityResolver) parse(tokenString string) (Caller, error) {
	if len(ir.secret) == 0 {
		return Caller{}, fmt.Errorf("%w: token authentication is not configured", errInvalidToken)
	}
	claims := &CallerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return ir.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Caller{}, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if claims.Subject == "" {
		return Caller{}, fmt.Errorf("%w: missing subject", errInvalidToken)
	}
	return Caller{ID: claims.Subject, Tier: ratelimit.ParseTier(claims.Tier)}, nil
}

// IssueToken signs a caller token. Used by operators and tests.
func IssueToken(secret, callerID string, tier ratelimit.Tier, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := CallerClaims{
		Tier: string(tier),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   callerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
