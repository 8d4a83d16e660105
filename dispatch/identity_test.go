// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"net/http/httptest"
	"testing"
	"time"

	"axonflow/taskdispatch/dispatch/ratelimit"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityResolver(t *testing.T) {
	ir := NewIdentityResolver("s3cret")

	valid, err := IssueToken("s3cret", "acme", ratelimit.TierPro, time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken("s3cret", "acme", ratelimit.TierPro, -time.Minute)
	require.NoError(t, err)
	unknownTier, err := IssueToken("s3cret", "acme", "platinum", time.Hour)
	require.NoError(t, err)
	noSubject, err := IssueToken("s3cret", "", ratelimit.TierPro, time.Hour)
	require.NoError(t, err)
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "acme"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       Caller
		wantErr    bool
	}{
		{name: "bearer token", headers: map[string]string{"Authorization": "Bearer " + valid}, want: Caller{ID: "acme", Tier: ratelimit.TierPro}},
		{name: "unknown tier maps to free", headers: map[string]string{"Authorization": "Bearer " + unknownTier}, want: Caller{ID: "acme", Tier: ratelimit.TierFree}},
		{name: "expired token", headers: map[string]string{"Authorization": "Bearer " + expired}, wantErr: true},
		{name: "missing subject", headers: map[string]string{"Authorization": "Bearer " + noSubject}, wantErr: true},
		{name: "unexpected algorithm", headers: map[string]string{"Authorization": "Bearer " + hs512}, wantErr: true},
		{name: "basic auth", headers: map[string]string{"Authorization": "Basic Zm9vOmJhcg=="}, wantErr: true},
		{name: "client header", headers: map[string]string{ClientIDHeader: "svc-7"}, want: Caller{ID: "svc-7", Tier: ratelimit.TierFree}},
		{name: "remote address", remoteAddr: "10.1.2.3:4567", want: Caller{ID: "ip:10.1.2.3", Tier: ratelimit.TierFree}},
		{name: "nothing", remoteAddr: "garbage", want: Anonymous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/tasks/submit", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			got, err := ir.Resolve(req)
			if tt.wantErr {
				assert.ErrorIs(t, err, errInvalidToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIdentityResolver_NoSecretRejectsTokens(t *testing.T) {
	token, err := IssueToken("anything", "acme", ratelimit.TierPro, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/tasks/submit", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, err = NewIdentityResolver("").Resolve(req)
	assert.ErrorIs(t, err, errInvalidToken)
}
