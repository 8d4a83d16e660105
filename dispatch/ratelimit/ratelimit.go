// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package ratelimit enforces per-caller fixed-window quotas by tier.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Tier is a caller's service level.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier maps a string to a tier. Unknown values map to free.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierPro:
		return TierPro
	case TierEnterprise:
		return TierEnterprise
	default:
		return TierFree
	}
}

// Limit is the number of requests allowed per period.
type Limit struct {
	Requests int           `yaml:"requests" json:"requests"`
	Period   time.Duration `yaml:"period" json:"period"`
}

// Limits maps tiers to their quotas.
type Limits map[Tier]Limit

// DefaultLimits returns the built-in quotas.
func DefaultLimits() Limits {
	return Limits{
		TierFree:       {Requests: 10, Period: time.Minute},
		TierPro:        {Requests: 100, Period: time.Minute},
		TierEnterprise: {Requests: 1000, Period: time.Minute},
	}
}

// For returns the quota for tier, falling back to the free tier.
func (l Limits) For(tier Tier) Limit {
	if lim, ok := l[tier]; ok && lim.Requests > 0 && lim.Period > 0 {
		return lim
	}
	if lim, ok := l[TierFree]; ok && lim.Requests > 0 && lim.Period > 0 {
		return lim
	}
	return DefaultLimits()[TierFree]
}

// Decision is the outcome of one quota check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter checks and consumes quota. Allow never blocks waiting for a slot;
// rejected calls consume nothing.
type Limiter interface {
	Allow(ctx context.Context, callerID string, tier Tier) Decision
}

func quotaKey(callerID string, tier Tier) string {
	return string(tier) + ":" + callerID
}
