package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auth-guard/internal/domain"
)

// AbuseTracker admits or rejects requests per client identity and escalates
// bans for repeat offenders. State lives in the storage; the tracker owns no
// goroutines and expiry is evaluated on the next access.
type AbuseTracker struct {
	storage domain.AbuseStorage
	policy  domain.AbusePolicy
	logger  domain.Logger
	now     func() time.Time
}

// NewAbuseTracker creates a tracker enforcing policy on storage
func NewAbuseTracker(storage domain.AbuseStorage, policy domain.AbusePolicy, logger domain.Logger) *AbuseTracker {
	return &AbuseTracker{
		storage: storage,
		policy:  policy,
		logger:  logger,
		now:     time.Now,
	}
}

// Admit counts one request from identity and reports whether it may proceed.
// Admission depends only on the current ban; history only sizes the next ban.
func (t *AbuseTracker) Admit(ctx context.Context, identity string) (*domain.Admission, error) {
	if identity == "" {
		return nil, domain.E(domain.KindInvalid, "Admit", errors.New("identity is required"))
	}

	now := t.now()
	result, err := t.storage.Hit(ctx, identity, t.policy, now)
	if err != nil {
		t.logger.Error("Failed to record request", err, map[string]interface{}{
			"identity": identity,
		})
		return nil, fmt.Errorf("failed to admit %s: %w", identity, err)
	}

	if !result.Banned {
		t.logger.Debug("Request admitted", map[string]interface{}{
			"identity": identity,
			"count":    result.Count,
		})
		return &domain.Admission{Allowed: true}, nil
	}

	if result.NewlyBanned {
		t.logger.Warn("Identity banned", map[string]interface{}{
			"identity":     identity,
			"tier":         result.History,
			"ban_duration": result.BanDuration.String(),
			"banned_until": result.BannedUntil,
		})
	}

	return &domain.Admission{
		Allowed:    false,
		RetryAfter: result.BannedUntil.Sub(now),
		Tier:       result.History,
	}, nil
}

// RecordBan bans identity at its next tier regardless of request volume
func (t *AbuseTracker) RecordBan(ctx context.Context, identity string) (*domain.Admission, error) {
	if identity == "" {
		return nil, domain.E(domain.KindInvalid, "RecordBan", errors.New("identity is required"))
	}

	now := t.now()
	result, err := t.storage.Ban(ctx, identity, t.policy, now)
	if err != nil {
		return nil, fmt.Errorf("failed to ban %s: %w", identity, err)
	}

	t.logger.Warn("Identity banned by operator", map[string]interface{}{
		"identity":     identity,
		"tier":         result.History,
		"ban_duration": result.BanDuration.String(),
	})

	return &domain.Admission{
		Allowed:    false,
		RetryAfter: result.BannedUntil.Sub(now),
		Tier:       result.History,
	}, nil
}

// ClearBan lifts any ban on identity and forgets its history
func (t *AbuseTracker) ClearBan(ctx context.Context, identity string) error {
	if identity == "" {
		return domain.E(domain.KindInvalid, "ClearBan", errors.New("identity is required"))
	}

	if err := t.storage.Reset(ctx, identity); err != nil {
		return fmt.Errorf("failed to clear ban of %s: %w", identity, err)
	}

	t.logger.Info("Identity ban cleared", map[string]interface{}{
		"identity": identity,
	})
	return nil
}

// HistoryTier returns how many bans identity has accumulated, capped at the number of tiers
func (t *AbuseTracker) HistoryTier(ctx context.Context, identity string) (int, error) {
	status, err := t.storage.Get(ctx, identity, t.now())
	if err != nil {
		return 0, fmt.Errorf("failed to read history of %s: %w", identity, err)
	}
	if status == nil {
		return 0, nil
	}

	if limit := len(t.policy.BanTiers); status.BanHistory > limit {
		return limit, nil
	}
	return status.BanHistory, nil
}

// Status returns the tracked record for identity, or an untracked zero record
func (t *AbuseTracker) Status(ctx context.Context, identity string) (*domain.AbuseStatus, error) {
	status, err := t.storage.Get(ctx, identity, t.now())
	if err != nil {
		return nil, fmt.Errorf("failed to read status of %s: %w", identity, err)
	}
	if status == nil {
		return &domain.AbuseStatus{Identity: identity}, nil
	}
	return status, nil
}

// Policy returns the policy the tracker enforces
func (t *AbuseTracker) Policy() domain.AbusePolicy {
	return t.policy
}
