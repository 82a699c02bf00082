// Package breaker implements the persisted trading halt switch. While
// the breaker is active the engine still manages exits for open
// positions; it only stops placing fresh ladders for newly adopted
// positions and the risk guard reports a zero budget.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"exitguard/approval"
	"exitguard/logger"
	"exitguard/notify"
	"exitguard/store"
)

// ErrApprovalFailed marks a SetOff that was denied, expired or timed
// out at the approval gate. The breaker state is unchanged.
var ErrApprovalFailed = errors.New("approval failed")

// Well-known sources recorded with a state change.
const (
	SourceManual    = "manual"
	SourceAPI       = "api"
	SourceRiskGuard = "risk_guard"
	SourceTTL       = "ttl_expiry"
)

// Breaker wraps the persisted state with notification, TTL expiry and
// the approval gate on SetOff.
type Breaker struct {
	states   *store.BreakerStore
	notifier notify.Notifier
	approver *approval.Client // nil = approvals disabled
	scope    string           // account scope reported to the approval service

	cooldown time.Duration
	now      func() time.Time

	mu           sync.Mutex
	lastNotified time.Time
}

// New builds a breaker. notifier may not be nil (use notify.Nop);
// approver may be nil to skip the human gate.
func New(states *store.BreakerStore, notifier notify.Notifier, approver *approval.Client, scope string, cooldown time.Duration) *Breaker {
	return &Breaker{
		states:   states,
		notifier: notifier,
		approver: approver,
		scope:    scope,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Status returns the current state with TTL expiry applied lazily:
// an active state past its TTL is persisted off before returning.
func (b *Breaker) Status() (store.BreakerState, error) {
	state, err := b.states.Get()
	if err != nil {
		return store.BreakerState{}, err
	}
	if !state.Expired(b.now()) {
		return state, nil
	}

	cleared := store.BreakerState{
		Active: false,
		Reason: fmt.Sprintf("ttl expired (was: %s)", state.Reason),
		SetAt:  b.now().UTC(),
		Source: SourceTTL,
	}
	if err := b.states.Save(cleared); err != nil {
		return store.BreakerState{}, err
	}
	logger.Infof("Breaker TTL expired, cleared (was: %s)", state.Reason)
	b.notifier.Notify("✅ Breaker auto-cleared: TTL expired")
	return cleared, nil
}

// Active reports whether the breaker currently halts new ladders.
// Storage errors fail closed: unknown state counts as active.
func (b *Breaker) Active() bool {
	state, err := b.Status()
	if err != nil {
		logger.Errorf("Breaker state unavailable, failing closed: %v", err)
		return true
	}
	return state.Active
}

// SetOn trips the breaker. ttl of zero means it stays on until
// cleared. Re-tripping inside the notify cooldown refreshes the state
// silently; at most one message goes out per cooldown window.
func (b *Breaker) SetOn(reason, source string, ttl time.Duration) error {
	state := store.BreakerState{
		Active:     true,
		Reason:     reason,
		SetAt:      b.now().UTC(),
		TTLSeconds: int64(ttl / time.Second),
		Source:     source,
	}
	if err := b.states.Save(state); err != nil {
		return fmt.Errorf("failed to trip breaker: %w", err)
	}
	logger.Warnf("Breaker ON (reason=%s source=%s ttl=%s)", reason, source, ttl)

	b.mu.Lock()
	muted := b.now().Sub(b.lastNotified) < b.cooldown
	if !muted {
		b.lastNotified = b.now()
	}
	b.mu.Unlock()
	if !muted {
		msg := fmt.Sprintf("🛑 <b>Breaker ON</b> • reason: %s • source: %s", reason, source)
		if ttl > 0 {
			msg += fmt.Sprintf(" • auto-off in %s", ttl)
		}
		b.notifier.Notify(msg)
	}
	return nil
}

// SetOff clears the breaker. When an approval client is configured
// the call blocks until a human approves; denial or timeout leaves
// the breaker on.
func (b *Breaker) SetOff(ctx context.Context, source string) error {
	if b.approver != nil {
		reason := fmt.Sprintf("clear breaker via %s", source)
		if _, err := b.approver.Require(ctx, "disable_breaker", b.scope, reason); err != nil {
			return fmt.Errorf("breaker stays on: %w: %w", ErrApprovalFailed, err)
		}
	}

	state := store.BreakerState{
		Active: false,
		Reason: "cleared",
		SetAt:  b.now().UTC(),
		Source: source,
	}
	if err := b.states.Save(state); err != nil {
		return fmt.Errorf("failed to clear breaker: %w", err)
	}
	logger.Infof("Breaker OFF (source=%s)", source)

	// a trip after an explicit clear should always notify
	b.mu.Lock()
	b.lastNotified = time.Time{}
	b.mu.Unlock()
	b.notifier.Notify("✅ <b>Breaker OFF</b> • new ladders re-enabled")
	return nil
}

// Extend pushes the expiry of an active breaker out to now+ttl. It is
// a no-op error when the breaker is not active.
func (b *Breaker) Extend(ttl time.Duration) error {
	state, err := b.Status()
	if err != nil {
		return err
	}
	if !state.Active {
		return fmt.Errorf("breaker is not active")
	}
	state.SetAt = b.now().UTC()
	state.TTLSeconds = int64(ttl / time.Second)
	if err := b.states.Save(state); err != nil {
		return fmt.Errorf("failed to extend breaker: %w", err)
	}
	logger.Infof("Breaker extended by %s (reason=%s)", ttl, state.Reason)
	return nil
}
