// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

// Package detect evaluates a session's recent invocation history against
// configurable anti-pattern rules and drives the per-session circuit
// breaker. State is loaded from and written back to the store on every
// evaluation; nothing is held in memory between calls.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tollgate-dev/tollgate/internal/store"
	"github.com/tollgate-dev/tollgate/pkg/types"
)

// Detector is the per-session pattern detector / circuit breaker.
type Detector struct {
	policy *Policy
	states store.ViolationStore
	log    *slog.Logger
	now    func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the detector's time source. Tests use it to drive
// burst collapsing and decay deterministically.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New creates a Detector. A nil policy uses the built-in default.
func New(policy *Policy, states store.ViolationStore, log *slog.Logger, opts ...Option) *Detector {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Detector{
		policy: policy,
		states: states,
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HistoryLimit is how many recent events the gateway should load for an
// evaluation.
func (d *Detector) HistoryLimit() int {
	return d.policy.HistoryLimit
}

// Evaluate runs one enforcement evaluation for the session. history is the
// session's recent events ordered by sequence ascending; the incoming
// invocation is not yet part of it. A non-nil error signals a degraded
// evaluation: the returned decision is still usable and fails open.
func (d *Detector) Evaluate(ctx context.Context, sessionID string, desc *types.Descriptor, history []*store.Event) (*types.Decision, error) {
	now := d.now()

	state, err := d.loadState(ctx, sessionID)
	if err != nil {
		// Enforcement must never block legitimate work because its own
		// storage is degraded.
		d.log.Warn("violation state unavailable, failing open",
			"session_id", sessionID, "error", err)
		return &types.Decision{
			Allow:     true,
			Level:     types.LevelNormal,
			Message:   "enforcement degraded: violation state unavailable",
			SessionID: sessionID,
			Degraded:  true,
		}, err
	}

	// Idle decay runs before the evaluation proceeds: a session that has
	// been quiet for the full window starts from a clean slate.
	if !state.LastViolationAt.IsZero() && now.Sub(state.LastViolationAt) >= d.policy.DecayWindow {
		state.RuleCounters = map[string]int{}
		state.TotalViolations = 0
		state.LastViolationAt = time.Time{}
		state.Level = string(types.LevelNormal)
	}

	decision := d.transition(state, desc, history, now)
	decision.SessionID = sessionID
	state.Level = string(decision.Level)
	state.UpdatedAt = now

	if err := d.states.PutViolationState(ctx, state); err != nil {
		d.log.Warn("persisting violation state failed",
			"session_id", sessionID, "error", err)
		return decision, err
	}
	return decision, nil
}

// transition computes the next escalation level from the consecutive-run
// counters, the cumulative violation count, and the burst/breaker config.
func (d *Detector) transition(state *store.ViolationState, desc *types.Descriptor, history []*store.Event, now time.Time) *types.Decision {
	if state.RuleCounters == nil {
		state.RuleCounters = map[string]int{}
	}

	// Refresh consecutive counters from the durable history plus the
	// incoming call. The history is authoritative: it is ordered, dedup
	// protected, and survives process boundaries. Events older than the
	// decay horizon do not extend a run: an idle session starts clean.
	cutoff := now.Add(-d.policy.DecayWindow)
	matched := d.policy.ruleFor(desc.ToolName)
	for i := range d.policy.Rules {
		rule := &d.policy.Rules[i]
		run := consecutiveRun(history, rule, cutoff)
		if matched != nil && matched.Name == rule.Name {
			run++
		} else {
			run = 0
		}
		state.RuleCounters[rule.Name] = run
	}

	var crossing *Rule
	overshoot := 0
	if matched != nil {
		run := state.RuleCounters[matched.Name]
		if run >= matched.Threshold {
			crossing = matched
			overshoot = run - matched.Threshold
		}
	}

	if crossing != nil {
		// Rapid-sequence collapsing: crossings inside the burst window
		// share a single violation increment. The anchor moves only when a
		// violation is counted, so a sustained stream of crossings still
		// accumulates one violation per window.
		if state.LastViolationAt.IsZero() || now.Sub(state.LastViolationAt) >= d.policy.BurstWindow {
			state.TotalViolations++
			state.LastViolationAt = now
		}
	}

	// The breaker stays open for every call until decay or explicit reset.
	if state.TotalViolations >= d.policy.BreakerThreshold {
		ruleName := "circuit_breaker"
		if crossing != nil {
			ruleName = crossing.Name
		}
		return &types.Decision{
			Allow:       false,
			Level:       types.LevelBlocked,
			MatchedRule: ruleName,
			Message: fmt.Sprintf(
				"blocked: %d cumulative violations reached the circuit breaker threshold of %d (last rule: %s); the block lifts after %s without violations, or on explicit session reset",
				state.TotalViolations, d.policy.BreakerThreshold, ruleName, d.policy.DecayWindow),
		}
	}

	if crossing == nil {
		return &types.Decision{Allow: true, Level: types.LevelNormal, Message: "ok"}
	}

	level := escalation(overshoot)
	return &types.Decision{
		Allow:       true,
		Level:       level,
		MatchedRule: crossing.Name,
		Message:     d.guidance(crossing, state.RuleCounters[crossing.Name], level),
	}
}

// Reset clears a session's accumulated violation state.
func (d *Detector) Reset(ctx context.Context, sessionID string) error {
	return d.states.ResetViolationState(ctx, sessionID)
}

func (d *Detector) loadState(ctx context.Context, sessionID string) (*store.ViolationState, error) {
	state, err := d.states.GetViolationState(ctx, sessionID)
	if err == nil {
		return state, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		// Lazily created on first evaluation.
		return &store.ViolationState{
			SessionID:    sessionID,
			Level:        string(types.LevelNormal),
			RuleCounters: map[string]int{},
		}, nil
	}
	return nil, err
}

// consecutiveRun counts the run of events at the tail of history whose tools
// belong to the rule's class. Events before the cutoff break the run.
// Diagnostic markers the gateway interleaves into the log are not worker
// activity and are transparent to the count.
func consecutiveRun(history []*store.Event, rule *Rule, cutoff time.Time) int {
	run := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ToolName == types.DiagnosticTool {
			continue
		}
		if history[i].Timestamp.Before(cutoff) {
			break
		}
		if rule != nil && ruleContains(rule, history[i].ToolName) {
			run++
			continue
		}
		break
	}
	return run
}

func ruleContains(rule *Rule, tool string) bool {
	for _, t := range rule.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// escalation maps how far past the threshold a run has gone onto a level.
func escalation(overshoot int) types.Level {
	switch {
	case overshoot <= 0:
		return types.LevelGuidance
	case overshoot == 1:
		return types.LevelImperative
	default:
		return types.LevelFinalWarning
	}
}

func (d *Detector) guidance(rule *Rule, run int, level types.Level) string {
	if rule.Message != "" {
		return rule.Message
	}
	switch level {
	case types.LevelImperative:
		return fmt.Sprintf("stop: rule %s matched %d consecutive calls (threshold %d); change approach now",
			rule.Name, run, rule.Threshold)
	case types.LevelFinalWarning:
		return fmt.Sprintf("final warning: rule %s matched %d consecutive calls (threshold %d); continued repetition will trip the circuit breaker",
			rule.Name, run, rule.Threshold)
	default:
		return fmt.Sprintf("guidance: rule %s matched %d consecutive calls (threshold %d); consider varying your approach",
			rule.Name, run, rule.Threshold)
	}
}
