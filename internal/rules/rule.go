// Package rules provides the transfer risk rule set and the policy engine
// that evaluates it.
package rules

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Rule is a single fraud check. Evaluate must be pure: everything it reads
// is in the snapshots, the amount and the evaluation instant.
type Rule interface {
	// Name is the stable identifier used in metrics and the API.
	Name() string

	// Evaluate returns the reason line and true when the rule is violated.
	Evaluate(sender, receiver domain.AccountSnapshot, amount decimal.Decimal, now time.Time) (string, bool)
}

// Rule names.
const (
	RuleNewRecipient     = "new_recipient"
	RuleFlaggedRecipient = "flagged_recipient"
	RuleTierLimit        = "tier_limit"
	RuleMinInterval      = "min_interval"
	RuleAbsoluteMax      = "absolute_max"
)

// NewRuleSet builds the ordered rule set for cfg. The order determines the
// order of lines in a violation report.
func NewRuleSet(cfg domain.PolicyConfig) ([]Rule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return DefaultRules(cfg), nil
}

// DefaultRules returns the five built-in rules in evaluation order without
// validating cfg.
func DefaultRules(cfg domain.PolicyConfig) []Rule {
	limits := make(map[domain.Tier]decimal.Decimal, len(cfg.TierLimits))
	for tier, limit := range cfg.TierLimits {
		limits[tier] = limit
	}

	return []Rule{
		NewRecipientRule{Window: cfg.NewAccountWindow},
		FlaggedRecipientRule{},
		TierLimitRule{Limits: limits},
		MinIntervalRule{Interval: cfg.MinTransferInterval},
		AbsoluteMaxRule{Max: cfg.AbsoluteMaxAmount},
	}
}

// RuleNames lists the names of rules in order.
func RuleNames(rules []Rule) []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name()
	}
	return names
}

// NewRecipientRule fires when the receiver was created less than Window ago.
type NewRecipientRule struct {
	Window time.Duration
}

func (NewRecipientRule) Name() string { return RuleNewRecipient }

func (r NewRecipientRule) Evaluate(_, receiver domain.AccountSnapshot, _ decimal.Decimal, now time.Time) (string, bool) {
	if now.Sub(receiver.CreatedAt) < r.Window {
		return "Recipient account is new.", true
	}
	return "", false
}

// FlaggedRecipientRule fires when the receiver carries the flagged mark.
type FlaggedRecipientRule struct{}

func (FlaggedRecipientRule) Name() string { return RuleFlaggedRecipient }

func (FlaggedRecipientRule) Evaluate(_, receiver domain.AccountSnapshot, _ decimal.Decimal, _ time.Time) (string, bool) {
	if receiver.IsFlagged {
		return "Recipient account is flagged.", true
	}
	return "", false
}

// TierLimitRule fires when the amount exceeds the sender's tier limit.
// A tier without a limit entry has a limit of zero.
type TierLimitRule struct {
	Limits map[domain.Tier]decimal.Decimal
}

func (TierLimitRule) Name() string { return RuleTierLimit }

func (r TierLimitRule) Evaluate(sender, _ domain.AccountSnapshot, amount decimal.Decimal, _ time.Time) (string, bool) {
	limit := r.Limits[sender.Tier]
	if amount.GreaterThan(limit) {
		return fmt.Sprintf("Transaction amount of %s is above %s, your tier limit.",
			FormatAmount(amount), FormatLimit(limit)), true
	}
	return "", false
}

// MinIntervalRule fires when the sender's previous outgoing transfer is
// less than Interval old.
type MinIntervalRule struct {
	Interval time.Duration
}

func (MinIntervalRule) Name() string { return RuleMinInterval }

func (r MinIntervalRule) Evaluate(sender, _ domain.AccountSnapshot, _ decimal.Decimal, now time.Time) (string, bool) {
	last := sender.LastOutgoingTransferAt
	if last == nil {
		return "", false
	}
	if now.Sub(*last) < r.Interval {
		return fmt.Sprintf("Transaction violated %s timing window.", FormatWindow(r.Interval)), true
	}
	return "", false
}

// AbsoluteMaxRule fires when the amount exceeds the system-wide ceiling.
type AbsoluteMaxRule struct {
	Max decimal.Decimal
}

func (AbsoluteMaxRule) Name() string { return RuleAbsoluteMax }

func (r AbsoluteMaxRule) Evaluate(_, _ domain.AccountSnapshot, amount decimal.Decimal, _ time.Time) (string, bool) {
	if amount.GreaterThan(r.Max) {
		return fmt.Sprintf("Transaction amount of %s is above %s max limit.",
			FormatAmount(amount), FormatLimit(r.Max)), true
	}
	return "", false
}
