package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferRequestValidate(t *testing.T) {
	amount := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }

	valid := []TransferRequest{
		{SenderID: "a", ReceiverID: "b", Amount: amount("1")},
		{SenderID: "a", ReceiverID: "b", Amount: amount("1.00")},
		{SenderID: "a", ReceiverID: "b", Amount: amount("99.99")},
		{SenderID: "a", ReceiverID: "b", Amount: amount("6000000")},
	}
	for _, req := range valid {
		assert.NoError(t, req.Validate(), "amount %s", req.Amount)
	}

	invalid := map[string]TransferRequest{
		"SelfTransfer":    {SenderID: "a", ReceiverID: "a", Amount: amount("10")},
		"MissingSender":   {ReceiverID: "b", Amount: amount("10")},
		"MissingReceiver": {SenderID: "a", Amount: amount("10")},
		"Zero":            {SenderID: "a", ReceiverID: "b", Amount: decimal.Zero},
		"Negative":        {SenderID: "a", ReceiverID: "b", Amount: amount("-1")},
		"BelowMinimum":    {SenderID: "a", ReceiverID: "b", Amount: amount("0.99")},
		"ThreeDecimals":   {SenderID: "a", ReceiverID: "b", Amount: amount("10.005")},
	}
	for name, req := range invalid {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, req.Validate(), ErrInvalidRequest)
		})
	}
}

func TestNewPolicyDecision(t *testing.T) {
	clean := NewPolicyDecision(nil)
	assert.False(t, clean.IsFlagged)
	assert.Empty(t, clean.Report)

	assert.False(t, NewPolicyDecision(ViolationReport{}).IsFlagged)

	report := ViolationReport{"Recipient account is new."}
	flagged := NewPolicyDecision(report)
	assert.True(t, flagged.IsFlagged)
	assert.Equal(t, report, flagged.Report)

	report[0] = "changed"
	assert.Equal(t, "Recipient account is new.", flagged.Report[0], "decision must own its report")
}

func TestViolationReport(t *testing.T) {
	report := ViolationReport{"Recipient account is new.", "Recipient account is flagged."}

	assert.Equal(t, "Recipient account is new.\nRecipient account is flagged.\n", report.String())
	assert.Equal(t, "Recipient account is new.<br>Recipient account is flagged.<br>", report.HTML())
	assert.Equal(t, report, ParseViolationReport(report.String()))

	assert.Equal(t, "", ViolationReport(nil).String())
	assert.Equal(t, "", ViolationReport(nil).HTML())
	assert.Nil(t, ParseViolationReport(""))
}

func TestPolicyConfigValidate(t *testing.T) {
	require.NoError(t, DefaultPolicyConfig().Validate())

	mutate := map[string]func(*PolicyConfig){
		"ZeroWindow":     func(p *PolicyConfig) { p.NewAccountWindow = 0 },
		"ZeroInterval":   func(p *PolicyConfig) { p.MinTransferInterval = 0 },
		"ZeroCeiling":    func(p *PolicyConfig) { p.AbsoluteMaxAmount = decimal.Zero },
		"MissingTier":    func(p *PolicyConfig) { delete(p.TierLimits, TierTwo) },
		"NegativeLimits": func(p *PolicyConfig) { p.TierLimits[TierOne] = decimal.NewFromInt(-1) },
	}
	for name, fn := range mutate {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultPolicyConfig()
			fn(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAccountSnapshot(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	account := &Account{
		ID:        "acc-1",
		Email:     "ada@example.com",
		FirstName: "Ada",
		Tier:      TierTwo,
		IsFlagged: true,
		CreatedAt: created,
	}

	never := account.Snapshot(nil)
	assert.Nil(t, never.LastOutgoingTransferAt)
	assert.Equal(t, TierTwo, never.Tier)
	assert.True(t, never.IsFlagged)
	assert.Equal(t, created, never.CreatedAt)

	last := created.Add(time.Hour)
	snap := account.Snapshot(&last)
	require.NotNil(t, snap.LastOutgoingTransferAt)

	last = last.Add(time.Hour)
	assert.Equal(t, created.Add(time.Hour), *snap.LastOutgoingTransferAt, "snapshot must not alias the caller's time")
}

func TestTier(t *testing.T) {
	for _, tier := range Tiers() {
		assert.True(t, tier.Valid())
	}
	assert.False(t, Tier("T4").Valid())
	assert.False(t, Tier("").Valid())
}

func TestConfigPresets(t *testing.T) {
	standalone := DefaultConfig()
	assert.Equal(t, DeploymentStandalone, standalone.Deployment)
	assert.Equal(t, "local", standalone.Gate.Type)
	assert.NoError(t, standalone.Policy.Validate())

	distributed := DistributedConfig()
	assert.Equal(t, DeploymentDistributed, distributed.Deployment)
	assert.Equal(t, "redis", distributed.Gate.Type)
	assert.Equal(t, "postgres", distributed.Repository.Driver)
}
