package domain

import (
	"time"
)

// Tier classifies an account and bounds how much it may send in one transfer.
type Tier string

const (
	TierOne   Tier = "T1"
	TierTwo   Tier = "T2"
	TierThree Tier = "T3"
)

// Tiers lists every known tier in ascending order.
func Tiers() []Tier {
	return []Tier{TierOne, TierTwo, TierThree}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierOne, TierTwo, TierThree:
		return true
	}
	return false
}

// Account is the persisted account row.
type Account struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
	Tier      Tier      `json:"tier"`
	IsFlagged bool      `json:"isFlagged"`
	IsActive  bool      `json:"isActive"`
	IsAdmin   bool      `json:"isAdmin"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AccountSnapshot is an immutable view of an account at evaluation time.
// It is built fresh for every evaluation and never written back.
type AccountSnapshot struct {
	ID        string    `json:"id"`
	Tier      Tier      `json:"tier"`
	IsFlagged bool      `json:"isFlagged"`
	CreatedAt time.Time `json:"createdAt"`
	FirstName string    `json:"firstName"`
	Email     string    `json:"email"`

	// LastOutgoingTransferAt is nil when the account has never sent a transfer.
	LastOutgoingTransferAt *time.Time `json:"lastOutgoingTransferAt,omitempty"`
}

// Snapshot builds an AccountSnapshot from the account row and the time of its
// most recent outgoing transfer.
func (a *Account) Snapshot(lastOutgoing *time.Time) AccountSnapshot {
	snap := AccountSnapshot{
		ID:        a.ID,
		Tier:      a.Tier,
		IsFlagged: a.IsFlagged,
		CreatedAt: a.CreatedAt,
		FirstName: a.FirstName,
		Email:     a.Email,
	}
	if lastOutgoing != nil {
		t := *lastOutgoing
		snap.LastOutgoingTransferAt = &t
	}
	return snap
}

// AccountUpdate carries the admin-editable account fields. Nil fields are left unchanged.
type AccountUpdate struct {
	Tier      *Tier `json:"tier,omitempty"`
	IsFlagged *bool `json:"isFlagged,omitempty"`
	IsAdmin   *bool `json:"isAdmin,omitempty"`
}
