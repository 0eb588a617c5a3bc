package domain

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// OwnerType tags what a ledger account belongs to.
type OwnerType string

const (
	OwnerEscrowHolding OwnerType = "ESCROW_HOLDING"
	OwnerSubwallet     OwnerType = "SUBWALLET"
	OwnerSystem        OwnerType = "SYSTEM"
)

// OwnerRef identifies the owner of a ledger account or subwallet.
type OwnerRef struct {
	Type OwnerType `json:"type"`
	ID   string    `json:"id"`
}

// Direction is the side of a ledger entry. It doubles as an account's normal side.
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// Valid reports whether d is DEBIT or CREDIT.
func (d Direction) Valid() bool {
	return d == Debit || d == Credit
}

// AccountStatus is the lifecycle state of a ledger account.
type AccountStatus string

const (
	AccountActive AccountStatus = "ACTIVE"
	AccountClosed AccountStatus = "CLOSED"
)

// System account purposes. One SYSTEM account exists per purpose and currency.
const (
	SystemRailClearing       = "RAIL_CLEARING"
	SystemSettlementClearing = "SETTLEMENT_CLEARING"
)

// LedgerAccount is a double-entry account. Balance is maintained on every
// posting and must always equal the balance recomputed from its entries.
type LedgerAccount struct {
	ID         uuid.UUID     `json:"id"`
	Owner      OwnerRef      `json:"owner"`
	Currency   string        `json:"currency"`
	NormalSide Direction     `json:"normal_side"`
	Status     AccountStatus `json:"status"`
	Balance    int64         `json:"balance_minor"`
	Version    int64         `json:"version"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// NewLedgerAccount builds an account with the normal side implied by its owner:
// SYSTEM accounts are debit-normal, everything else is credit-normal.
func NewLedgerAccount(owner OwnerRef, currency string, now time.Time) *LedgerAccount {
	normal := Credit
	if owner.Type == OwnerSystem {
		normal = Debit
	}
	return &LedgerAccount{
		ID:         uuid.New(),
		Owner:      owner,
		Currency:   currency,
		NormalSide: normal,
		Status:     AccountActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// SystemOwner returns the owner reference of the SYSTEM account for purpose and currency.
func SystemOwner(purpose, currency string) OwnerRef {
	return OwnerRef{Type: OwnerSystem, ID: purpose + ":" + currency}
}

// AllowsNegative reports whether the account may carry a balance below zero.
// Only SYSTEM clearing accounts mirror external money and may do so.
func (a *LedgerAccount) AllowsNegative() bool {
	return a.Owner.Type == OwnerSystem
}

// SignedAmount returns the effect of an entry on the account balance.
func (a *LedgerAccount) SignedAmount(dir Direction, amount int64) int64 {
	return SignedAmount(a.NormalSide, dir, amount)
}

// SignedAmount returns +amount when dir matches the normal side, -amount otherwise.
func SignedAmount(normal, dir Direction, amount int64) int64 {
	if dir == normal {
		return amount
	}
	return -amount
}

// LedgerEntry is an immutable line of a ledger transaction.
type LedgerEntry struct {
	ID             uuid.UUID `json:"id"`
	Seq            int64     `json:"seq"`
	AccountID      uuid.UUID `json:"account_id"`
	TransactionRef string    `json:"transaction_ref"`
	Direction      Direction `json:"direction"`
	AmountMinor    int64     `json:"amount_minor"`
	Currency       string    `json:"currency"`
	CreatedAt      time.Time `json:"created_at"`
}

// LedgerTransaction groups balanced entries committed under one unique reference.
type LedgerTransaction struct {
	ID                 uuid.UUID     `json:"id"`
	Reference          string        `json:"reference"`
	Currency           string        `json:"currency"`
	Actor              string        `json:"actor"`
	ComplianceOverride bool          `json:"compliance_override"`
	Entries            []LedgerEntry `json:"entries"`
	CreatedAt          time.Time     `json:"created_at"`
}

// Totals returns the sum of debit and credit amounts.
func (t *LedgerTransaction) Totals() (debits, credits int64) {
	for _, e := range t.Entries {
		switch e.Direction {
		case Debit:
			debits += e.AmountMinor
		case Credit:
			credits += e.AmountMinor
		}
	}
	return debits, credits
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// ValidCurrency reports whether code looks like an ISO-4217 alphabetic code.
func ValidCurrency(code string) bool {
	return currencyPattern.MatchString(code)
}
