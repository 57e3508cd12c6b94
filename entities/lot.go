package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

type AcquisitionKind string

const (
	KindPurchase      AcquisitionKind = "purchase"
	KindStakingIncome AcquisitionKind = "staking-income"
	KindVotingIncome  AcquisitionKind = "voting-income"
	KindRentIncome    AcquisitionKind = "rent-income"
	KindTransferIn    AcquisitionKind = "transfer-in"
)

// Lot is a discrete acquisition of the tracked asset. Quantity and the
// acquisition terms are immutable after creation; only Remaining changes,
// decreasing as disposals consume the lot. A lot with Remaining == 0 is
// closed but is kept forever for the audit trail.
type Lot struct {
	ID         uint64          `json:"id"`
	Account    string          `json:"account"`
	AcquiredAt time.Time       `json:"acquiredAt"`
	Quantity   uint64          `json:"quantity"` // base units
	Remaining  uint64          `json:"remaining"`
	UnitPrice  decimal.Decimal `json:"unitPrice"` // reference currency per whole asset
	Kind       AcquisitionKind `json:"kind"`
}

func (l *Lot) Open() bool {
	return l.Remaining > 0
}

// CostBasis is the reference-currency cost of a quantity taken from this lot.
func (l *Lot) CostBasis(quantity uint64) decimal.Decimal {
	return l.UnitPrice.Mul(AssetQuantity(quantity))
}

// IncomeKind maps a reward source to the acquisition kind of the lot it opens.
func (k RewardKind) IncomeKind() AcquisitionKind {
	switch k {
	case RewardVote:
		return KindVotingIncome
	case RewardStake:
		return KindStakingIncome
	case RewardValidatorIdentity:
		return KindRentIncome
	default:
		return KindStakingIncome
	}
}
