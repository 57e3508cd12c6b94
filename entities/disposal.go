package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

type DisposalKind string

const (
	DisposalSell        DisposalKind = "sell"
	DisposalSwap        DisposalKind = "swap"
	DisposalTransferOut DisposalKind = "transfer-out"
)

// DisposalLeg records the portion of one lot consumed by a disposal.
type DisposalLeg struct {
	LotID      uint64          `json:"lotId"`
	Quantity   uint64          `json:"quantity"`
	CostBasis  decimal.Decimal `json:"costBasis"`
	Proceeds   decimal.Decimal `json:"proceeds"`
	Gain       decimal.Decimal `json:"gain"`
	LongTerm   bool            `json:"longTerm"`
	AcquiredAt time.Time       `json:"acquiredAt"`
}

// Disposal is the realized reduction of one or more lots. The legs and the
// lot mutations they describe are committed in a single store transaction.
type Disposal struct {
	ID            uint64          `json:"id"`
	Account       string          `json:"account"`
	Timestamp     time.Time       `json:"timestamp"`
	Kind          DisposalKind    `json:"kind"`
	Quantity      uint64          `json:"quantity"`
	Proceeds      decimal.Decimal `json:"proceeds"`
	Legs          []DisposalLeg   `json:"legs"`
	ShortTermGain decimal.Decimal `json:"shortTermGain"`
	LongTermGain  decimal.Decimal `json:"longTermGain"`
	Reference     string          `json:"reference,omitempty"` // order id, tx signature, sweep correlation id
}
