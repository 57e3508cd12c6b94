package entities

import "time"

type RewardKind string

const (
	RewardVote              RewardKind = "vote"
	RewardStake             RewardKind = "stake"
	RewardValidatorIdentity RewardKind = "validator-identity"
)

// RewardEvent is an epoch-scoped credit observed on chain. Events are
// deduplicated by (account, epoch, kind): replaying an epoch never opens a
// second income lot.
type RewardEvent struct {
	Account   string     `json:"account"`
	Epoch     uint64     `json:"epoch"`
	Quantity  uint64     `json:"quantity"` // base units credited
	Kind      RewardKind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"` // epoch-end credit time
}
