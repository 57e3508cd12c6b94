package entities

import "time"

type SweepState string

const (
	SweepPending          SweepState = "pending"
	SweepRewardCollected  SweepState = "reward-collected"
	SweepDepositInitiated SweepState = "deposit-initiated"
	SweepDepositConfirmed SweepState = "deposit-confirmed"
	SweepStakeInitiated   SweepState = "stake-initiated"
	SweepCompleted        SweepState = "completed"
	SweepFailed           SweepState = "failed"
	SweepCancelled        SweepState = "cancelled"
)

func (s SweepState) Terminal() bool {
	return s == SweepCompleted || s == SweepFailed || s == SweepCancelled
}

// SweepTask is an in-flight restake of reward proceeds. The correlation id
// keys every external transfer so that a resumed task never moves funds
// twice. Attempts counts failed step executions; it is reset when a failed
// task is resumed.
type SweepTask struct {
	CorrelationID string     `json:"correlationId"`
	SourceAccount string     `json:"sourceAccount"`
	StakeAccount  string     `json:"stakeAccount"`
	Quantity      uint64     `json:"quantity"`
	State         SweepState `json:"state"`
	ResumeState   SweepState `json:"resumeState,omitempty"` // last confirmed state before a failure
	Attempts      uint32     `json:"attempts"`
	TxSignature   string     `json:"txSignature,omitempty"` // deposit transfer signature
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Resumable reports whether a failed task must be re-entered rather than
// abandoned: once the deposit transfer went out the funds are on the move,
// and only finishing the sweep brings the ledger back in line with the chain.
func (t *SweepTask) Resumable() bool {
	return t.State == SweepFailed && t.TxSignature != "" && t.ResumeState != ""
}
