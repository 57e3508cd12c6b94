package entities

type AccountRole string

const (
	RoleSystem AccountRole = "system"
	RoleStake  AccountRole = "stake"
	RoleVote   AccountRole = "vote"
)

// RewardSource maps the account's role to the reward stream it is credited
// from: stake accounts earn staking rewards, vote accounts voting credits,
// and the validator identity collects block fees and rent.
func (r AccountRole) RewardSource() RewardKind {
	switch r {
	case RoleVote:
		return RewardVote
	case RoleSystem:
		return RewardValidatorIdentity
	default:
		return RewardStake
	}
}

// TrackedAccount is an on-chain address whose lot history is maintained.
// The reconciliation checkpoint for the account lives next to it in the
// store and is only advanced by the reconciler.
type TrackedAccount struct {
	Address     string      `json:"address"`
	Role        AccountRole `json:"role"`
	Description string      `json:"description,omitempty"`
}
