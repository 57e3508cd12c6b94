package sweep

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stakeops/taxledger/domain/ledger"
	"github.com/stakeops/taxledger/entities"
	"github.com/stakeops/taxledger/metrics"
	"go.uber.org/zap"
)

// Orchestrator moves funds and activates stake. Both calls are idempotent on
// the correlation id: re-issuing a transfer that already happened returns the
// original signature without moving funds again.
type Orchestrator interface {
	InitiateTransfer(ctx context.Context, correlationID, from, to string, quantity uint64) (string, error)
	ActivateStake(ctx context.Context, correlationID, stakeAccount string, quantity uint64) error
}

type ChainObserver interface {
	TransferConfirmed(ctx context.Context, signature string) (bool, error)
	StakeActivated(ctx context.Context, stakeAccount string) (bool, error)
}

type Store interface {
	SaveSweepTask(task *entities.SweepTask) error
	GetSweepTasks() ([]*entities.SweepTask, error)
	CommitSweepTransfer(task *entities.SweepTask, disposal *entities.Disposal,
		sourceLots []*entities.Lot, destLots []*entities.Lot) error
}

// Coordinator drives in-flight restakes through
// Pending → RewardCollected → DepositInitiated → DepositConfirmed →
// StakeInitiated → Completed. A task left in any non-terminal state is
// re-entered on the next run; it is never restarted from Pending once funds
// moved.
type Coordinator struct {
	orchestrator Orchestrator
	observer     ChainObserver
	store        Store
	ledger       *ledger.Ledger
	minSweep     uint64 // minimum harvestable quantity worth sweeping
	maxAttempts  uint32
	backoff      time.Duration
	callTimeout  time.Duration
	logger       *zap.SugaredLogger
	metrics      *metrics.ProcessingMetrics
}

func NewCoordinator(orchestrator Orchestrator, observer ChainObserver, store Store, l *ledger.Ledger,
	minSweep uint64, maxAttempts uint32, backoff, callTimeout time.Duration,
	logger *zap.SugaredLogger, m *metrics.ProcessingMetrics) *Coordinator {

	return &Coordinator{
		orchestrator: orchestrator,
		observer:     observer,
		store:        store,
		ledger:       l,
		minSweep:     minSweep,
		maxAttempts:  maxAttempts,
		backoff:      backoff,
		callTimeout:  callTimeout,
		logger:       logger,
		metrics:      m,
	}
}

// Start opens a new sweep task from a reward-collecting account toward a
// stake account. At most one active task per source account.
func (c *Coordinator) Start(source, stakeAccount string) (*entities.SweepTask, error) {
	tasks, err := c.store.GetSweepTasks()
	if err != nil {
		return nil, errors.Wrap(err, "getting sweep tasks")
	}
	for _, task := range tasks {
		if task.SourceAccount == source && (!task.State.Terminal() || task.Resumable()) {
			return nil, errors.Errorf("sweep [%s] already in flight for [%s]", task.CorrelationID, source)
		}
	}

	now := time.Now().UTC()
	task := &entities.SweepTask{
		CorrelationID: uuid.NewString(),
		SourceAccount: source,
		StakeAccount:  stakeAccount,
		State:         entities.SweepPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.SaveSweepTask(task); err != nil {
		return nil, errors.Wrap(err, "saving sweep task")
	}
	c.logger.Infow("Started sweep", "correlationId", task.CorrelationID,
		"source", source, "stakeAccount", stakeAccount)
	return task, nil
}

// Cancel aborts a task that has not initiated a deposit yet. Once funds are
// in motion the task can only complete or fail.
func (c *Coordinator) Cancel(task *entities.SweepTask) error {
	switch task.State {
	case entities.SweepPending, entities.SweepRewardCollected:
		task.State = entities.SweepCancelled
		task.UpdatedAt = time.Now().UTC()
		return errors.Wrap(c.store.SaveSweepTask(task), "saving cancelled task")
	default:
		return errors.Errorf("sweep [%s] in state [%s] cannot be cancelled", task.CorrelationID, task.State)
	}
}

// Run advances every non-terminal task as far as it will go this run.
func (c *Coordinator) Run(ctx context.Context) error {
	tasks, err := c.store.GetSweepTasks()
	if err != nil {
		return errors.Wrap(err, "getting sweep tasks")
	}
	for _, task := range tasks {
		if task.Resumable() {
			if err := c.resume(task); err != nil {
				return errors.Wrapf(err, "resuming sweep [%s]", task.CorrelationID)
			}
		}
		if task.State.Terminal() {
			continue
		}
		if err := c.Advance(ctx, task); err != nil {
			return errors.Wrapf(err, "advancing sweep [%s]", task.CorrelationID)
		}
	}
	return nil
}

// resume re-enters a failed task whose deposit already went out. The task
// picks up from its last confirmed state with a fresh attempt budget; it is
// never restarted from Pending once funds moved.
func (c *Coordinator) resume(task *entities.SweepTask) error {
	c.logger.Warnw("Resuming failed sweep", "correlationId", task.CorrelationID,
		"state", task.ResumeState, "lastError", task.LastError)
	task.State = task.ResumeState
	task.ResumeState = ""
	task.Attempts = 0
	task.LastError = ""
	task.UpdatedAt = time.Now().UTC()
	return errors.Wrap(c.store.SaveSweepTask(task), "saving resumed task")
}

// Advance executes state transitions until the task reaches a terminal
// state or blocks on an external confirmation. Transient step failures are
// retried with backoff; when the attempt budget is exhausted the task fails
// with the last error, keeping its last confirmed state so that a task whose
// deposit already went out is resumed on a later run instead of abandoned.
func (c *Coordinator) Advance(ctx context.Context, task *entities.SweepTask) error {
	for !task.State.Terminal() {
		progressed, err := c.step(ctx, task)
		if err != nil {
			if !errors.Is(err, entities.ErrUnavailable) {
				return err
			}
			task.Attempts++
			task.LastError = err.Error()
			task.UpdatedAt = time.Now().UTC()
			if task.Attempts >= c.maxAttempts {
				c.logger.Errorw("Sweep failed after exhausting retries",
					"correlationId", task.CorrelationID, "state", task.State,
					"attempts", task.Attempts, "error", err)
				task.ResumeState = task.State
				task.State = entities.SweepFailed
				c.metrics.IncSweepsFailed()
			}
			if saveErr := c.store.SaveSweepTask(task); saveErr != nil {
				return errors.Wrap(saveErr, "saving sweep task")
			}
			if task.State == entities.SweepFailed {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff):
			}
			continue
		}
		if !progressed {
			// waiting on an external confirmation, re-enter next run
			return nil
		}
	}
	return nil
}

// step attempts a single transition. It returns false when the task is
// blocked waiting for the outside world.
func (c *Coordinator) step(ctx context.Context, task *entities.SweepTask) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	switch task.State {
	case entities.SweepPending:
		return c.collectReward(task)
	case entities.SweepRewardCollected:
		return c.initiateDeposit(ctx, task)
	case entities.SweepDepositInitiated:
		return c.confirmDeposit(ctx, task)
	case entities.SweepDepositConfirmed:
		return c.initiateStake(ctx, task)
	case entities.SweepStakeInitiated:
		return c.confirmStake(ctx, task)
	default:
		return false, errors.Errorf("sweep [%s] in unexpected state [%s]", task.CorrelationID, task.State)
	}
}

func (c *Coordinator) collectReward(task *entities.SweepTask) (bool, error) {
	harvestable, err := c.harvestableQuantity(task.SourceAccount)
	if err != nil {
		return false, err
	}
	if harvestable < c.minSweep {
		c.logger.Infow("Harvestable balance below sweep threshold",
			"correlationId", task.CorrelationID, "harvestable", harvestable, "threshold", c.minSweep)
		return false, nil
	}
	task.Quantity = harvestable
	return c.transition(task, entities.SweepRewardCollected)
}

func (c *Coordinator) initiateDeposit(ctx context.Context, task *entities.SweepTask) (bool, error) {
	signature, err := c.orchestrator.InitiateTransfer(ctx, task.CorrelationID,
		task.SourceAccount, task.StakeAccount, task.Quantity)
	if err != nil {
		return false, err
	}
	task.TxSignature = signature
	return c.transition(task, entities.SweepDepositInitiated)
}

func (c *Coordinator) confirmDeposit(ctx context.Context, task *entities.SweepTask) (bool, error) {
	confirmed, err := c.observer.TransferConfirmed(ctx, task.TxSignature)
	if err != nil {
		return false, err
	}
	if !confirmed {
		c.logger.Infow("Deposit not confirmed yet", "correlationId", task.CorrelationID,
			"signature", task.TxSignature)
		return false, nil
	}
	return c.transition(task, entities.SweepDepositConfirmed)
}

func (c *Coordinator) initiateStake(ctx context.Context, task *entities.SweepTask) (bool, error) {
	err := c.orchestrator.ActivateStake(ctx, task.CorrelationID, task.StakeAccount, task.Quantity)
	if err != nil {
		return false, err
	}
	return c.transition(task, entities.SweepStakeInitiated)
}

func (c *Coordinator) confirmStake(ctx context.Context, task *entities.SweepTask) (bool, error) {
	active, err := c.observer.StakeActivated(ctx, task.StakeAccount)
	if err != nil {
		return false, err
	}
	if !active {
		c.logger.Infow("Stake not active yet", "correlationId", task.CorrelationID)
		return false, nil
	}
	if err := c.completeTransfer(task); err != nil {
		return false, err
	}
	c.metrics.IncSweepsCompleted()
	c.logger.Infow("Sweep completed", "correlationId", task.CorrelationID,
		"quantity", task.Quantity, "stakeAccount", task.StakeAccount)
	return true, nil
}

// completeTransfer moves the swept quantity in the ledger: the source income
// lots are consumed through a transfer-out disposal (not a taxable event)
// and re-opened on the stake account with their cost basis and acquisition
// timestamps intact, preserving holding-period continuity.
func (c *Coordinator) completeTransfer(task *entities.SweepTask) error {
	sources, err := c.ledger.OpenLots(task.SourceAccount, time.Now())
	if err != nil {
		return errors.Wrap(err, "listing source lots")
	}

	disposal := &entities.Disposal{
		Account:   task.SourceAccount,
		Timestamp: time.Now().UTC(),
		Kind:      entities.DisposalTransferOut,
		Quantity:  task.Quantity,
		Proceeds:  decimal.Zero,
		Reference: task.CorrelationID,
	}

	var consumed []*entities.Lot
	var transferred []*entities.Lot
	remaining := task.Quantity
	for _, lot := range sources {
		if remaining == 0 {
			break
		}
		take := lot.Remaining
		if take > remaining {
			take = remaining
		}
		if err := ledger.Consume(lot, take); err != nil {
			return err
		}
		remaining -= take

		disposal.Legs = append(disposal.Legs, entities.DisposalLeg{
			LotID:      lot.ID,
			Quantity:   take,
			CostBasis:  lot.CostBasis(take),
			Proceeds:   decimal.Zero,
			Gain:       decimal.Zero,
			AcquiredAt: lot.AcquiredAt,
		})
		consumed = append(consumed, lot)
		transferred = append(transferred, &entities.Lot{
			Account:    task.StakeAccount,
			AcquiredAt: lot.AcquiredAt, // carried over, not the transfer time
			Quantity:   take,
			Remaining:  take,
			UnitPrice:  lot.UnitPrice,
			Kind:       entities.KindTransferIn,
		})
	}
	if remaining > 0 {
		return errors.Wrapf(entities.ErrInvariantViolation,
			"sweep [%s]: source lots hold less than swept quantity, [%d] missing",
			task.CorrelationID, remaining)
	}

	task.State = entities.SweepCompleted
	task.UpdatedAt = time.Now().UTC()
	err = c.store.CommitSweepTransfer(task, disposal, consumed, transferred)
	return errors.Wrap(err, "committing sweep transfer")
}

// harvestableQuantity is the open income currently sitting on the reward
// account, excluding lots acquired by purchase or transfer.
func (c *Coordinator) harvestableQuantity(account string) (uint64, error) {
	lots, err := c.ledger.OpenLots(account, time.Now())
	if err != nil {
		return 0, errors.Wrap(err, "listing open lots")
	}
	var total uint64
	for _, lot := range lots {
		switch lot.Kind {
		case entities.KindStakingIncome, entities.KindVotingIncome, entities.KindRentIncome:
			total += lot.Remaining
		}
	}
	return total, nil
}

func (c *Coordinator) transition(task *entities.SweepTask, next entities.SweepState) (bool, error) {
	c.logger.Infow("Sweep transition", "correlationId", task.CorrelationID,
		"from", task.State, "to", next)
	task.State = next
	task.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveSweepTask(task); err != nil {
		return false, errors.Wrap(err, "saving sweep task")
	}
	return true, nil
}
