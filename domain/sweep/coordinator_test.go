package sweep

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stakeops/taxledger/domain/ledger"
	"github.com/stakeops/taxledger/entities"
	"github.com/stakeops/taxledger/infrastructure/store/pebbledb"
	"github.com/stakeops/taxledger/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var m = metrics.NewProcessingMetrics("test")

const minSweep = 1 * entities.BaseUnitsPerAsset

type MockOrchestrator struct {
	transferCalls map[string]int // by correlation id
	stakeCalls    map[string]int
	unavailable   bool
}

func newMockOrchestrator() *MockOrchestrator {
	return &MockOrchestrator{
		transferCalls: make(map[string]int),
		stakeCalls:    make(map[string]int),
	}
}

func (mo *MockOrchestrator) InitiateTransfer(_ context.Context, correlationID, _, _ string, _ uint64) (string, error) {

	if mo.unavailable {
		return "", entities.ErrUnavailable
	}
	mo.transferCalls[correlationID]++
	return "sig-" + correlationID, nil
}

func (mo *MockOrchestrator) ActivateStake(_ context.Context, correlationID, _ string, _ uint64) error {

	if mo.unavailable {
		return entities.ErrUnavailable
	}
	mo.stakeCalls[correlationID]++
	return nil
}

type MockChainObserver struct {
	transferConfirmed bool
	stakeActive       bool
	unavailable       bool
}

func (mc *MockChainObserver) TransferConfirmed(_ context.Context, _ string) (bool, error) {
	if mc.unavailable {
		return false, entities.ErrUnavailable
	}
	return mc.transferConfirmed, nil
}

func (mc *MockChainObserver) StakeActivated(_ context.Context, _ string) (bool, error) {
	if mc.unavailable {
		return false, entities.ErrUnavailable
	}
	return mc.stakeActive, nil
}

type fixture struct {
	store        *pebbledb.Store
	ledger       *ledger.Ledger
	orchestrator *MockOrchestrator
	observer     *MockChainObserver
	coordinator  *Coordinator
}

func newFixture(t *testing.T) *fixture {
	tempDir, err := os.MkdirTemp("", "taxledger_sweep_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	store, err := pebbledb.NewStore(tempDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := zap.NewNop().Sugar()
	l := ledger.NewLedger(store, logger)
	orchestrator := newMockOrchestrator()
	observer := &MockChainObserver{}
	coordinator := NewCoordinator(orchestrator, observer, store, l,
		minSweep, 3, time.Millisecond, time.Second, logger, m)
	return &fixture{store: store, ledger: l, orchestrator: orchestrator,
		observer: observer, coordinator: coordinator}
}

func (f *fixture) openIncomeLot(t *testing.T, acquiredAt time.Time, assets int64, price string) uint64 {
	id, err := f.ledger.OpenLot(&entities.Lot{
		Account:    "rewards-1",
		AcquiredAt: acquiredAt,
		Quantity:   uint64(assets) * entities.BaseUnitsPerAsset,
		UnitPrice:  decimal.RequireFromString(price),
		Kind:       entities.KindStakingIncome,
	})
	require.NoError(t, err)
	return id
}

func TestCoordinator_StartRejectsSecondActiveTask(t *testing.T) {

	f := newFixture(t)

	_, err := f.coordinator.Start("rewards-1", "stake-1")
	require.NoError(t, err)

	_, err = f.coordinator.Start("rewards-1", "stake-1")
	require.Error(t, err)
}

func TestCoordinator_BelowThresholdStaysPending(t *testing.T) {

	f := newFixture(t)
	// half an asset of income, threshold is one
	_, err := f.ledger.OpenLot(&entities.Lot{
		Account:    "rewards-1",
		AcquiredAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Quantity:   entities.BaseUnitsPerAsset / 2,
		UnitPrice:  decimal.RequireFromString("100"),
		Kind:       entities.KindStakingIncome,
	})
	require.NoError(t, err)

	task, err := f.coordinator.Start("rewards-1", "stake-1")
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Advance(context.Background(), task))
	assert.Equal(t, entities.SweepPending, task.State)
	assert.Zero(t, f.orchestrator.transferCalls[task.CorrelationID])
}

func TestCoordinator_PurchaseLotsAreNotHarvested(t *testing.T) {

	f := newFixture(t)
	_, err := f.ledger.OpenLot(&entities.Lot{
		Account:    "rewards-1",
		AcquiredAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Quantity:   10 * entities.BaseUnitsPerAsset,
		UnitPrice:  decimal.RequireFromString("100"),
		Kind:       entities.KindPurchase,
	})
	require.NoError(t, err)

	task, err := f.coordinator.Start("rewards-1", "stake-1")
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Advance(context.Background(), task))
	assert.Equal(t, entities.SweepPending, task.State)
}

func TestCoordinator_FullSweepLifecycle(t *testing.T) {

	f := newFixture(t)
	acquired := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.openIncomeLot(t, acquired, 5, "140")
	f.observer.transferConfirmed = true
	f.observer.stakeActive = true

	task, err := f.coordinator.Start("rewards-1", "stake-1")
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Advance(context.Background(), task))

	assert.Equal(t, entities.SweepCompleted, task.State)
	assert.Equal(t, uint64(5*entities.BaseUnitsPerAsset), task.Quantity)
	assert.Equal(t, 1, f.orchestrator.transferCalls[task.CorrelationID])
	assert.Equal(t, 1, f.orchestrator.stakeCalls[task.CorrelationID])

	// source income retired through a zero-proceeds transfer-out
	sourceLots, err := f.store.GetLots("rewards-1")
	require.NoError(t, err)
	require.Len(t, sourceLots, 1)
	assert.False(t, sourceLots[0].Open())

	disposals, err := f.store.GetDisposals("rewards-1")
	require.NoError(t, err)
	require.Len(t, disposals, 1)
	assert.Equal(t, entities.DisposalTransferOut, disposals[0].Kind)
	assert.True(t, disposals[0].Proceeds.IsZero())
	assert.Equal(t, task.CorrelationID, disposals[0].Reference)

	// basis and acquisition time carry over to the stake account
	destLots, err := f.store.GetLots("stake-1")
	require.NoError(t, err)
	require.Len(t, destLots, 1)
	assert.Equal(t, entities.KindTransferIn, destLots[0].Kind)
	assert.True(t, destLots[0].AcquiredAt.Equal(acquired))
	assert.True(t, destLots[0].UnitPrice.Equal(decimal.RequireFromString("140")))
	assert.Equal(t, uint64(5*entities.BaseUnitsPerAsset), destLots[0].Remaining)
}

func TestCoordinator_ResumeAfterDepositDoesNotTransferTwice(t *testing.T) {

	f := newFixture(t)
	f.openIncomeLot(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 5, "140")

	task, err := f.coordinator.Start("rewards-1", "stake-1")
	require.NoError(t, err)

	// deposit goes out but confirmation is still outstanding
	require.NoError(t, f.coordinator.Advance(context.Background(), task))
	assert.Equal(t, entities.SweepDepositInitiated, task.State)
	assert.Equal(t, 1, f.orchestrator.transferCalls[task.CorrelationID])

	// a restart reloads the task from the store and picks up where it left off
	reloaded, err := f.store.GetSweepTask(task.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, entities.SweepDepositInitiated, reloaded.State)
	assert.Equal(t, task.TxSignature, reloaded.TxSignature)

	f.observer.transferConfirmed = true
	require.NoError(t, f.coordinator.Advance(context.Background(), reloaded))
	assert.Equal(t, entities.SweepStakeInitiated, reloaded.State)

	// the transfer was never re-issued
	assert.Equal(t, 1, f.orchestrator.transferCalls[task.CorrelationID])
}

func TestCoordinator_RunAdvancesAllActiveTasks(t *testing.T) {

	f := newFixture(t)
	f.openIncomeLot(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 5, "140")
	f.observer.transferConfirmed = true
	f.observer.stakeActive = true

	task, err := f.coordinator.Start("rewards-1", "stake-1")
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Run(context.Background()))

	saved, err := f.store.GetSweepTask(task.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, entities.SweepCompleted, saved.State)
}

func TestCoordinator_RetryExhaustionFailsTerminally(t *testing.T) {

	f := newFixture(t)
	f.openIncomeLot(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 5, "140")
	f.orchestrator.unavailable = true

	task, err := f.coordinator.Start("rewards-1", "stake-1")
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Advance(context.Background(), task))

	assert.Equal(t, entities.SweepFailed, task.State)
	assert.Equal(t, uint32(3), task.Attempts)
	assert.NotEmpty(t, task.LastError)

	saved, err := f.store.GetSweepTask(task.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, entities.SweepFailed, saved.State)

	// no funds moved, so the failed task stays failed even across runs
	assert.False(t, saved.Resumable())
	f.orchestrator.unavailable = false
	require.NoError(t, f.coordinator.Run(context.Background()))
	assert.Zero(t, f.orchestrator.transferCalls[task.CorrelationID])

	// the income lots were never touched
	lots, err := f.store.GetLots("rewards-1")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.True(t, lots[0].Open())
}

func TestCoordinator_FailedAfterDepositResumesOnNextRun(t *testing.T) {

	f := newFixture(t)
	f.openIncomeLot(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 5, "140")
	f.observer.unavailable = true

	task, err := f.coordinator.Start("rewards-1", "stake-1")
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Advance(context.Background(), task))

	// the deposit went out, then the confirmation outage exhausted the retries
	assert.Equal(t, entities.SweepFailed, task.State)
	assert.Equal(t, entities.SweepDepositInitiated, task.ResumeState)
	assert.Equal(t, 1, f.orchestrator.transferCalls[task.CorrelationID])

	// the observer recovers; the next run resumes from the last confirmed state
	f.observer.unavailable = false
	f.observer.transferConfirmed = true
	f.observer.stakeActive = true
	require.NoError(t, f.coordinator.Run(context.Background()))

	saved, err := f.store.GetSweepTask(task.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, entities.SweepCompleted, saved.State)
	assert.Empty(t, saved.ResumeState)
	assert.Equal(t, 1, f.orchestrator.transferCalls[task.CorrelationID])
	assert.Equal(t, 1, f.orchestrator.stakeCalls[task.CorrelationID])
}

func TestCoordinator_StartRejectedWhileFailedSweepResumable(t *testing.T) {

	f := newFixture(t)
	f.openIncomeLot(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 5, "140")
	f.observer.unavailable = true

	task, err := f.coordinator.Start("rewards-1", "stake-1")
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Advance(context.Background(), task))
	require.True(t, task.Resumable())

	// the failed task still owns the moved funds; no second sweep
	_, err = f.coordinator.Start("rewards-1", "stake-1")
	require.Error(t, err)
}

func TestCoordinator_CancelBeforeFundsMove(t *testing.T) {

	f := newFixture(t)

	task, err := f.coordinator.Start("rewards-1", "stake-1")
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Cancel(task))
	assert.Equal(t, entities.SweepCancelled, task.State)
}

func TestCoordinator_CancelAfterDepositRejected(t *testing.T) {

	f := newFixture(t)
	f.openIncomeLot(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 5, "140")

	task, err := f.coordinator.Start("rewards-1", "stake-1")
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Advance(context.Background(), task))
	require.Equal(t, entities.SweepDepositInitiated, task.State)

	require.Error(t, f.coordinator.Cancel(task))
}

func TestCoordinator_SweepsMultipleIncomeLots(t *testing.T) {

	f := newFixture(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.openIncomeLot(t, base, 2, "100")
	f.openIncomeLot(t, base.AddDate(0, 1, 0), 3, "120")
	f.observer.transferConfirmed = true
	f.observer.stakeActive = true

	task, err := f.coordinator.Start("rewards-1", "stake-1")
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Advance(context.Background(), task))

	require.Equal(t, entities.SweepCompleted, task.State)
	assert.Equal(t, uint64(5*entities.BaseUnitsPerAsset), task.Quantity)

	destLots, err := f.store.GetLots("stake-1")
	require.NoError(t, err)
	require.Len(t, destLots, 2)
	assert.True(t, destLots[0].UnitPrice.Equal(decimal.RequireFromString("100")))
	assert.True(t, destLots[1].UnitPrice.Equal(decimal.RequireFromString("120")))
}
