package reconcile

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stakeops/taxledger/entities"
	"github.com/stakeops/taxledger/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ChainObserver interface {
	Balance(ctx context.Context, account string) (uint64, error)
	RewardEvents(ctx context.Context, account string, kind entities.RewardKind,
		sinceEpoch uint64) ([]entities.RewardEvent, error)
}

type Valuer interface {
	HistoricalPrice(ctx context.Context, at time.Time) (decimal.Decimal, error)
}

type Store interface {
	GetAccounts() ([]entities.TrackedAccount, error)
	GetLastReconciledEpoch(account string) (uint64, error)
	HasRewardLot(account string, epoch uint64, kind entities.RewardKind) (bool, error)
	CreateIncomeLot(lot *entities.Lot, epoch uint64, kind entities.RewardKind) (uint64, error)
}

// Reconciler turns observed on-chain reward credits into income lots, exactly
// once per (account, epoch, kind). The checkpoint only advances after the lot
// is durably committed, so a crash mid-run replays safely.
type Reconciler struct {
	observer     ChainObserver
	valuer       Valuer
	store        Store
	fetchTimeout time.Duration
	maxAttempts  int
	backoff      time.Duration
	logger       *zap.SugaredLogger
	metrics      *metrics.ProcessingMetrics
}

func NewReconciler(observer ChainObserver, valuer Valuer, store Store, fetchTimeout time.Duration,
	maxAttempts int, backoff time.Duration, logger *zap.SugaredLogger, m *metrics.ProcessingMetrics) *Reconciler {

	return &Reconciler{
		observer:     observer,
		valuer:       valuer,
		store:        store,
		fetchTimeout: fetchTimeout,
		maxAttempts:  maxAttempts,
		backoff:      backoff,
		logger:       logger,
		metrics:      m,
	}
}

// ReconcileAll reconciles every tracked account. Accounts are independent, so
// they run concurrently; each account commits its own store transactions.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	accounts, err := r.store.GetAccounts()
	if err != nil {
		return errors.Wrap(err, "getting tracked accounts")
	}

	var group errgroup.Group
	for _, account := range accounts {
		group.Go(func() error {
			return r.Reconcile(ctx, account)
		})
	}
	return group.Wait()
}

// Reconcile processes reward events for one account, in increasing epoch
// order, starting after the stored checkpoint. The account's role selects
// the reward stream observed on chain. A valuation outage defers the
// remaining events to the next run; already-seen epochs are skipped.
func (r *Reconciler) Reconcile(ctx context.Context, tracked entities.TrackedAccount) error {
	account := tracked.Address
	checkpoint, err := r.store.GetLastReconciledEpoch(account)
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		checkpoint = 0
	} else if err != nil {
		return errors.Wrap(err, "getting checkpoint")
	}

	events, err := r.fetchEvents(ctx, account, tracked.Role.RewardSource(), checkpoint)
	if err != nil {
		return errors.Wrapf(err, "fetching reward events for [%s] after epoch [%d]", account, checkpoint)
	}
	if len(events) == 0 {
		return nil
	}
	r.logger.Infow("Reconciling reward events", "account", account,
		"checkpoint", checkpoint, "events", len(events))

	for _, event := range events {
		if event.Epoch <= checkpoint {
			r.logger.Infow("Skipping stale reward event", "account", account,
				"epoch", event.Epoch, "checkpoint", checkpoint)
			r.metrics.IncSkippedEvents()
			continue
		}
		seen, err := r.store.HasRewardLot(account, event.Epoch, event.Kind)
		if err != nil {
			return errors.Wrap(err, "checking reward marker")
		}
		if seen {
			r.logger.Infow("Skipping already recorded reward", "account", account,
				"epoch", event.Epoch, "kind", event.Kind)
			r.metrics.IncSkippedEvents()
			checkpoint = event.Epoch
			continue
		}

		price, err := r.fetchPrice(ctx, event.Timestamp)
		if errors.Is(err, entities.ErrUnavailable) {
			// no lot without a price: defer this and all later events
			r.metrics.IncPriceLookupFailures()
			r.logger.Warnw("Valuation unavailable, deferring reconciliation",
				"account", account, "epoch", event.Epoch, "error", err)
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "pricing reward at epoch [%d]", event.Epoch)
		}

		lot := &entities.Lot{
			Account:    account,
			AcquiredAt: event.Timestamp,
			Quantity:   event.Quantity,
			Remaining:  event.Quantity,
			UnitPrice:  price,
			Kind:       event.Kind.IncomeKind(),
		}
		lotID, err := r.store.CreateIncomeLot(lot, event.Epoch, event.Kind)
		if errors.Is(err, entities.ErrAlreadyProcessed) {
			r.logger.Infow("Reward already recorded", "account", account, "epoch", event.Epoch)
			r.metrics.IncSkippedEvents()
			checkpoint = event.Epoch
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "creating income lot for epoch [%d]", event.Epoch)
		}
		checkpoint = event.Epoch
		r.metrics.IncIncomeLots()
		r.metrics.SetReconciledEpoch(account, event.Epoch)
		r.logger.Infow("Created income lot", "account", account, "epoch", event.Epoch,
			"lot", lotID, "quantity", event.Quantity, "price", price)
	}
	return nil
}

func (r *Reconciler) fetchEvents(ctx context.Context, account string, kind entities.RewardKind,
	sinceEpoch uint64) ([]entities.RewardEvent, error) {

	var events []entities.RewardEvent
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		events, err = r.observer.RewardEvents(ctx, account, kind, sinceEpoch)
		return err
	})
	return events, err
}

func (r *Reconciler) fetchPrice(ctx context.Context, at time.Time) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		price, err = r.valuer.HistoricalPrice(ctx, at)
		return err
	})
	return price, err
}

// withRetry runs op with a per-attempt timeout, retrying transient failures
// with constant backoff up to the configured attempt budget.
func (r *Reconciler) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.backoff):
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
		err := op(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, entities.ErrUnavailable) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
