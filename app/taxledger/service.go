package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/stakeops/taxledger/domain/disposal"
	"github.com/stakeops/taxledger/domain/ledger"
	"github.com/stakeops/taxledger/domain/reconcile"
	"github.com/stakeops/taxledger/domain/sweep"
	"github.com/stakeops/taxledger/entities"
	elasticexport "github.com/stakeops/taxledger/external/elastic"
	"github.com/stakeops/taxledger/infrastructure/store/pebbledb"
	"go.uber.org/zap"
)

type sweepConfig struct {
	enabled      bool
	source       string
	stakeAccount string
}

// service runs one ingestion cycle at a fixed interval: reconcile rewards,
// sync exchange orders, advance sweeps, audit balances, export snapshots.
// An invariant violation aborts the loop; everything else is retried next
// cycle.
// lotPublisher streams lot snapshots to the export pipeline.
type lotPublisher interface {
	PublishLots(ctx context.Context, lots []entities.Lot) error
}

type service struct {
	store        *pebbledb.Store
	ledger       *ledger.Ledger
	reconciler   *reconcile.Reconciler
	orderSync    *disposal.OrderSync
	coordinator  *sweep.Coordinator
	observer     reconcile.ChainObserver
	exporter     *elasticexport.Client
	lotPublisher lotPublisher
	interval     time.Duration
	sweepConfig  sweepConfig
	logger       *zap.SugaredLogger
}

func (s *service) start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.cycle(ctx); err != nil {
			if errors.Is(err, entities.ErrInvariantViolation) {
				return errors.Wrap(err, "running cycle")
			}
			s.logger.Errorw("Cycle failed; retrying next interval", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *service) cycle(ctx context.Context) error {
	if err := s.reconciler.ReconcileAll(ctx); err != nil {
		return errors.Wrap(err, "reconciling rewards")
	}
	if err := s.orderSync.Sync(ctx); err != nil {
		return errors.Wrap(err, "syncing pending orders")
	}
	if s.sweepConfig.enabled {
		if err := s.ensureSweep(); err != nil {
			return errors.Wrap(err, "starting sweep")
		}
	}
	if err := s.coordinator.Run(ctx); err != nil {
		return errors.Wrap(err, "advancing sweeps")
	}
	if err := s.audit(ctx); err != nil {
		return errors.Wrap(err, "auditing balances")
	}
	if err := s.export(ctx); err != nil {
		// export is a downstream copy; the ledger itself is intact
		s.logger.Errorw("Exporting snapshot failed", "error", err)
	}
	return nil
}

// ensureSweep keeps exactly one sweep task in flight for the configured
// source account.
func (s *service) ensureSweep() error {
	tasks, err := s.store.GetSweepTasks()
	if err != nil {
		return errors.Wrap(err, "getting sweep tasks")
	}
	for _, task := range tasks {
		if task.SourceAccount == s.sweepConfig.source && (!task.State.Terminal() || task.Resumable()) {
			return nil
		}
	}
	_, err = s.coordinator.Start(s.sweepConfig.source, s.sweepConfig.stakeAccount)
	return err
}

// audit compares the open quantity of every tracked account against the
// observed on-chain balance, adjusted for sweeps whose funds are in motion.
// Accounts with a deposit in an indeterminate window (initiated but not yet
// confirmed) are skipped until the transfer settles.
func (s *service) audit(ctx context.Context) error {
	tasks, err := s.store.GetSweepTasks()
	if err != nil {
		return errors.Wrap(err, "getting sweep tasks")
	}
	pendingOut := make(map[string]uint64)
	pendingIn := make(map[string]uint64)
	indeterminate := make(map[string]bool)
	for _, task := range tasks {
		state := task.State
		if task.Resumable() {
			// the funds moved before the failure; still in motion until resumed
			state = task.ResumeState
		}
		switch state {
		case entities.SweepDepositInitiated:
			indeterminate[task.SourceAccount] = true
			indeterminate[task.StakeAccount] = true
		case entities.SweepDepositConfirmed, entities.SweepStakeInitiated:
			pendingOut[task.SourceAccount] += task.Quantity
			pendingIn[task.StakeAccount] += task.Quantity
		}
	}

	accounts, err := s.store.GetAccounts()
	if err != nil {
		return errors.Wrap(err, "getting tracked accounts")
	}
	for _, account := range accounts {
		if indeterminate[account.Address] {
			s.logger.Infow("Skipping audit, deposit in flight", "account", account.Address)
			continue
		}
		observed, err := s.observer.Balance(ctx, account.Address)
		if err != nil {
			if errors.Is(err, entities.ErrUnavailable) {
				s.logger.Warnw("Skipping audit, balance unavailable", "account", account.Address)
				continue
			}
			return errors.Wrapf(err, "getting balance for [%s]", account.Address)
		}
		err = s.ledger.AuditBalance(account.Address, observed,
			pendingOut[account.Address], pendingIn[account.Address])
		if err != nil {
			return errors.Wrapf(err, "auditing account [%s]", account.Address)
		}
	}
	return nil
}

func (s *service) export(ctx context.Context) error {
	if s.exporter == nil && s.lotPublisher == nil {
		return nil
	}
	accounts, err := s.store.GetAccounts()
	if err != nil {
		return errors.Wrap(err, "getting tracked accounts")
	}
	for _, account := range accounts {
		lots, err := s.store.GetLots(account.Address)
		if err != nil {
			return errors.Wrapf(err, "getting lots for [%s]", account.Address)
		}
		if s.lotPublisher != nil {
			snapshot := make([]entities.Lot, 0, len(lots))
			for _, lot := range lots {
				snapshot = append(snapshot, *lot)
			}
			if err := s.lotPublisher.PublishLots(ctx, snapshot); err != nil {
				return errors.Wrapf(err, "publishing lots for [%s]", account.Address)
			}
		}
		if s.exporter == nil {
			continue
		}
		if err := s.exporter.IndexLots(ctx, lots); err != nil {
			return errors.Wrapf(err, "indexing lots for [%s]", account.Address)
		}
		disposals, err := s.store.GetDisposals(account.Address)
		if err != nil {
			return errors.Wrapf(err, "getting disposals for [%s]", account.Address)
		}
		if err := s.exporter.IndexDisposals(ctx, disposals); err != nil {
			return errors.Wrapf(err, "indexing disposals for [%s]", account.Address)
		}
	}
	return nil
}
