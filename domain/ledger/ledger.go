package ledger

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/stakeops/taxledger/entities"
	"go.uber.org/zap"
)

type Store interface {
	OpenLot(lot *entities.Lot) (uint64, error)
	GetLot(account string, id uint64) (*entities.Lot, error)
	GetLots(account string) ([]*entities.Lot, error)
	CommitDisposal(disposal *entities.Disposal, consumed []*entities.Lot) error
}

// Ledger is the authoritative lot store for all tracked accounts. Lots are
// append-only; the only mutation ever applied is reducing a lot's remaining
// quantity through a disposal.
type Ledger struct {
	store  Store
	logger *zap.SugaredLogger
}

func NewLedger(store Store, logger *zap.SugaredLogger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// OpenLot creates a lot from an acquisition and returns its id.
func (l *Ledger) OpenLot(lot *entities.Lot) (uint64, error) {
	if lot.Quantity == 0 {
		return 0, errors.New("acquisition quantity must be positive")
	}
	lot.Remaining = lot.Quantity
	id, err := l.store.OpenLot(lot)
	if err != nil {
		return 0, errors.Wrap(err, "opening lot")
	}
	l.logger.Infow("Opened lot", "account", lot.Account, "lot", id,
		"quantity", lot.Quantity, "kind", lot.Kind)
	return id, nil
}

// Consume reduces a lot's remaining quantity in memory. The caller persists
// the mutated lot through a store transaction together with the disposal
// record that triggered it.
func Consume(lot *entities.Lot, quantity uint64) error {
	if quantity > lot.Remaining {
		return errors.Wrapf(entities.ErrInsufficientQuantity,
			"lot [%d]: requested [%d], remaining [%d]", lot.ID, quantity, lot.Remaining)
	}
	lot.Remaining -= quantity
	return nil
}

// OpenLots returns the account's open lots acquired at or before asOf,
// oldest acquisition first. Equal timestamps tie-break on lot id so the
// order is stable.
func (l *Ledger) OpenLots(account string, asOf time.Time) ([]*entities.Lot, error) {
	lots, err := l.store.GetLots(account)
	if err != nil {
		return nil, errors.Wrap(err, "listing lots")
	}
	open := make([]*entities.Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.Open() && !lot.AcquiredAt.After(asOf) {
			open = append(open, lot)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		if open[i].AcquiredAt.Equal(open[j].AcquiredAt) {
			return open[i].ID < open[j].ID
		}
		return open[i].AcquiredAt.Before(open[j].AcquiredAt)
	})
	return open, nil
}

// SelectLots orders the account's open lots for consumption according to the
// policy. For SpecificID the returned lots are exactly the designated ones in
// the designated order; a designated lot that is closed or unknown fails with
// ErrInsufficientLots.
func (l *Ledger) SelectLots(account string, asOf time.Time, policy SelectionPolicy) ([]*entities.Lot, error) {
	switch policy.Method {
	case FIFO:
		return l.OpenLots(account, asOf)
	case SpecificID:
		lots := make([]*entities.Lot, 0, len(policy.LotIDs))
		for _, id := range policy.LotIDs {
			lot, err := l.store.GetLot(account, id)
			if errors.Is(err, entities.ErrStoreEntityNotFound) {
				return nil, errors.Wrapf(entities.ErrInsufficientLots, "designated lot [%d] not found", id)
			}
			if err != nil {
				return nil, errors.Wrapf(err, "getting designated lot [%d]", id)
			}
			if !lot.Open() {
				return nil, errors.Wrapf(entities.ErrInsufficientLots, "designated lot [%d] is closed", id)
			}
			lots = append(lots, lot)
		}
		return lots, nil
	default:
		return nil, errors.Errorf("unsupported selection method [%d]", policy.Method)
	}
}

// OpenQuantity is the sum of remaining quantities across all open lots.
func (l *Ledger) OpenQuantity(account string, asOf time.Time) (uint64, error) {
	lots, err := l.OpenLots(account, asOf)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, lot := range lots {
		total += lot.Remaining
	}
	return total, nil
}

// CommitDisposal persists the disposal and the consumed lots atomically.
func (l *Ledger) CommitDisposal(disposal *entities.Disposal, consumed []*entities.Lot) error {
	for _, lot := range consumed {
		if lot.Remaining > lot.Quantity {
			return errors.Wrapf(entities.ErrInvariantViolation,
				"lot [%d] remaining [%d] exceeds quantity [%d]", lot.ID, lot.Remaining, lot.Quantity)
		}
	}
	return errors.Wrap(l.store.CommitDisposal(disposal, consumed), "committing disposal")
}

// AuditBalance checks the conservation invariant for one account: the open
// quantity in the ledger must equal the observed on-chain balance adjusted
// for in-flight sweeps. pendingOut covers funds that already left the chain
// balance but whose lots are not consumed yet; pendingIn covers funds that
// arrived on chain but whose lots are not opened yet. A mismatch is fatal
// for the run.
func (l *Ledger) AuditBalance(account string, observed, pendingOut, pendingIn uint64) error {
	open, err := l.OpenQuantity(account, time.Now())
	if err != nil {
		return err
	}
	// signed so that an excess of pendingIn reports a readable expectation
	// instead of wrapping around
	expected := int64(observed) + int64(pendingOut) - int64(pendingIn)
	if expected < 0 || int64(open) != expected {
		return errors.Wrapf(entities.ErrInvariantViolation,
			"account [%s]: open lots hold [%d], expected [%d] (chain [%d], out [%d], in [%d])",
			account, open, expected, observed, pendingOut, pendingIn)
	}
	return nil
}
