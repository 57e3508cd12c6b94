package disposal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stakeops/taxledger/domain/ledger"
	"github.com/stakeops/taxledger/entities"
	"github.com/stakeops/taxledger/metrics"
	"go.uber.org/zap"
)

// Event is an externally observed disposal: a sell fill, a swap, or a
// transfer out of a tracked account.
type Event struct {
	Account   string
	Kind      entities.DisposalKind
	Quantity  uint64 // base units disposed
	Proceeds  decimal.Decimal
	Timestamp time.Time
	Policy    ledger.SelectionPolicy
	Reference string
}

// Publisher hands committed records to the downstream export pipeline.
type Publisher interface {
	PublishDisposals(ctx context.Context, disposals []entities.Disposal) error
}

// Matcher retires open lots against disposal events and realizes gain or
// loss. Lot consumption and the disposal record commit in one transaction.
type Matcher struct {
	ledger        *ledger.Ledger
	publisher     Publisher
	holdingPeriod time.Duration
	places        int32 // reference-currency rounding places
	logger        *zap.SugaredLogger
	metrics       *metrics.ProcessingMetrics
}

func NewMatcher(l *ledger.Ledger, publisher Publisher, holdingPeriod time.Duration,
	places int32, logger *zap.SugaredLogger, m *metrics.ProcessingMetrics) *Matcher {

	return &Matcher{
		ledger:        l,
		publisher:     publisher,
		holdingPeriod: holdingPeriod,
		places:        places,
		logger:        logger,
		metrics:       m,
	}
}

// Match consumes open lots for the event and persists the resulting
// disposal. The operation is all-or-nothing: if the eligible lots cannot
// cover the requested quantity nothing is consumed and ErrInsufficientLots
// is returned.
func (m *Matcher) Match(ctx context.Context, event Event) (*entities.Disposal, error) {
	if event.Quantity == 0 {
		return nil, errors.New("disposal quantity must be positive")
	}

	candidates, err := m.ledger.SelectLots(event.Account, event.Timestamp, event.Policy)
	if err != nil {
		return nil, errors.Wrap(err, "selecting lots")
	}

	var available uint64
	for _, lot := range candidates {
		available += lot.Remaining
	}
	if available < event.Quantity {
		return nil, errors.Wrapf(entities.ErrInsufficientLots,
			"account [%s]: requested [%d], open [%d]", event.Account, event.Quantity, available)
	}

	disposal, consumed, err := m.buildDisposal(event, candidates)
	if err != nil {
		return nil, err
	}
	if err := m.ledger.CommitDisposal(disposal, consumed); err != nil {
		return nil, err
	}

	m.metrics.IncDisposals()
	m.logger.Infow("Matched disposal", "account", event.Account, "kind", event.Kind,
		"quantity", event.Quantity, "proceeds", event.Proceeds,
		"shortTermGain", disposal.ShortTermGain, "longTermGain", disposal.LongTermGain,
		"lots", len(disposal.Legs))

	if m.publisher != nil {
		if err := m.publisher.PublishDisposals(ctx, []entities.Disposal{*disposal}); err != nil {
			// the disposal is committed; export will catch up on a later run
			m.logger.Errorw("Publishing disposal failed", "account", event.Account,
				"disposal", disposal.ID, "error", err)
		}
	}
	return disposal, nil
}

// buildDisposal walks the candidate lots in order, consuming until the
// requested quantity is satisfied. Proceeds are allocated pro rata by
// quantity; the last leg takes the rounding remainder so legs always sum to
// the total.
func (m *Matcher) buildDisposal(event Event, candidates []*entities.Lot) (*entities.Disposal, []*entities.Lot, error) {
	disposal := &entities.Disposal{
		Account:       event.Account,
		Timestamp:     event.Timestamp,
		Kind:          event.Kind,
		Quantity:      event.Quantity,
		Proceeds:      event.Proceeds,
		ShortTermGain: decimal.Zero,
		LongTermGain:  decimal.Zero,
		Reference:     event.Reference,
	}

	totalQuantity := entities.AssetQuantity(event.Quantity)
	var consumed []*entities.Lot
	var allocated decimal.Decimal
	remaining := event.Quantity

	for _, lot := range candidates {
		if remaining == 0 {
			break
		}
		take := lot.Remaining
		if take > remaining {
			take = remaining
		}
		if err := ledger.Consume(lot, take); err != nil {
			return nil, nil, err
		}
		remaining -= take

		var proceeds decimal.Decimal
		if remaining == 0 {
			proceeds = event.Proceeds.Sub(allocated)
		} else {
			proceeds = event.Proceeds.Mul(entities.AssetQuantity(take)).
				Div(totalQuantity).Round(m.places)
			allocated = allocated.Add(proceeds)
		}

		costBasis := lot.CostBasis(take).Round(m.places)
		gain := proceeds.Sub(costBasis)
		longTerm := event.Timestamp.Sub(lot.AcquiredAt) >= m.holdingPeriod

		disposal.Legs = append(disposal.Legs, entities.DisposalLeg{
			LotID:      lot.ID,
			Quantity:   take,
			CostBasis:  costBasis,
			Proceeds:   proceeds,
			Gain:       gain,
			LongTerm:   longTerm,
			AcquiredAt: lot.AcquiredAt,
		})
		if longTerm {
			disposal.LongTermGain = disposal.LongTermGain.Add(gain)
		} else {
			disposal.ShortTermGain = disposal.ShortTermGain.Add(gain)
		}
		consumed = append(consumed, lot)
	}
	if remaining > 0 {
		// the availability check above makes this unreachable
		return nil, nil, errors.Wrapf(entities.ErrInsufficientLots,
			"account [%s]: [%d] unfilled", event.Account, remaining)
	}
	return disposal, consumed, nil
}
