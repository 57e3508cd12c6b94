package disposal

import (
	"context"

	"github.com/pkg/errors"
	"github.com/stakeops/taxledger/entities"
	"go.uber.org/zap"
)

type Orchestrator interface {
	OrderStatus(ctx context.Context, pair, orderID string) (*entities.OrderStatus, error)
}

type OrderStore interface {
	GetPendingOrders() ([]*entities.PendingOrder, error)
	DeletePendingOrder(clientOrderID string) error
	GetDisposals(account string) ([]*entities.Disposal, error)
}

// OrderSync polls the exchange for pending sell orders and feeds fills to
// the matcher. A fill that was already matched (crash between commit and
// pending-order cleanup) is recognized by its order reference and only
// cleaned up, never disposed twice.
type OrderSync struct {
	matcher      *Matcher
	orchestrator Orchestrator
	store        OrderStore
	logger       *zap.SugaredLogger
}

func NewOrderSync(matcher *Matcher, orchestrator Orchestrator, store OrderStore,
	logger *zap.SugaredLogger) *OrderSync {

	return &OrderSync{
		matcher:      matcher,
		orchestrator: orchestrator,
		store:        store,
		logger:       logger,
	}
}

func (s *OrderSync) Sync(ctx context.Context) error {
	orders, err := s.store.GetPendingOrders()
	if err != nil {
		return errors.Wrap(err, "getting pending orders")
	}
	for _, order := range orders {
		if err := s.syncOrder(ctx, order); err != nil {
			return errors.Wrapf(err, "syncing order [%s]", order.ClientOrderID)
		}
	}
	return nil
}

func (s *OrderSync) syncOrder(ctx context.Context, order *entities.PendingOrder) error {
	status, err := s.orchestrator.OrderStatus(ctx, order.Pair, order.OrderID)
	if err != nil {
		return errors.Wrap(err, "getting order status")
	}
	if status.Open {
		s.logger.Infow("Order still open", "order", order.OrderID,
			"filled", status.FilledQuantity, "quantity", order.Quantity)
		return nil
	}

	if status.FilledQuantity > 0 {
		matched, err := s.alreadyMatched(order)
		if err != nil {
			return err
		}
		if matched {
			s.logger.Infow("Order fill already recorded, cleaning up", "order", order.OrderID)
		} else {
			proceeds := status.Price.Mul(entities.AssetQuantity(status.FilledQuantity))
			_, err = s.matcher.Match(ctx, Event{
				Account:   order.Account,
				Kind:      entities.DisposalSell,
				Quantity:  status.FilledQuantity,
				Proceeds:  proceeds,
				Timestamp: status.LastUpdate,
				Reference: order.ClientOrderID,
			})
			if err != nil {
				return errors.Wrap(err, "matching fill")
			}
			s.logger.Infow("Recorded fill as disposal", "order", order.OrderID,
				"quantity", status.FilledQuantity, "proceeds", proceeds)
		}
	} else {
		s.logger.Infow("Order cancelled without fill", "order", order.OrderID)
	}
	return errors.Wrap(s.store.DeletePendingOrder(order.ClientOrderID), "deleting pending order")
}

func (s *OrderSync) alreadyMatched(order *entities.PendingOrder) (bool, error) {
	disposals, err := s.store.GetDisposals(order.Account)
	if err != nil {
		return false, errors.Wrap(err, "getting disposals")
	}
	for _, d := range disposals {
		if d.Reference == order.ClientOrderID {
			return true, nil
		}
	}
	return false, nil
}
