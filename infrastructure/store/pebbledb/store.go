package pebbledb

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/pebble/v2"
	"github.com/pkg/errors"
	"github.com/stakeops/taxledger/entities"
)

// Key prefixes. Variable-length address components are terminated with 0x00,
// which cannot occur in a base58 address.
const (
	accountKey    byte = 0x00
	lotKey        byte = 0x01
	disposalKey   byte = 0x02
	sweepKey      byte = 0x03
	checkpointKey byte = 0x04
	rewardMarkKey byte = 0x05
	orderKey      byte = 0x06
	sequenceKey   byte = 0x07
	keySeparator  byte = 0x00
)

const maxSequence = ^uint64(0)

// Store is the single-writer persisted ledger state. Every multi-entity
// mutation goes through one pebble batch committed with pebble.Sync, so an
// interrupted run leaves the previous consistent state intact.
type Store struct {
	db *pebble.DB
}

func NewStore(storeDir string) (*Store, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "taxledger-store"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %v", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- accounts ---

func accountKeyFor(address string) []byte {
	return append([]byte{accountKey}, address...)
}

func (s *Store) SetAccount(account *entities.TrackedAccount) error {
	value, err := encode(account)
	if err != nil {
		return errors.Wrap(err, "encoding account")
	}
	err = s.db.Set(accountKeyFor(account.Address), value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "setting account [%s]", account.Address)
	}
	return nil
}

func (s *Store) GetAccount(address string) (*entities.TrackedAccount, error) {
	var account entities.TrackedAccount
	err := s.get(accountKeyFor(address), &account)
	if err != nil {
		return nil, errors.Wrapf(err, "getting account [%s]", address)
	}
	return &account, nil
}

func (s *Store) GetAccounts() ([]entities.TrackedAccount, error) {
	var accounts []entities.TrackedAccount
	err := s.iterate(accountKey, func(_, value []byte) error {
		var account entities.TrackedAccount
		if err := decode(value, &account); err != nil {
			return err
		}
		accounts = append(accounts, account)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "iterating accounts")
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Address < accounts[j].Address })
	return accounts, nil
}

// --- reconciliation checkpoint ---

func checkpointKeyFor(address string) []byte {
	return append([]byte{checkpointKey}, address...)
}

func (s *Store) GetLastReconciledEpoch(address string) (uint64, error) {
	value, closer, err := s.db.Get(checkpointKeyFor(address))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return 0, errors.Wrapf(err, "getting checkpoint for [%s]", address)
	}
	defer closeOrLog(closer)
	return binary.BigEndian.Uint64(value), nil
}

func (s *Store) SetLastReconciledEpoch(address string, epoch uint64) error {
	var value []byte
	value = binary.BigEndian.AppendUint64(value, epoch)
	err := s.db.Set(checkpointKeyFor(address), value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "setting checkpoint for [%s] to [%d]", address, epoch)
	}
	return nil
}

// --- lots ---

func lotKeyFor(account string, id uint64) []byte {
	key := append([]byte{lotKey}, account...)
	key = append(key, keySeparator)
	return binary.BigEndian.AppendUint64(key, id)
}

func rewardMarkKeyFor(account string, epoch uint64, kind entities.RewardKind) []byte {
	key := append([]byte{rewardMarkKey}, account...)
	key = append(key, keySeparator)
	key = binary.BigEndian.AppendUint64(key, epoch)
	return append(key, kind...)
}

// OpenLot persists a new lot and assigns its id. Used for purchases and
// other acquisitions that carry no epoch dedup semantics.
func (s *Store) OpenLot(lot *entities.Lot) (uint64, error) {
	batch := s.db.NewBatch()
	defer batch.Close()

	id, err := s.nextSequence(batch)
	if err != nil {
		return 0, errors.Wrap(err, "allocating lot id")
	}
	lot.ID = id
	if err := setEncoded(batch, lotKeyFor(lot.Account, id), lot); err != nil {
		return 0, errors.Wrap(err, "writing lot")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, errors.Wrap(err, "committing lot")
	}
	return id, nil
}

// HasRewardLot reports whether an income lot was already created for the
// given (account, epoch, kind) triple.
func (s *Store) HasRewardLot(account string, epoch uint64, kind entities.RewardKind) (bool, error) {
	_, closer, err := s.db.Get(rewardMarkKeyFor(account, epoch, kind))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "getting reward marker for [%s] epoch [%d]", account, epoch)
	}
	closeOrLog(closer)
	return true, nil
}

// CreateIncomeLot atomically writes the income lot, its dedup marker and the
// advanced reconciliation checkpoint. Replaying the same epoch returns
// entities.ErrAlreadyProcessed without touching the store.
func (s *Store) CreateIncomeLot(lot *entities.Lot, epoch uint64, kind entities.RewardKind) (uint64, error) {
	seen, err := s.HasRewardLot(lot.Account, epoch, kind)
	if err != nil {
		return 0, err
	}
	if seen {
		return 0, entities.ErrAlreadyProcessed
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	id, err := s.nextSequence(batch)
	if err != nil {
		return 0, errors.Wrap(err, "allocating lot id")
	}
	lot.ID = id
	if err := setEncoded(batch, lotKeyFor(lot.Account, id), lot); err != nil {
		return 0, errors.Wrap(err, "writing lot")
	}
	var marker []byte
	marker = binary.BigEndian.AppendUint64(marker, id)
	if err := batch.Set(rewardMarkKeyFor(lot.Account, epoch, kind), marker, nil); err != nil {
		return 0, errors.Wrap(err, "writing reward marker")
	}
	var checkpoint []byte
	checkpoint = binary.BigEndian.AppendUint64(checkpoint, epoch)
	if err := batch.Set(checkpointKeyFor(lot.Account), checkpoint, nil); err != nil {
		return 0, errors.Wrap(err, "writing checkpoint")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, errors.Wrap(err, "committing income lot")
	}
	return id, nil
}

func (s *Store) GetLot(account string, id uint64) (*entities.Lot, error) {
	var lot entities.Lot
	err := s.get(lotKeyFor(account, id), &lot)
	if err != nil {
		return nil, errors.Wrapf(err, "getting lot [%d] of [%s]", id, account)
	}
	return &lot, nil
}

// GetLots returns all lots of the account, open and closed, in id order.
func (s *Store) GetLots(account string) ([]*entities.Lot, error) {
	lower := append([]byte{lotKey}, account...)
	lower = append(lower, keySeparator)
	upper := binary.BigEndian.AppendUint64(bytes.Clone(lower), maxSequence)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	var lots []*entities.Lot
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, errors.Wrap(err, "getting value from iter")
		}
		var lot entities.Lot
		if err := decode(value, &lot); err != nil {
			return nil, errors.Wrap(err, "decoding lot")
		}
		lots = append(lots, &lot)
	}
	return lots, nil
}

// --- disposals ---

func disposalKeyFor(account string, id uint64) []byte {
	key := append([]byte{disposalKey}, account...)
	key = append(key, keySeparator)
	return binary.BigEndian.AppendUint64(key, id)
}

// CommitDisposal writes the disposal record and the reduced lots it consumed
// in one transaction.
func (s *Store) CommitDisposal(disposal *entities.Disposal, consumed []*entities.Lot) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	id, err := s.nextSequence(batch)
	if err != nil {
		return errors.Wrap(err, "allocating disposal id")
	}
	disposal.ID = id
	if err := setEncoded(batch, disposalKeyFor(disposal.Account, id), disposal); err != nil {
		return errors.Wrap(err, "writing disposal")
	}
	for _, lot := range consumed {
		if err := setEncoded(batch, lotKeyFor(lot.Account, lot.ID), lot); err != nil {
			return errors.Wrapf(err, "writing lot [%d]", lot.ID)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "committing disposal")
	}
	return nil
}

func (s *Store) GetDisposals(account string) ([]*entities.Disposal, error) {
	lower := append([]byte{disposalKey}, account...)
	lower = append(lower, keySeparator)
	upper := binary.BigEndian.AppendUint64(bytes.Clone(lower), maxSequence)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	var disposals []*entities.Disposal
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, errors.Wrap(err, "getting value from iter")
		}
		var disposal entities.Disposal
		if err := decode(value, &disposal); err != nil {
			return nil, errors.Wrap(err, "decoding disposal")
		}
		disposals = append(disposals, &disposal)
	}
	return disposals, nil
}

// --- sweep tasks ---

func sweepKeyFor(correlationID string) []byte {
	return append([]byte{sweepKey}, correlationID...)
}

func (s *Store) SaveSweepTask(task *entities.SweepTask) error {
	value, err := encode(task)
	if err != nil {
		return errors.Wrap(err, "encoding sweep task")
	}
	err = s.db.Set(sweepKeyFor(task.CorrelationID), value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "saving sweep task [%s]", task.CorrelationID)
	}
	return nil
}

func (s *Store) GetSweepTask(correlationID string) (*entities.SweepTask, error) {
	var task entities.SweepTask
	err := s.get(sweepKeyFor(correlationID), &task)
	if err != nil {
		return nil, errors.Wrapf(err, "getting sweep task [%s]", correlationID)
	}
	return &task, nil
}

func (s *Store) GetSweepTasks() ([]*entities.SweepTask, error) {
	var tasks []*entities.SweepTask
	err := s.iterate(sweepKey, func(_, value []byte) error {
		var task entities.SweepTask
		if err := decode(value, &task); err != nil {
			return err
		}
		tasks = append(tasks, &task)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "iterating sweep tasks")
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

// CommitSweepTransfer finalizes a completed sweep: the task, the consumed
// source lots, the transfer-out disposal and the transfer-in lots on the
// stake account commit together or not at all.
func (s *Store) CommitSweepTransfer(task *entities.SweepTask, disposal *entities.Disposal,
	sourceLots []*entities.Lot, destLots []*entities.Lot) error {

	batch := s.db.NewBatch()
	defer batch.Close()

	id, err := s.nextSequence(batch)
	if err != nil {
		return errors.Wrap(err, "allocating disposal id")
	}
	disposal.ID = id
	if err := setEncoded(batch, disposalKeyFor(disposal.Account, id), disposal); err != nil {
		return errors.Wrap(err, "writing transfer disposal")
	}
	for _, lot := range sourceLots {
		if err := setEncoded(batch, lotKeyFor(lot.Account, lot.ID), lot); err != nil {
			return errors.Wrapf(err, "writing source lot [%d]", lot.ID)
		}
	}
	for _, lot := range destLots {
		lotID, err := s.nextSequence(batch)
		if err != nil {
			return errors.Wrap(err, "allocating lot id")
		}
		lot.ID = lotID
		if err := setEncoded(batch, lotKeyFor(lot.Account, lotID), lot); err != nil {
			return errors.Wrapf(err, "writing destination lot [%d]", lotID)
		}
	}
	if err := setEncoded(batch, sweepKeyFor(task.CorrelationID), task); err != nil {
		return errors.Wrap(err, "writing sweep task")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "committing sweep transfer")
	}
	return nil
}

// --- pending orders ---

func orderKeyFor(clientOrderID string) []byte {
	return append([]byte{orderKey}, clientOrderID...)
}

func (s *Store) SavePendingOrder(order *entities.PendingOrder) error {
	value, err := encode(order)
	if err != nil {
		return errors.Wrap(err, "encoding pending order")
	}
	err = s.db.Set(orderKeyFor(order.ClientOrderID), value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "saving pending order [%s]", order.ClientOrderID)
	}
	return nil
}

func (s *Store) DeletePendingOrder(clientOrderID string) error {
	err := s.db.Delete(orderKeyFor(clientOrderID), pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "deleting pending order [%s]", clientOrderID)
	}
	return nil
}

func (s *Store) GetPendingOrders() ([]*entities.PendingOrder, error) {
	var orders []*entities.PendingOrder
	err := s.iterate(orderKey, func(_, value []byte) error {
		var order entities.PendingOrder
		if err := decode(value, &order); err != nil {
			return err
		}
		orders = append(orders, &order)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "iterating pending orders")
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].PlacedAt.Before(orders[j].PlacedAt) })
	return orders, nil
}

// --- internal ---

// nextSequence allocates the next monotonic id. The new counter value is
// written into the batch, so the allocation only becomes durable together
// with the records that use it. Single-writer model, no further locking.
func (s *Store) nextSequence(batch *pebble.Batch) (uint64, error) {
	var last uint64
	value, closer, err := s.db.Get([]byte{sequenceKey})
	if err == nil {
		last = binary.BigEndian.Uint64(value)
		closeOrLog(closer)
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return 0, errors.Wrap(err, "reading sequence")
	}
	// ids already handed out within this batch are not visible in the db yet
	next := last + 1 + uint64(batch.Count())

	var encoded []byte
	encoded = binary.BigEndian.AppendUint64(encoded, next)
	if err := batch.Set([]byte{sequenceKey}, encoded, nil); err != nil {
		return 0, errors.Wrap(err, "writing sequence")
	}
	return next, nil
}

func (s *Store) get(key []byte, target any) error {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return err
	}
	defer closeOrLog(closer)
	return decode(value, target)
}

func (s *Store) iterate(prefix byte, visit func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefix},
		UpperBound: []byte{prefix + 1},
	})
	if err != nil {
		return errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return errors.Wrap(err, "getting value from iter")
		}
		if err := visit(iter.Key(), value); err != nil {
			return err
		}
	}
	return nil
}

func setEncoded(batch *pebble.Batch, key []byte, value any) error {
	encoded, err := encode(value)
	if err != nil {
		return err
	}
	return batch.Set(key, encoded, nil)
}

func encode(value any) ([]byte, error) {
	buffer := new(bytes.Buffer)
	if err := gob.NewEncoder(buffer).Encode(value); err != nil {
		return nil, errors.Wrap(err, "gob encoding")
	}
	return buffer.Bytes(), nil
}

func decode(value []byte, target any) error {
	if err := gob.NewDecoder(bytes.NewBuffer(value)).Decode(target); err != nil {
		return errors.Wrap(err, "gob decoding")
	}
	return nil
}

func closeOrLog(closer io.Closer) {
	if err := closer.Close(); err != nil {
		log.Printf("[ERROR] closing db value: %v", err)
	}
}
