package kafka

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pkg/errors"
	"github.com/stakeops/taxledger/entities"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaClient interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// Client publishes committed ledger records for the downstream report and
// export pipeline. Records are JSON, keyed by account and record id.
type Client struct {
	kcl            KafkaClient
	disposalsTopic string
	lotsTopic      string
}

func NewClient(kafkaClient KafkaClient, disposalsTopic, lotsTopic string) *Client {
	return &Client{
		kcl:            kafkaClient,
		disposalsTopic: disposalsTopic,
		lotsTopic:      lotsTopic,
	}
}

func (kc *Client) PublishDisposals(ctx context.Context, disposals []entities.Disposal) error {
	records := make([]*kgo.Record, 0, len(disposals))
	for _, disposal := range disposals {
		record, err := createRecord(kc.disposalsTopic, disposal.Account, disposal.ID, disposal)
		if err != nil {
			return errors.Wrap(err, "creating disposal record")
		}
		records = append(records, record)
	}
	return kc.produce(ctx, records)
}

func (kc *Client) PublishLots(ctx context.Context, lots []entities.Lot) error {
	records := make([]*kgo.Record, 0, len(lots))
	for _, lot := range lots {
		record, err := createRecord(kc.lotsTopic, lot.Account, lot.ID, lot)
		if err != nil {
			return errors.Wrap(err, "creating lot record")
		}
		records = append(records, record)
	}
	return kc.produce(ctx, records)
}

func (kc *Client) produce(ctx context.Context, records []*kgo.Record) error {
	wg := sync.WaitGroup{}
	errorChannel := make(chan error, len(records))

	for _, record := range records {
		wg.Add(1)
		kc.kcl.Produce(ctx, record, func(_ *kgo.Record, err error) {
			defer wg.Done()
			if err != nil {
				log.Printf("Error while producing record: %v", err)
				errorChannel <- err
				return
			}
			errorChannel <- nil
		})
	}

	wg.Wait()
	close(errorChannel)

	for err := range errorChannel {
		if err != nil {
			return errors.New("encountered errors while producing records")
		}
	}
	return nil
}

func createRecord(topic, account string, id uint64, payload any) (*kgo.Record, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling record to json: %w", err)
	}
	key := []byte(account)
	key = binary.BigEndian.AppendUint64(key, id)

	return &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}, nil
}
