package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stakeops/taxledger/entities"
)

// Client indexes audit snapshots of lots and disposals so that the report
// tooling can search them. Documents are idempotent: the id is derived from
// the record id, so re-indexing after a replayed run overwrites in place.
type Client struct {
	lotsIndex      string
	disposalsIndex string
	esClient       *elasticsearch.Client
}

func NewClient(address, lotsIndex, disposalsIndex string, timeout time.Duration) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{address},
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: timeout,
		},
	}

	esClient, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %v", err)
	}

	return &Client{
		lotsIndex:      lotsIndex,
		disposalsIndex: disposalsIndex,
		esClient:       esClient,
	}, nil
}

func (es *Client) IndexLots(ctx context.Context, lots []*entities.Lot) error {
	var buf bytes.Buffer
	for _, lot := range lots {
		docID := fmt.Sprintf("%s-%d", lot.Account, lot.ID)
		if err := appendBulkLine(&buf, es.lotsIndex, docID, lot); err != nil {
			return err
		}
	}
	return es.bulk(ctx, &buf)
}

func (es *Client) IndexDisposals(ctx context.Context, disposals []*entities.Disposal) error {
	var buf bytes.Buffer
	for _, disposal := range disposals {
		docID := fmt.Sprintf("%s-%d", disposal.Account, disposal.ID)
		if err := appendBulkLine(&buf, es.disposalsIndex, docID, disposal); err != nil {
			return err
		}
	}
	return es.bulk(ctx, &buf)
}

func appendBulkLine(buf *bytes.Buffer, index, docID string, document any) error {
	meta := []byte(fmt.Sprintf(`{ "index": { "_index": "%s", "_id": "%s" } }%s`, index, docID, "\n"))
	buf.Write(meta)

	data, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("error serializing document: %w", err)
	}
	buf.Write(data)
	buf.Write([]byte("\n"))
	return nil
}

func (es *Client) bulk(ctx context.Context, buf *bytes.Buffer) error {
	if buf.Len() == 0 {
		return nil
	}
	res, err := es.esClient.Bulk(bytes.NewReader(buf.Bytes()),
		es.esClient.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("bulk request error: %s", res.String())
	}
	return nil
}
