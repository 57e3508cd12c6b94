package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stakeops/taxledger/domain/disposal"
	"github.com/stakeops/taxledger/domain/ledger"
	"github.com/stakeops/taxledger/domain/reconcile"
	"github.com/stakeops/taxledger/domain/sweep"
	"github.com/stakeops/taxledger/entities"
	"github.com/stakeops/taxledger/external/chain"
	elasticexport "github.com/stakeops/taxledger/external/elastic"
	"github.com/stakeops/taxledger/external/exchange"
	"github.com/stakeops/taxledger/external/kafka"
	"github.com/stakeops/taxledger/external/pricing"
	"github.com/stakeops/taxledger/infrastructure/store/pebbledb"
	"github.com/stakeops/taxledger/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const prefix = "TAXLEDGER"

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	config := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %v", err)
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	var cfg struct {
		InternalStoreFolder string        `conf:"default:store"`
		ServerListenAddr    string        `conf:"default:0.0.0.0:8000"`
		SyncInterval        time.Duration `conf:"default:5m"`
		FetchTimeout        time.Duration `conf:"default:20s"`
		MaxAttempts         int           `conf:"default:3"`
		RetryBackoff        time.Duration `conf:"default:2s"`
		HoldingPeriodDays   int           `conf:"default:365"`
		RoundingPlaces      int32         `conf:"default:8"`
		// address:role pairs, role one of system, stake, vote
		Accounts []string `conf:"default:localnet-system:system"`
		Chain    struct {
			RpcUrl string `conf:"default:http://127.0.0.1:8899"`
		}
		Pricing struct {
			BaseUrl      string        `conf:"default:https://api.coingecko.com"`
			AssetId      string        `conf:"default:solana"`
			Currency     string        `conf:"default:usd"`
			SpotCacheTTL time.Duration `conf:"default:1m"`
		}
		Exchange struct {
			BaseUrl   string `conf:"default:http://127.0.0.1:9100"`
			ApiKey    string `conf:"default:dev-key,noprint"`
			SecretKey string `conf:"default:dev-secret,noprint"`
		}
		Sweep struct {
			Enabled       bool          `conf:"default:false"`
			SourceAccount string        `conf:"default:"`
			StakeAccount  string        `conf:"default:"`
			MinQuantity   uint64        `conf:"default:1000000000"`
			MaxAttempts   uint32        `conf:"default:5"`
			RetryBackoff  time.Duration `conf:"default:5s"`
			CallTimeout   time.Duration `conf:"default:30s"`
		}
		Kafka struct {
			Enabled          bool     `conf:"default:false"`
			BootstrapServers []string `conf:"default:localhost:9092"`
			DisposalsTopic   string   `conf:"default:taxledger-disposals"`
			LotsTopic        string   `conf:"default:taxledger-lots"`
		}
		Elastic struct {
			Enabled        bool          `conf:"default:false"`
			Address        string        `conf:"default:http://localhost:9200"`
			LotsIndex      string        `conf:"default:taxledger-lots"`
			DisposalsIndex string        `conf:"default:taxledger-disposals"`
			BulkTimeout    time.Duration `conf:"default:30s"`
		}
	}

	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %v", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %v", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %v", err)
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %v", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	store, err := pebbledb.NewStore(cfg.InternalStoreFolder)
	if err != nil {
		return fmt.Errorf("creating store: %v", err)
	}
	defer store.Close()

	if err := seedAccounts(store, cfg.Accounts); err != nil {
		return fmt.Errorf("seeding tracked accounts: %v", err)
	}

	procMetrics := metrics.NewProcessingMetrics("taxledger")

	chainClient := chain.NewClient(cfg.Chain.RpcUrl, cfg.FetchTimeout)
	pricingClient := pricing.NewClient(cfg.Pricing.BaseUrl, cfg.Pricing.AssetId, cfg.Pricing.Currency,
		cfg.FetchTimeout, cfg.Pricing.SpotCacheTTL)
	exchangeClient := exchange.NewClient(cfg.Exchange.BaseUrl, cfg.Exchange.ApiKey, cfg.Exchange.SecretKey,
		cfg.FetchTimeout)

	var publisher disposal.Publisher = noopPublisher{}
	var kafkaClient *kafka.Client
	if cfg.Kafka.Enabled {
		kafkaMetrics := kprom.NewMetrics("taxledger",
			kprom.Registerer(prometheus.DefaultRegisterer),
			kprom.Gatherer(prometheus.DefaultGatherer))

		kcl, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.Kafka.BootstrapServers...),
			kgo.ProducerBatchCompression(kgo.ZstdCompression()),
			kgo.WithHooks(kafkaMetrics),
		)
		if err != nil {
			return errors.Wrap(err, "creating kafka client")
		}
		defer kcl.Close()
		kafkaClient = kafka.NewClient(kcl, cfg.Kafka.DisposalsTopic, cfg.Kafka.LotsTopic)
		publisher = kafkaClient
	}

	var exporter *elasticexport.Client
	if cfg.Elastic.Enabled {
		exporter, err = elasticexport.NewClient(cfg.Elastic.Address, cfg.Elastic.LotsIndex,
			cfg.Elastic.DisposalsIndex, cfg.Elastic.BulkTimeout)
		if err != nil {
			return fmt.Errorf("creating elastic client: %v", err)
		}
	}

	lotLedger := ledger.NewLedger(store, sLogger)
	reconciler := reconcile.NewReconciler(chainClient, pricingClient, store,
		cfg.FetchTimeout, cfg.MaxAttempts, cfg.RetryBackoff, sLogger, procMetrics)
	matcher := disposal.NewMatcher(lotLedger, publisher,
		time.Duration(cfg.HoldingPeriodDays)*24*time.Hour, cfg.RoundingPlaces, sLogger, procMetrics)
	orderSync := disposal.NewOrderSync(matcher, exchangeClient, store, sLogger)
	coordinator := sweep.NewCoordinator(exchangeClient, chainClient, store, lotLedger,
		cfg.Sweep.MinQuantity, cfg.Sweep.MaxAttempts, cfg.Sweep.RetryBackoff, cfg.Sweep.CallTimeout,
		sLogger, procMetrics)

	svc := &service{
		store:       store,
		ledger:      lotLedger,
		reconciler:  reconciler,
		orderSync:   orderSync,
		coordinator: coordinator,
		observer:    chainClient,
		exporter:    exporter,
		interval:    cfg.SyncInterval,
		sweepConfig: sweepConfig{
			enabled:      cfg.Sweep.Enabled,
			source:       cfg.Sweep.SourceAccount,
			stakeAccount: cfg.Sweep.StakeAccount,
		},
		logger: sLogger,
	}
	if kafkaClient != nil {
		svc.lotPublisher = kafkaClient
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svcErrors := make(chan error, 1)
	go func() {
		svcErrors <- svc.start(ctx)
	}()

	http.HandleFunc("/v1/status", statusHandler(store))
	http.Handle("/metrics", promhttp.Handler())

	serverErr := make(chan error, 1)

	go func() {
		serverErr <- http.ListenAndServe(cfg.ServerListenAddr, nil)
	}()

	for {
		select {
		case <-shutdown:
			return errors.New("shutting down")
		case err := <-svcErrors:
			return fmt.Errorf("processing error: %v", err)
		case err := <-serverErr:
			return fmt.Errorf("server error: %v", err)
		}
	}
}

// statusHandler reports the reconciliation checkpoint of every tracked
// account.
func statusHandler(store *pebbledb.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := store.GetAccounts()
		if err != nil {
			http.Error(w, fmt.Sprintf("getting tracked accounts: %v", err), http.StatusInternalServerError)
			return
		}
		checkpoints := make(map[string]uint64, len(accounts))
		for _, account := range accounts {
			epoch, err := store.GetLastReconciledEpoch(account.Address)
			if err != nil && !errors.Is(err, entities.ErrStoreEntityNotFound) {
				http.Error(w, fmt.Sprintf("getting checkpoint: %v", err), http.StatusInternalServerError)
				return
			}
			checkpoints[account.Address] = epoch
		}
		response := map[string]map[string]uint64{
			"lastReconciledEpochs": checkpoints,
		}
		data, err := json.Marshal(response)
		if err != nil {
			http.Error(w, fmt.Sprintf("marshalling response: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, err = w.Write(data)
		if err != nil {
			http.Error(w, fmt.Sprintf("writing response: %v", err), http.StatusInternalServerError)
			return
		}
	}
}

func seedAccounts(store *pebbledb.Store, specs []string) error {
	for _, spec := range specs {
		address, role, found := strings.Cut(spec, ":")
		if !found {
			return errors.Errorf("malformed account [%s], expected address:role", spec)
		}
		switch entities.AccountRole(role) {
		case entities.RoleSystem, entities.RoleStake, entities.RoleVote:
		default:
			return errors.Errorf("unknown account role [%s]", role)
		}
		err := store.SetAccount(&entities.TrackedAccount{
			Address: address,
			Role:    entities.AccountRole(role),
		})
		if err != nil {
			return errors.Wrapf(err, "storing account [%s]", address)
		}
	}
	return nil
}

type noopPublisher struct{}

func (noopPublisher) PublishDisposals(context.Context, []entities.Disposal) error {
	return nil
}
