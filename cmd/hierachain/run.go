package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/HieraChain-TxPool/api"
	"github.com/VanDung-dev/HieraChain-TxPool/codec"
	"github.com/VanDung-dev/HieraChain-TxPool/config"
	"github.com/VanDung-dev/HieraChain-TxPool/core"
	"github.com/VanDung-dev/HieraChain-TxPool/engine"
	"github.com/VanDung-dev/HieraChain-TxPool/handlers"
	"github.com/VanDung-dev/HieraChain-TxPool/ledger"
	"github.com/VanDung-dev/HieraChain-TxPool/logger"
	"github.com/VanDung-dev/HieraChain-TxPool/network"
	"github.com/VanDung-dev/HieraChain-TxPool/storage"
)

const shutdownTimeout = 10 * time.Second

func runNode(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *storage.Store
	if cfg.Storage.InMemory {
		store, err = storage.OpenMemory()
	} else {
		store, err = storage.Open(cfg.StoreConfig())
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("closing store", zap.Error(err))
		}
	}()

	l := ledger.NewMemory()
	if seed := c.String(devSeedFlag.Name); seed != "" {
		fundDevAccounts(l, seed, c.Uint(devAccountsFlag.Name), c.Uint64(devBalanceFlag.Name), log)
	}
	registry := engine.NewHandlerRegistry()
	if err := handlers.NewTransferHandler(l).Register(registry); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := api.NewMetrics("hierachain", reg)

	deps := core.Dependencies{
		Ledger:   l,
		Handlers: registry,
		Store:    store,
		Recorder: metrics,
		Logger:   log,
	}
	var relay *network.NetworkService
	if netCfg, ok := cfg.NetworkServiceConfig(); ok {
		if relay, err = network.NewNetworkService(netCfg, log); err != nil {
			return err
		}
		deps.Broadcaster = relay
	}

	pool, err := core.NewPool(cfg.CoreConfig(), deps)
	if err != nil {
		return err
	}
	stats, err := pool.Start(ctx)
	if err != nil {
		return err
	}
	defer pool.Stop()
	log.Info("Pool started",
		zap.Int("restored", stats.Restored),
		zap.Int("dropped", stats.Dropped),
		zap.Uint8("network", cfg.Codec.Network))

	if relay != nil {
		relay.SetTransactionHandler(func(ctx context.Context, payloads [][]byte) {
			submitChunks(ctx, pool, payloads, cfg.Pool.MaxTransactionsPerRequest, log)
		})
		if err := relay.Start(); err != nil {
			return err
		}
		defer relay.Stop()
	}

	maxMsg := int(cfg.API.MaxMessageSize.Bytes())
	grpcServer, err := api.NewServer(pool, &api.ServerConfig{
		Address:        cfg.API.GRPCAddress,
		MaxRecvMsgSize: maxMsg,
		MaxSendMsgSize: maxMsg,
	}, metrics, log)
	if err != nil {
		return err
	}
	arrowServer := api.NewArrowServer(pool, &api.ArrowServerConfig{
		Address:          cfg.API.ArrowAddress,
		MaxMessageSize:   maxMsg,
		AuthToken:        cfg.API.AuthToken,
		HandshakeTimeout: api.DefaultArrowServerConfig().HandshakeTimeout,
	}, metrics, log)
	metricsServer := api.NewMetricsServer(cfg.API.MetricsAddress, reg, pool.Err)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.GRPCAddress != "" {
		g.Go(grpcServer.Start)
	}
	if cfg.API.ArrowAddress != "" {
		g.Go(arrowServer.Start)
	}
	if cfg.API.MetricsAddress != "" {
		g.Go(metricsServer.Start)
	}
	if relay != nil && cfg.Pool.RebroadcastInterval > 0 {
		g.Go(func() error {
			rebroadcast(gctx, pool, cfg.Pool.RebroadcastInterval, cfg.Pool.MaxTransactionsPerRequest, log)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		grpcServer.Stop()
		arrowServer.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsServer.Stop(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return pool.Err()
}

// fundDevAccounts credits the first n keys derived from seed.
func fundDevAccounts(l *ledger.Memory, seed string, n uint, balance uint64, log *zap.Logger) {
	for i := uint(0); i < n; i++ {
		address := codec.KeyAddress(codec.DevKey(seed, uint32(i)))
		l.Credit(address, balance)
		log.Debug("Funded development account", zap.String("address", address))
	}
	log.Warn("Development accounts funded", zap.Uint("count", n))
}

// submitChunks admits relayed payloads in request-sized batches.
func submitChunks(ctx context.Context, pool *core.Pool, payloads [][]byte, size int, log *zap.Logger) {
	if size <= 0 {
		size = len(payloads)
	}
	for len(payloads) > 0 {
		n := min(size, len(payloads))
		res, err := pool.Submit(ctx, payloads[:n])
		if err != nil {
			log.Warn("Relayed batch refused", zap.Error(err))
			return
		}
		log.Debug("Relayed batch admitted",
			zap.Int("accepted", len(res.Accepted())),
			zap.Int("rejected", len(res.Rejected())))
		payloads = payloads[n:]
	}
}

func rebroadcast(ctx context.Context, pool *core.Pool, interval time.Duration, limit int, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pool.Rebroadcast(ctx, limit)
			if err != nil {
				log.Warn("Rebroadcast failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Debug("Rebroadcast", zap.Int("transactions", n))
			}
		}
	}
}
