// Package config loads the node configuration from defaults, an optional
// file and HIE_ prefixed environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/VanDung-dev/HieraChain-TxPool/codec"
	"github.com/VanDung-dev/HieraChain-TxPool/core"
	"github.com/VanDung-dev/HieraChain-TxPool/engine"
	"github.com/VanDung-dev/HieraChain-TxPool/logger"
	"github.com/VanDung-dev/HieraChain-TxPool/network"
	"github.com/VanDung-dev/HieraChain-TxPool/storage"
)

// EnvPrefix prefixes every environment override, e.g. HIE_POOL_WORKERS.
const EnvPrefix = "HIE"

// Config is the full node configuration.
type Config struct {
	Log     logger.Config `mapstructure:"log"`
	Storage StorageConfig `mapstructure:"storage"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Codec   codec.Params  `mapstructure:"codec"`
	API     APIConfig     `mapstructure:"api"`
	Network NetworkConfig `mapstructure:"network"`
}

// StorageConfig locates the pool log.
type StorageConfig struct {
	// InMemory keeps the log in memory; the pool does not survive a restart.
	InMemory  bool              `mapstructure:"in_memory"`
	Path      string            `mapstructure:"path"`
	Sync      bool              `mapstructure:"sync"`
	CacheSize datasize.ByteSize `mapstructure:"cache_size"`
}

// AddonBytes charges extra virtual bytes to one transaction kind.
type AddonBytes struct {
	TypeGroup uint32 `mapstructure:"type_group"`
	Type      uint16 `mapstructure:"type"`
	Bytes     uint64 `mapstructure:"bytes"`
}

// PoolConfig is the flat pool configuration surface.
type PoolConfig struct {
	MaxTransactionsInPool     int               `mapstructure:"max_transactions_in_pool"`
	MaxTransactionsPerSender  int               `mapstructure:"max_transactions_per_sender"`
	AllowedSenders            []string          `mapstructure:"allowed_senders"`
	MaxTransactionAge         uint64            `mapstructure:"max_transaction_age"`
	SweepInterval             time.Duration     `mapstructure:"sweep_interval"`
	MaxTransactionSize        datasize.ByteSize `mapstructure:"max_transaction_size"`
	MaxTransactionsPerRequest int               `mapstructure:"max_transactions_per_request"`
	Workers                   int               `mapstructure:"workers"`
	WorkerQueueSize           int               `mapstructure:"worker_queue_size"`
	VerifyTimeout             time.Duration     `mapstructure:"verify_timeout"`
	ParkTimeout               time.Duration     `mapstructure:"park_timeout"`
	MaxParked                 int               `mapstructure:"max_parked"`
	RejectionCacheSize        int               `mapstructure:"rejection_cache_size"`
	RejectionCacheTTL         time.Duration     `mapstructure:"rejection_cache_ttl"`
	PoolFee                   engine.FeeTier    `mapstructure:"pool_fee"`
	BroadcastFee              engine.FeeTier    `mapstructure:"broadcast_fee"`
	AddonBytes                []AddonBytes      `mapstructure:"addon_bytes"`
	MaxBlockTransactions      int               `mapstructure:"max_block_transactions"`
	MaxBlockPayload           datasize.ByteSize `mapstructure:"max_block_payload"`
	RebroadcastInterval       time.Duration     `mapstructure:"rebroadcast_interval"`
}

// APIConfig configures the ingress servers.
type APIConfig struct {
	GRPCAddress    string            `mapstructure:"grpc_address"`
	ArrowAddress   string            `mapstructure:"arrow_address"`
	MetricsAddress string            `mapstructure:"metrics_address"`
	AuthToken      string            `mapstructure:"auth_token"`
	MaxMessageSize datasize.ByteSize `mapstructure:"max_message_size"`
}

// NetworkConfig configures peer relay. An empty Host disables it.
type NetworkConfig struct {
	NodeID      string        `mapstructure:"node_id"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Peers       []string      `mapstructure:"peers"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	pool := core.DefaultConfig()
	return Config{
		Log: logger.DefaultConfig(),
		Storage: StorageConfig{
			Path:      "data/txpool",
			CacheSize: 8 * datasize.MB,
		},
		Pool: PoolConfig{
			MaxTransactionsInPool:     pool.Mempool.MaxTransactionsInPool,
			MaxTransactionsPerSender:  pool.Mempool.MaxTransactionsPerSender,
			MaxTransactionAge:         pool.Expiration.MaxTransactionAge,
			SweepInterval:             pool.Expiration.SweepInterval,
			MaxTransactionSize:        datasize.ByteSize(pool.Processor.MaxTransactionBytes),
			MaxTransactionsPerRequest: pool.Processor.MaxTransactionsPerRequest,
			Workers:                   pool.Workers.Workers,
			WorkerQueueSize:           pool.Workers.QueueSize,
			VerifyTimeout:             pool.Workers.Timeout,
			ParkTimeout:               pool.Processor.ParkTimeout,
			MaxParked:                 pool.Processor.MaxParked,
			RejectionCacheSize:        pool.Processor.RejectionCacheSize,
			RejectionCacheTTL:         pool.Processor.RejectionCacheTTL,
			PoolFee:                   pool.Fees.Pool,
			BroadcastFee:              pool.Fees.Broadcast,
			MaxBlockTransactions:      pool.Collator.MaxTransactionsPerBlock,
			MaxBlockPayload:           datasize.ByteSize(pool.Collator.MaxBlockPayloadBytes),
			RebroadcastInterval:       time.Minute,
		},
		Codec: codec.Params{Network: 1},
		API: APIConfig{
			GRPCAddress:    ":50051",
			ArrowAddress:   ":50052",
			MetricsAddress: ":9090",
			MaxMessageSize: 16 * datasize.MB,
		},
		Network: NetworkConfig{
			NodeID:      "node-1",
			Port:        5555,
			SendTimeout: 5 * time.Second,
		},
	}
}

// Load reads path (yaml, toml or json by extension) over the defaults and
// applies environment overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	cfg := Default()
	setDefaults(v, "", reflect.ValueOf(cfg))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(strings.TrimPrefix(filepath.Ext(path), "."))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("cannot read configuration %s: %w", path, err)
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("configuration can't be decoded: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every leaf of value under its mapstructure key so
// environment variables can override keys absent from the file.
func setDefaults(v *viper.Viper, prefix string, value reflect.Value) {
	t := value.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		fv := value.Field(i)
		switch {
		case fv.Kind() == reflect.Struct:
			setDefaults(v, key, fv)
			continue
		case fv.Kind() == reflect.Slice && fv.IsNil():
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

// Validate rejects settings the pool cannot run with.
func (c *Config) Validate() error {
	p := c.Pool
	switch {
	case p.MaxTransactionsInPool < 0:
		return fmt.Errorf("pool.max_transactions_in_pool must not be negative")
	case p.MaxTransactionsPerSender < 0:
		return fmt.Errorf("pool.max_transactions_per_sender must not be negative")
	case p.PoolFee.MaxFeeRate < p.PoolFee.MinFeeRate:
		return fmt.Errorf("pool.pool_fee: max_fee_rate %d below min_fee_rate %d", p.PoolFee.MaxFeeRate, p.PoolFee.MinFeeRate)
	case p.BroadcastFee.MaxFeeRate < p.BroadcastFee.MinFeeRate:
		return fmt.Errorf("pool.broadcast_fee: max_fee_rate %d below min_fee_rate %d", p.BroadcastFee.MaxFeeRate, p.BroadcastFee.MinFeeRate)
	case !c.Storage.InMemory && c.Storage.Path == "":
		return fmt.Errorf("storage.path is required unless storage.in_memory is set")
	}
	for _, peer := range c.Network.Peers {
		if _, _, err := network.ParsePeer(peer); err != nil {
			return fmt.Errorf("network.peers: %w", err)
		}
	}
	return nil
}

// CoreConfig converts the flat surface into the pool's component configs.
func (c *Config) CoreConfig() core.Config {
	p := c.Pool
	addons := make(map[engine.Kind]uint64, len(p.AddonBytes))
	for _, a := range p.AddonBytes {
		addons[engine.Kind{TypeGroup: a.TypeGroup, Type: a.Type}] = a.Bytes
	}
	return core.Config{
		Mempool: engine.MempoolConfig{
			MaxTransactionsInPool:    p.MaxTransactionsInPool,
			MaxTransactionsPerSender: p.MaxTransactionsPerSender,
			AllowedSenders:           p.AllowedSenders,
		},
		Fees: engine.FeeConfig{
			Pool:       p.PoolFee,
			Broadcast:  p.BroadcastFee,
			AddonBytes: addons,
		},
		Collator: engine.CollatorConfig{
			MaxTransactionsPerBlock: p.MaxBlockTransactions,
			MaxBlockPayloadBytes:    int(p.MaxBlockPayload.Bytes()),
		},
		Processor: core.ProcessorConfig{
			MaxTransactionBytes:       int(p.MaxTransactionSize.Bytes()),
			MaxTransactionsPerRequest: p.MaxTransactionsPerRequest,
			QueueSize:                 core.DefaultProcessorConfig().QueueSize,
			ParkTimeout:               p.ParkTimeout,
			MaxParked:                 p.MaxParked,
			WorkerRetryTimeout:        core.DefaultProcessorConfig().WorkerRetryTimeout,
			BroadcastTimeout:          c.Network.SendTimeout * 2,
			RejectionCacheSize:        p.RejectionCacheSize,
			RejectionCacheTTL:         p.RejectionCacheTTL,
		},
		Workers: core.WorkerPoolConfig{
			Workers:   p.Workers,
			QueueSize: p.WorkerQueueSize,
			Timeout:   p.VerifyTimeout,
		},
		Expiration: core.ExpirationConfig{
			MaxTransactionAge: p.MaxTransactionAge,
			SweepInterval:     p.SweepInterval,
		},
		Codec: c.Codec,
	}
}

// StoreConfig returns the leveldb settings.
func (c *Config) StoreConfig() storage.Config {
	return storage.Config{Path: c.Storage.Path, Sync: c.Storage.Sync, CacheSize: c.Storage.CacheSize}
}

// NetworkServiceConfig returns the relay settings. ok is false when relay is
// disabled.
func (c *Config) NetworkServiceConfig() (cfg network.NetworkConfig, ok bool) {
	if c.Network.Host == "" {
		return cfg, false
	}
	cfg = network.DefaultNetworkConfig()
	cfg.NodeID = c.Network.NodeID
	cfg.Host = c.Network.Host
	cfg.Port = c.Network.Port
	cfg.Peers = c.Network.Peers
	if c.Network.SendTimeout > 0 {
		cfg.SendTimeout = c.Network.SendTimeout
	}
	return cfg, true
}
