package engine

// FeeTier is a congestion-scaled fee-rate band in fee units per byte.
type FeeTier struct {
	MinFeeRate uint64 `json:"min_fee_rate" mapstructure:"min_fee_rate"`
	MaxFeeRate uint64 `json:"max_fee_rate" mapstructure:"max_fee_rate"`
}

// FeeConfig configures the FeeMatcher.
type FeeConfig struct {
	Pool      FeeTier `json:"pool" mapstructure:"pool"`
	Broadcast FeeTier `json:"broadcast" mapstructure:"broadcast"`
	// AddonBytes adds virtual bytes to the fee basis per transaction kind.
	AddonBytes map[Kind]uint64 `json:"-" mapstructure:"-"`
}

// DefaultFeeConfig returns the default fee tiers.
func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		Pool:      FeeTier{MinFeeRate: 1, MaxFeeRate: 100},
		Broadcast: FeeTier{MinFeeRate: 1, MaxFeeRate: 100},
	}
}

// Occupancy reports how full the pool is.
type Occupancy interface {
	Size() int
	Capacity() int
}

// FeeMatcher decides whether a transaction pays enough to enter the pool or
// to be broadcast, given current congestion.
type FeeMatcher struct {
	cfg       FeeConfig
	occupancy Occupancy
}

// NewFeeMatcher creates a fee matcher reading congestion from occupancy.
func NewFeeMatcher(cfg FeeConfig, occupancy Occupancy) *FeeMatcher {
	return &FeeMatcher{cfg: cfg, occupancy: occupancy}
}

// MinFeeRate interpolates linearly between the tier's bounds by pool occupancy.
func (f *FeeMatcher) MinFeeRate(tier FeeTier) uint64 {
	lo, hi := tier.MinFeeRate, tier.MaxFeeRate
	if hi <= lo {
		return lo
	}
	size, capacity := f.occupancy.Size(), f.occupancy.Capacity()
	if capacity <= 0 || size <= 0 {
		return lo
	}
	if size >= capacity {
		return hi
	}
	return lo + (hi-lo)*uint64(size)/uint64(capacity)
}

// MinFee is the lowest fee tx may pay under tier right now.
func (f *FeeMatcher) MinFee(tx *Transaction, tier FeeTier) (fee, rate uint64) {
	rate = f.MinFeeRate(tier)
	return rate * (uint64(tx.Size()) + f.cfg.AddonBytes[tx.Kind()]), rate
}

// CheckEnterPool fails with *FeeTooLowError when tx pays below the pool threshold.
func (f *FeeMatcher) CheckEnterPool(tx *Transaction) error {
	return f.check(tx, f.cfg.Pool, false)
}

// CheckBroadcast fails with *FeeTooLowError when tx pays below the broadcast threshold.
func (f *FeeMatcher) CheckBroadcast(tx *Transaction) error {
	return f.check(tx, f.cfg.Broadcast, true)
}

func (f *FeeMatcher) check(tx *Transaction, tier FeeTier, broadcast bool) error {
	minFee, rate := f.MinFee(tx, tier)
	if tx.Fee < minFee {
		return &FeeTooLowError{Fee: tx.Fee, MinFee: minFee, MinFeeRate: rate, Broadcast: broadcast}
	}
	return nil
}
