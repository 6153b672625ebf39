package lending

import "math/big"

// RateModel shapes the borrow rate response to reserve utilization: a gentle
// slope up to the optimal utilization point and a steep slope beyond it, so
// lenders are protected from complete illiquidity. All parameters are basis
// points; the curve itself is evaluated on exact rationals so the engine
// stays integer-only deterministic.
type RateModel struct {
	BaseRate    *big.Rat
	Slope1      *big.Rat
	Slope2      *big.Rat
	OptimalUtil *big.Rat
}

// NewRateModel constructs a rate model from basis-point parameters, e.g. a 2%
// base rate is 200 and an 80% optimal utilization is 8000.
func NewRateModel(baseRateBps, slope1Bps, slope2Bps, optimalUtilBps uint64) *RateModel {
	fromBps := func(bps uint64) *big.Rat {
		return new(big.Rat).SetFrac(new(big.Int).SetUint64(bps), basisPoints)
	}
	return &RateModel{
		BaseRate:    fromBps(baseRateBps),
		Slope1:      fromBps(slope1Bps),
		Slope2:      fromBps(slope2Bps),
		OptimalUtil: fromBps(optimalUtilBps),
	}
}

// Clone returns a deep copy of the rate model.
func (m *RateModel) Clone() *RateModel {
	if m == nil {
		return nil
	}
	clone := &RateModel{
		BaseRate:    new(big.Rat),
		Slope1:      new(big.Rat),
		Slope2:      new(big.Rat),
		OptimalUtil: new(big.Rat),
	}
	if m.BaseRate != nil {
		clone.BaseRate.Set(m.BaseRate)
	}
	if m.Slope1 != nil {
		clone.Slope1.Set(m.Slope1)
	}
	if m.Slope2 != nil {
		clone.Slope2.Set(m.Slope2)
	}
	if m.OptimalUtil != nil {
		clone.OptimalUtil.Set(m.OptimalUtil)
	}
	return clone
}

// Utilization computes U = totalDebtValue / totalDepositValue. When no
// deposits exist the utilization is defined as zero.
func Utilization(totalDebt, totalDeposits *big.Int) *big.Rat {
	if totalDebt == nil || totalDebt.Sign() == 0 {
		return new(big.Rat)
	}
	if totalDeposits == nil || totalDeposits.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(totalDebt, totalDeposits)
}

// BorrowRate derives the annual borrow rate for the given utilization.
func (m *RateModel) BorrowRate(utilization *big.Rat) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	if utilization == nil || utilization.Sign() == 0 {
		return rate
	}

	optimal := cloneRat(m.OptimalUtil)
	slope1 := cloneRat(m.Slope1)
	slope2 := cloneRat(m.Slope2)
	if optimal.Sign() == 0 || utilization.Cmp(optimal) <= 0 {
		// Linear region before the optimal point.
		return rate.Add(rate, new(big.Rat).Mul(slope1, utilization))
	}

	// Rate at the optimal point using slope1.
	rate.Add(rate, new(big.Rat).Mul(slope1, optimal))

	// Additional rate beyond the optimal point using slope2.
	excess := new(big.Rat).Sub(utilization, optimal)
	if excess.Sign() < 0 {
		excess.SetInt64(0)
	}
	return rate.Add(rate, new(big.Rat).Mul(slope2, excess))
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

// rateModelFor builds the curve from the reserve's configured breakpoints.
func rateModelFor(cfg ReserveConfig) *RateModel {
	return NewRateModel(cfg.BaseRateBps, cfg.Slope1Bps, cfg.Slope2Bps, cfg.OptimalUtilBps)
}
