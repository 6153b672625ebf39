package lending

import (
	"math/big"

	"lendpool/crypto"
)

// ReserveConfig groups the governance-controlled parameters for a single
// reserve. All ratios are expressed in basis points for deterministic
// accounting.
type ReserveConfig struct {
	// Asset is the underlying asset symbol the reserve accounts for.
	Asset string
	// SToken is the deposit-receipt token minted against deposits.
	SToken string
	// DebtToken is the debt-receipt token minted against borrows.
	DebtToken string
	// Decimals is the underlying asset's decimal scale, used when
	// converting amounts into the oracle base currency.
	Decimals uint32
	// CollateralFactorBps discounts deposit value inside the borrow
	// admission snapshot.
	CollateralFactorBps uint64
	// LiquidationThresholdBps is the discounted-collateral weight at which
	// a position becomes liquidatable.
	LiquidationThresholdBps uint64
	// LiquidationBonusBps is the seizure discount granted to liquidators.
	LiquidationBonusBps uint64
	// ReserveFactorBps routes a share of accrued interest to the treasury.
	ReserveFactorBps uint64
	// UtilizationCapBps bounds borrow utilization relative to deposits.
	UtilizationCapBps uint64
	// FlashLoanFeeBps is the premium charged on transfer-and-return flash
	// loan entries.
	FlashLoanFeeBps uint64
	// Rate curve parameters, see RateModel.
	BaseRateBps    uint64
	Slope1Bps      uint64
	Slope2Bps      uint64
	OptimalUtilBps uint64
	// Frozen blocks new deposits and borrows while still allowing exits.
	Frozen bool
}

// Reserve captures the mutable accounting state of one asset. Coefficients
// are ray-scale (1e27) accrual indexes and never decrease.
type Reserve struct {
	Config ReserveConfig
	// CollateralCoeff converts deposit shares to underlying value.
	CollateralCoeff *big.Int
	// DebtCoeff converts debt shares to owed underlying value.
	DebtCoeff *big.Int
	// LastAccrual is the ledger timestamp of the last coefficient update.
	LastAccrual uint64
	// TotalDepositShares and TotalDebtShares aggregate all positions.
	TotalDepositShares *big.Int
	TotalDebtShares    *big.Int
}

// Position records one user's claim against one reserve. Rows are zeroed on
// full exit, never deleted, so reserve share totals stay reconstructible.
type Position struct {
	Address       crypto.Address
	Asset         string
	DepositShares *big.Int
	DebtShares    *big.Int
}

// FeeAccrual tracks the treasury's pending cut of accrued interest and
// flash-loan premiums for one reserve, realized as underlying retained in the
// vault until swept.
type FeeAccrual struct {
	PendingWei *big.Int
	SweptWei   *big.Int
}

// AccountSnapshot is the derived risk picture for a user, valued live in the
// oracle base currency. It is never persisted.
type AccountSnapshot struct {
	// DiscountedCollateral sums deposit value weighted by each reserve's
	// collateral factor.
	DiscountedCollateral *big.Int
	// LiquidationCollateral sums deposit value weighted by each reserve's
	// liquidation threshold.
	LiquidationCollateral *big.Int
	// Debt sums owed value across all reserves.
	Debt *big.Int
}

// Healthy reports whether the snapshot admits further margin-decreasing
// operations.
func (s *AccountSnapshot) Healthy() bool {
	if s == nil || s.Debt == nil || s.Debt.Sign() == 0 {
		return true
	}
	if s.DiscountedCollateral == nil {
		return false
	}
	return s.DiscountedCollateral.Cmp(s.Debt) >= 0
}

// Liquidatable reports whether the position has crossed the liquidation
// threshold.
func (s *AccountSnapshot) Liquidatable() bool {
	if s == nil || s.Debt == nil || s.Debt.Sign() == 0 {
		return false
	}
	if s.LiquidationCollateral == nil {
		return true
	}
	return s.LiquidationCollateral.Cmp(s.Debt) < 0
}

// Clone returns a deep copy of the reserve.
func (r *Reserve) Clone() *Reserve {
	if r == nil {
		return nil
	}
	clone := &Reserve{Config: r.Config, LastAccrual: r.LastAccrual}
	if r.CollateralCoeff != nil {
		clone.CollateralCoeff = new(big.Int).Set(r.CollateralCoeff)
	}
	if r.DebtCoeff != nil {
		clone.DebtCoeff = new(big.Int).Set(r.DebtCoeff)
	}
	if r.TotalDepositShares != nil {
		clone.TotalDepositShares = new(big.Int).Set(r.TotalDepositShares)
	}
	if r.TotalDebtShares != nil {
		clone.TotalDebtShares = new(big.Int).Set(r.TotalDebtShares)
	}
	return clone
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{Address: p.Address, Asset: p.Asset}
	if p.DepositShares != nil {
		clone.DepositShares = new(big.Int).Set(p.DepositShares)
	}
	if p.DebtShares != nil {
		clone.DebtShares = new(big.Int).Set(p.DebtShares)
	}
	return clone
}

// Clone returns a deep copy of the fee accrual record.
func (f *FeeAccrual) Clone() *FeeAccrual {
	if f == nil {
		return nil
	}
	clone := &FeeAccrual{}
	if f.PendingWei != nil {
		clone.PendingWei = new(big.Int).Set(f.PendingWei)
	}
	if f.SweptWei != nil {
		clone.SweptWei = new(big.Int).Set(f.SweptWei)
	}
	return clone
}

func (r *Reserve) ensureDefaults() {
	if r.CollateralCoeff == nil || r.CollateralCoeff.Sign() == 0 {
		r.CollateralCoeff = new(big.Int).Set(ray)
	}
	if r.DebtCoeff == nil || r.DebtCoeff.Sign() == 0 {
		r.DebtCoeff = new(big.Int).Set(ray)
	}
	if r.TotalDepositShares == nil {
		r.TotalDepositShares = big.NewInt(0)
	}
	if r.TotalDebtShares == nil {
		r.TotalDebtShares = big.NewInt(0)
	}
}

func (p *Position) ensureDefaults() {
	if p.DepositShares == nil {
		p.DepositShares = big.NewInt(0)
	}
	if p.DebtShares == nil {
		p.DebtShares = big.NewInt(0)
	}
}

func (f *FeeAccrual) ensureDefaults() {
	if f.PendingWei == nil {
		f.PendingWei = big.NewInt(0)
	}
	if f.SweptWei == nil {
		f.SweptWei = big.NewInt(0)
	}
}
