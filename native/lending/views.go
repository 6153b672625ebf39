package lending

import (
	"math/big"

	"lendpool/crypto"
)

// ReserveSnapshot is a read-only view of a reserve with coefficients brought
// forward to the engine's ledger time. Views never persist the accrual; the
// next mutating operation recomputes it.
type ReserveSnapshot struct {
	Config          ReserveConfig
	CollateralCoeff *big.Int
	DebtCoeff       *big.Int
	TotalDeposits   *big.Int
	TotalDebt       *big.Int
	UtilizationBps  uint64
	LastAccrual     uint64
}

// PositionSnapshot is a read-only view of one user's claim against one
// reserve, valued at the accrued coefficients.
type PositionSnapshot struct {
	Asset         string
	DepositShares *big.Int
	DebtShares    *big.Int
	Deposited     *big.Int
	Owed          *big.Int
}

// GetReserve returns the accrued view of a reserve.
func (e *Engine) GetReserve(asset string) (*ReserveSnapshot, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	stored, err := e.state.GetReserve(asset)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, ErrUnknownAsset
	}
	reserve := stored.Clone()
	reserve.ensureDefaults()
	if err := e.accrueReserve(reserve, nil); err != nil {
		return nil, err
	}
	return reserveSnapshot(reserve)
}

// ListReserveSnapshots returns the accrued view of every configured reserve.
func (e *Engine) ListReserveSnapshots() ([]*ReserveSnapshot, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	assets, err := e.state.ListReserves()
	if err != nil {
		return nil, err
	}
	out := make([]*ReserveSnapshot, 0, len(assets))
	for _, asset := range assets {
		snap, err := e.GetReserve(asset)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func reserveSnapshot(reserve *Reserve) (*ReserveSnapshot, error) {
	totalDeposits, err := rayMulDown(reserve.TotalDepositShares, reserve.CollateralCoeff)
	if err != nil {
		return nil, err
	}
	totalDebt, err := rayMulUp(reserve.TotalDebtShares, reserve.DebtCoeff)
	if err != nil {
		return nil, err
	}
	var utilBps uint64
	if totalDeposits.Sign() > 0 && totalDebt.Sign() > 0 {
		scaled := new(big.Int).Mul(totalDebt, basisPoints)
		scaled.Quo(scaled, totalDeposits)
		if scaled.IsUint64() {
			utilBps = scaled.Uint64()
		}
	}
	return &ReserveSnapshot{
		Config:          reserve.Config,
		CollateralCoeff: reserve.CollateralCoeff,
		DebtCoeff:       reserve.DebtCoeff,
		TotalDeposits:   totalDeposits,
		TotalDebt:       totalDebt,
		UtilizationBps:  utilBps,
		LastAccrual:     reserve.LastAccrual,
	}, nil
}

// GetPosition returns the user's claim against one reserve valued at the
// accrued coefficients.
func (e *Engine) GetPosition(asset string, user crypto.Address) (*PositionSnapshot, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	stored, err := e.state.GetReserve(asset)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, ErrUnknownAsset
	}
	reserve := stored.Clone()
	reserve.ensureDefaults()
	if err := e.accrueReserve(reserve, nil); err != nil {
		return nil, err
	}
	pos, err := e.state.GetPosition(asset, user)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &Position{Address: user, Asset: asset}
	}
	pos.ensureDefaults()
	deposited, err := rayMulDown(pos.DepositShares, reserve.CollateralCoeff)
	if err != nil {
		return nil, err
	}
	owed, err := rayMulUp(pos.DebtShares, reserve.DebtCoeff)
	if err != nil {
		return nil, err
	}
	return &PositionSnapshot{
		Asset:         asset,
		DepositShares: pos.DepositShares,
		DebtShares:    pos.DebtShares,
		Deposited:     deposited,
		Owed:          owed,
	}, nil
}

// GetAccountSnapshot derives the user's live risk picture. It requires a
// price for every reserve the user holds a position in.
func (e *Engine) GetAccountSnapshot(user crypto.Address) (*AccountSnapshot, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ctx := newOpContext()
	return e.accountSnapshot(ctx, user)
}

// GetFeeAccrual returns the treasury fee ledger for a reserve.
func (e *Engine) GetFeeAccrual(asset string) (*FeeAccrual, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	fees, err := e.state.GetFeeAccrual(asset)
	if err != nil {
		return nil, err
	}
	if fees == nil {
		fees = &FeeAccrual{}
	}
	fees.ensureDefaults()
	return fees, nil
}
