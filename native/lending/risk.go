package lending

import (
	"fmt"
	"math/big"

	"lendpool/crypto"
)

// quote reads a live price for the asset. A missing, non-positive, or stale
// quote rejects the operation with ErrPriceUnavailable; the engine never
// caches a quote across operations.
func (e *Engine) quote(asset string) (*PriceQuote, error) {
	if e.oracle == nil {
		return nil, errNilOracle
	}
	q, err := e.oracle.Price(asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, asset, err)
	}
	if q == nil || q.Price == nil || q.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, asset)
	}
	if e.maxQuoteAge > 0 {
		if q.Timestamp == 0 || e.ledgerTime > q.Timestamp+e.maxQuoteAge {
			return nil, fmt.Errorf("%w: %s: quote stale", ErrPriceUnavailable, asset)
		}
	}
	return q, nil
}

// valueDown converts an underlying amount into the oracle base currency
// rounding down; valueUp rounds up. Collateral is valued down and debt up so
// admission always errs on the side of the pool.
func valueDown(amount *big.Int, q *PriceQuote, decimals uint32) (*big.Int, error) {
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	out := new(big.Int).Mul(amount, q.Price)
	out.Quo(out, pow10(decimals))
	return checkRange(out)
}

func valueUp(amount *big.Int, q *PriceQuote, decimals uint32) (*big.Int, error) {
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	out := new(big.Int).Mul(amount, q.Price)
	return quoCeil(out, pow10(decimals))
}

// amountFromBase converts a base-currency value back into underlying units
// rounding down.
func amountFromBase(value *big.Int, q *PriceQuote, decimals uint32) (*big.Int, error) {
	if value == nil || value.Sign() == 0 {
		return big.NewInt(0), nil
	}
	out := new(big.Int).Mul(value, pow10(decimals))
	out.Quo(out, q.Price)
	return checkRange(out)
}

// hasAnyDebt reports whether the user owes anything anywhere. Share balances
// do not move under accrual, so this check reads positions without touching
// coefficients.
func (e *Engine) hasAnyDebt(ctx *opContext, user crypto.Address) (bool, error) {
	assets, err := e.state.ListReserves()
	if err != nil {
		return false, err
	}
	for _, asset := range assets {
		pos, err := e.loadPosition(ctx, asset, user)
		if err != nil {
			return false, err
		}
		if pos.DebtShares.Sign() > 0 {
			return true, nil
		}
	}
	return false, nil
}

// accountSnapshot derives the user's live risk picture across every reserve
// they hold a position in. Touched reserves accrue (once) before their
// coefficients are read; prices are read live. Reserves where the user holds
// nothing are skipped entirely, so an idle reserve never demands a price.
func (e *Engine) accountSnapshot(ctx *opContext, user crypto.Address) (*AccountSnapshot, error) {
	assets, err := e.state.ListReserves()
	if err != nil {
		return nil, err
	}
	snapshot := &AccountSnapshot{
		DiscountedCollateral:  big.NewInt(0),
		LiquidationCollateral: big.NewInt(0),
		Debt:                  big.NewInt(0),
	}
	for _, asset := range assets {
		pos, err := e.loadPosition(ctx, asset, user)
		if err != nil {
			return nil, err
		}
		if pos.DepositShares.Sign() == 0 && pos.DebtShares.Sign() == 0 {
			continue
		}
		reserve, err := e.loadReserve(ctx, asset)
		if err != nil {
			return nil, err
		}
		q, err := e.quote(asset)
		if err != nil {
			return nil, err
		}
		if pos.DepositShares.Sign() > 0 {
			underlying, err := rayMulDown(pos.DepositShares, reserve.CollateralCoeff)
			if err != nil {
				return nil, err
			}
			value, err := valueDown(underlying, q, reserve.Config.Decimals)
			if err != nil {
				return nil, err
			}
			discounted, err := mulBpsDown(value, reserve.Config.CollateralFactorBps)
			if err != nil {
				return nil, err
			}
			if snapshot.DiscountedCollateral, err = addChecked(snapshot.DiscountedCollateral, discounted); err != nil {
				return nil, err
			}
			weighted, err := mulBpsDown(value, reserve.Config.LiquidationThresholdBps)
			if err != nil {
				return nil, err
			}
			if snapshot.LiquidationCollateral, err = addChecked(snapshot.LiquidationCollateral, weighted); err != nil {
				return nil, err
			}
		}
		if pos.DebtShares.Sign() > 0 {
			underlying, err := rayMulUp(pos.DebtShares, reserve.DebtCoeff)
			if err != nil {
				return nil, err
			}
			value, err := valueUp(underlying, q, reserve.Config.Decimals)
			if err != nil {
				return nil, err
			}
			if snapshot.Debt, err = addChecked(snapshot.Debt, value); err != nil {
				return nil, err
			}
		}
	}
	return snapshot, nil
}
