package lending

import (
	"math/big"

	"lendpool/crypto"
	nativecommon "lendpool/native/common"
)

// Liquidate lets any caller repay part or all of an undercollateralized
// target's debt in the chosen debt asset and receive the target's collateral
// in the chosen collateral asset at a bonus-discounted price. When full is
// set the requested amount is ignored and the target's whole outstanding debt
// in that asset is covered. The repaid debt and seized collateral amounts are
// returned.
//
// Seized value is capped at the target's available collateral in the chosen
// asset; when the bonus-adjusted seizure would exceed it, the repay amount is
// scaled down proportionally instead of failing, unless not even a single
// unit can move.
func (e *Engine) Liquidate(liquidator, target crypto.Address, debtAsset, collateralAsset string, amount *big.Int, full bool) (*big.Int, *big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	if !full {
		if err := validAmount(amount); err != nil {
			return nil, nil, err
		}
	}

	ctx := newOpContext()

	snapshot, err := e.accountSnapshot(ctx, target)
	if err != nil {
		return nil, nil, err
	}
	if !snapshot.Liquidatable() {
		return nil, nil, ErrNotLiquidatable
	}

	debtReserve, err := e.loadReserve(ctx, debtAsset)
	if err != nil {
		return nil, nil, err
	}
	collReserve, err := e.loadReserve(ctx, collateralAsset)
	if err != nil {
		return nil, nil, err
	}
	debtPos, err := e.loadPosition(ctx, debtAsset, target)
	if err != nil {
		return nil, nil, err
	}
	if debtPos.DebtShares.Sign() == 0 {
		return nil, nil, errNoDebtToRepay
	}
	collPos, err := e.loadPosition(ctx, collateralAsset, target)
	if err != nil {
		return nil, nil, err
	}
	if collPos.DepositShares.Sign() == 0 {
		return nil, nil, ErrNothingToSeize
	}

	owed, err := rayMulUp(debtPos.DebtShares, debtReserve.DebtCoeff)
	if err != nil {
		return nil, nil, err
	}
	repay := new(big.Int).Set(owed)
	if !full && amount.Cmp(owed) < 0 {
		repay = new(big.Int).Set(amount)
	}

	debtQuote, err := e.quote(debtAsset)
	if err != nil {
		return nil, nil, err
	}
	collQuote, err := e.quote(collateralAsset)
	if err != nil {
		return nil, nil, err
	}

	// Collateral bought at better-than-market rate: the repaid value is
	// grossed up by the liquidation bonus before conversion.
	repayBase, err := valueDown(repay, debtQuote, debtReserve.Config.Decimals)
	if err != nil {
		return nil, nil, err
	}
	seizeBase, err := mulBpsDown(repayBase, 10_000+collReserve.Config.LiquidationBonusBps)
	if err != nil {
		return nil, nil, err
	}
	seize, err := amountFromBase(seizeBase, collQuote, collReserve.Config.Decimals)
	if err != nil {
		return nil, nil, err
	}

	available, err := rayMulDown(collPos.DepositShares, collReserve.CollateralCoeff)
	if err != nil {
		return nil, nil, err
	}
	if seize.Cmp(available) > 0 {
		// Scale the repay down in proportion to the collateral that is
		// actually there.
		scaled := new(big.Int).Mul(repay, available)
		repay = scaled.Quo(scaled, seize)
		seize = new(big.Int).Set(available)
	}
	if seize.Sign() == 0 || repay.Sign() == 0 {
		return nil, nil, ErrNothingToSeize
	}

	vaultBal, err := e.tokens.BalanceOf(collateralAsset, e.vaultAddr)
	if err != nil {
		return nil, nil, err
	}
	if vaultBal.Cmp(seize) < 0 {
		return nil, nil, ErrInsufficientLiquidity
	}

	// Burn debt shares for the repaid amount, rounding down, capped at the
	// target's balance; a full repay clears every share.
	var burnDebtShares *big.Int
	if repay.Cmp(owed) >= 0 {
		burnDebtShares = new(big.Int).Set(debtPos.DebtShares)
	} else {
		if burnDebtShares, err = rayDivDown(repay, debtReserve.DebtCoeff); err != nil {
			return nil, nil, err
		}
		if burnDebtShares.Cmp(debtPos.DebtShares) > 0 {
			burnDebtShares = new(big.Int).Set(debtPos.DebtShares)
		}
	}

	// Burn deposit shares for the seized amount, rounding up, capped at
	// the target's balance.
	burnCollShares, err := rayDivUp(seize, collReserve.CollateralCoeff)
	if err != nil {
		return nil, nil, err
	}
	if burnCollShares.Cmp(collPos.DepositShares) > 0 {
		burnCollShares = new(big.Int).Set(collPos.DepositShares)
	}

	if err := e.tokens.Transfer(debtAsset, liquidator, e.vaultAddr, repay); err != nil {
		return nil, nil, err
	}
	if err := e.tokens.Burn(debtReserve.Config.DebtToken, target, burnDebtShares); err != nil {
		return nil, nil, err
	}
	if err := e.tokens.Burn(collReserve.Config.SToken, target, burnCollShares); err != nil {
		return nil, nil, err
	}
	if err := e.tokens.Transfer(collateralAsset, e.vaultAddr, liquidator, seize); err != nil {
		return nil, nil, err
	}

	debtPos.DebtShares = new(big.Int).Sub(debtPos.DebtShares, burnDebtShares)
	debtReserve.TotalDebtShares = new(big.Int).Sub(debtReserve.TotalDebtShares, burnDebtShares)
	collPos.DepositShares = new(big.Int).Sub(collPos.DepositShares, burnCollShares)
	collReserve.TotalDepositShares = new(big.Int).Sub(collReserve.TotalDepositShares, burnCollShares)

	if err := e.commit(ctx); err != nil {
		return nil, nil, err
	}
	return repay, seize, nil
}
