package lending

import "math/big"

// accrueReserve advances the reserve's coefficients for the time elapsed
// since the last accrual. The debt coefficient compounds rounding up so the
// pool never under-charges borrowers; the collateral coefficient grows by the
// lender share of the same interest rounding down so the pool never
// over-credits lenders. The reserve-factor remainder is recorded as a pending
// treasury claim, realized as underlying retained in the vault until swept.
//
// A zero elapsed time is a no-op, which makes accrual idempotent inside one
// operation.
func (e *Engine) accrueReserve(reserve *Reserve, fees *FeeAccrual) error {
	if reserve == nil {
		return errNilState
	}
	reserve.ensureDefaults()

	if e.ledgerTime <= reserve.LastAccrual {
		return nil
	}
	delta := e.ledgerTime - reserve.LastAccrual
	reserve.LastAccrual = e.ledgerTime

	totalDeposits, err := rayMulDown(reserve.TotalDepositShares, reserve.CollateralCoeff)
	if err != nil {
		return err
	}
	totalDebt, err := rayMulUp(reserve.TotalDebtShares, reserve.DebtCoeff)
	if err != nil {
		return err
	}
	if totalDebt.Sign() == 0 || totalDeposits.Sign() == 0 {
		// No borrower activity: both coefficients stay exactly where
		// they are.
		return nil
	}

	utilization := Utilization(totalDebt, totalDeposits)
	rate := rateModelFor(reserve.Config).BorrowRate(utilization)
	if rate.Sign() <= 0 {
		return nil
	}

	// growth = r(u) * delta / secondsPerYear
	growth := new(big.Rat).Mul(rate, new(big.Rat).SetFrac(
		new(big.Int).SetUint64(delta), big.NewInt(secondsPerYear)))

	one := new(big.Rat).SetInt64(1)

	debtFactor, err := ratToRayUp(new(big.Rat).Add(one, growth))
	if err != nil {
		return err
	}
	if reserve.DebtCoeff, err = rayMulUp(reserve.DebtCoeff, debtFactor); err != nil {
		return err
	}

	// Lenders earn the utilization-weighted share of the borrow rate, net
	// of the reserve factor.
	lenderWeight := new(big.Rat).SetFrac(
		new(big.Int).SetUint64(10_000-reserve.Config.ReserveFactorBps), basisPoints)
	lenderGrowth := new(big.Rat).Mul(growth, utilization)
	lenderGrowth.Mul(lenderGrowth, lenderWeight)

	collatFactor, err := ratToRayDown(new(big.Rat).Add(one, lenderGrowth))
	if err != nil {
		return err
	}
	if reserve.CollateralCoeff, err = rayMulDown(reserve.CollateralCoeff, collatFactor); err != nil {
		return err
	}

	if fees != nil && reserve.Config.ReserveFactorBps > 0 {
		interest, err := mulRatDown(totalDebt, growth)
		if err != nil {
			return err
		}
		cut, err := mulBpsDown(interest, reserve.Config.ReserveFactorBps)
		if err != nil {
			return err
		}
		if cut.Sign() > 0 {
			if fees.PendingWei, err = addChecked(fees.PendingWei, cut); err != nil {
				return err
			}
		}
	}
	return nil
}
