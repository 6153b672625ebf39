package lending

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
	// maxValue bounds every coefficient and share computation. The pool
	// mirrors 128-bit signed ledger arithmetic: exceeding the bound is a
	// hard ErrArithmeticOverflow, never a silent saturation.
	maxValue = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
)

const secondsPerYear = 31_536_000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func checkRange(v *big.Int) (*big.Int, error) {
	if v == nil {
		return big.NewInt(0), nil
	}
	if v.CmpAbs(maxValue) > 0 {
		return nil, ErrArithmeticOverflow
	}
	return v, nil
}

// rayMulDown computes a*b/ray rounding toward zero. Used wherever the
// protocol credits value to a user: the user receives at most fair value.
func rayMulDown(a, b *big.Int) (*big.Int, error) {
	if a == nil || b == nil {
		return big.NewInt(0), nil
	}
	product := new(big.Int).Mul(a, b)
	product.Quo(product, ray)
	return checkRange(product)
}

// rayMulUp computes ceil(a*b/ray). Used wherever the protocol charges value:
// the user owes at least fair value.
func rayMulUp(a, b *big.Int) (*big.Int, error) {
	if a == nil || b == nil {
		return big.NewInt(0), nil
	}
	product := new(big.Int).Mul(a, b)
	return quoCeil(product, ray)
}

// rayDivDown computes a*ray/b rounding toward zero.
func rayDivDown(a, b *big.Int) (*big.Int, error) {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0), nil
	}
	numerator := new(big.Int).Mul(a, ray)
	numerator.Quo(numerator, b)
	return checkRange(numerator)
}

// rayDivUp computes ceil(a*ray/b).
func rayDivUp(a, b *big.Int) (*big.Int, error) {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0), nil
	}
	numerator := new(big.Int).Mul(a, ray)
	return quoCeil(numerator, b)
}

func quoCeil(num, den *big.Int) (*big.Int, error) {
	if den == nil || den.Sign() == 0 {
		return big.NewInt(0), nil
	}
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return checkRange(q)
}

// mulBpsDown computes a*bps/10000 rounding toward zero.
func mulBpsDown(a *big.Int, bps uint64) (*big.Int, error) {
	if a == nil || a.Sign() == 0 || bps == 0 {
		return big.NewInt(0), nil
	}
	out := new(big.Int).Mul(a, new(big.Int).SetUint64(bps))
	out.Quo(out, basisPoints)
	return checkRange(out)
}

// mulBpsUp computes ceil(a*bps/10000).
func mulBpsUp(a *big.Int, bps uint64) (*big.Int, error) {
	if a == nil || a.Sign() == 0 || bps == 0 {
		return big.NewInt(0), nil
	}
	out := new(big.Int).Mul(a, new(big.Int).SetUint64(bps))
	return quoCeil(out, basisPoints)
}

// ratToRayUp converts a rational factor to ray scale rounding up, for debt
// growth. ratToRayDown rounds down, for lender credit.
func ratToRayUp(r *big.Rat) (*big.Int, error) {
	if r == nil || r.Sign() <= 0 {
		return new(big.Int).Set(ray), nil
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	return quoCeil(scaled.Num(), scaled.Denom())
}

func ratToRayDown(r *big.Rat) (*big.Int, error) {
	if r == nil || r.Sign() <= 0 {
		return new(big.Int).Set(ray), nil
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	out := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	return checkRange(out)
}

// mulRatDown computes floor(v * r) for a non-negative rational r.
func mulRatDown(v *big.Int, r *big.Rat) (*big.Int, error) {
	if v == nil || v.Sign() == 0 || r == nil || r.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(v))
	out := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	return checkRange(out)
}

// pow10 returns 10^n as a big integer.
func pow10(n uint32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
