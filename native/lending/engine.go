package lending

import (
	"fmt"
	"math/big"
	"strings"

	"lendpool/crypto"
	nativecommon "lendpool/native/common"
)

const moduleName = "lending"

// MaxSentinel marks "the entire position": a withdraw for at least this
// amount burns every deposit share, a repay covers the full outstanding debt
// including interest accrued since the debt was last touched.
var MaxSentinel = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// engineState is the persistence surface the engine runs against. The node
// layer binds a journaled implementation per operation so that every state
// transition commits atomically or not at all.
type engineState interface {
	GetReserve(asset string) (*Reserve, error)
	PutReserve(asset string, reserve *Reserve) error
	ListReserves() ([]string, error)
	GetPosition(asset string, addr crypto.Address) (*Position, error)
	PutPosition(asset string, position *Position) error
	GetFeeAccrual(asset string) (*FeeAccrual, error)
	PutFeeAccrual(asset string, fees *FeeAccrual) error
}

// Engine orchestrates the state transitions for the lending pool: reserve
// accounting, admission control, liquidation pricing, and flash-loan
// settlement. It is single-threaded per operation; the host serializes calls.
type Engine struct {
	state       engineState
	tokens      TokenBackend
	oracle      PriceOracle
	vaultAddr   crypto.Address
	treasury    crypto.Address
	admin       crypto.Address
	ledgerTime  uint64
	maxQuoteAge uint64
	pauses      nativecommon.PauseView
}

// NewEngine constructs an engine bound to the pool vault, treasury, and admin
// identities.
func NewEngine(vault, treasury, admin crypto.Address) *Engine {
	return &Engine{vaultAddr: vault, treasury: treasury, admin: admin}
}

// SetState wires the engine to the persistence layer for the next operation.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTokenBackend wires the fungible-token collaborator.
func (e *Engine) SetTokenBackend(tokens TokenBackend) { e.tokens = tokens }

// SetOracle wires the price collaborator.
func (e *Engine) SetOracle(oracle PriceOracle) { e.oracle = oracle }

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetLedgerTime records the host ledger timestamp (unix seconds) used when
// computing accrual deltas for subsequent operations.
func (e *Engine) SetLedgerTime(ts uint64) {
	if e == nil {
		return
	}
	e.ledgerTime = ts
}

// SetMaxQuoteAge bounds how old an oracle quote may be before operations that
// need pricing are rejected. Zero disables the staleness check.
func (e *Engine) SetMaxQuoteAge(seconds uint64) {
	if e == nil {
		return
	}
	e.maxQuoteAge = seconds
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.tokens == nil {
		return errNilTokens
	}
	return nil
}

// opContext caches every reserve, position, and fee record an operation
// touches so that accrual runs exactly once per reserve regardless of how
// many reserves the operation spans. Nothing is persisted until commit.
type opContext struct {
	reserves  map[string]*Reserve
	positions map[string]*Position
	fees      map[string]*FeeAccrual
}

func newOpContext() *opContext {
	return &opContext{
		reserves:  make(map[string]*Reserve),
		positions: make(map[string]*Position),
		fees:      make(map[string]*FeeAccrual),
	}
}

func positionKey(asset string, addr crypto.Address) string {
	return asset + "/" + string(addr.Bytes())
}

// loadReserve fetches a reserve into the operation cache and applies accrual
// on first touch.
func (e *Engine) loadReserve(ctx *opContext, asset string) (*Reserve, error) {
	if reserve, ok := ctx.reserves[asset]; ok {
		return reserve, nil
	}
	reserve, err := e.state.GetReserve(asset)
	if err != nil {
		return nil, err
	}
	if reserve == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	reserve.ensureDefaults()
	fees, err := e.loadFees(ctx, asset)
	if err != nil {
		return nil, err
	}
	if err := e.accrueReserve(reserve, fees); err != nil {
		return nil, err
	}
	ctx.reserves[asset] = reserve
	return reserve, nil
}

func (e *Engine) loadFees(ctx *opContext, asset string) (*FeeAccrual, error) {
	if fees, ok := ctx.fees[asset]; ok {
		return fees, nil
	}
	fees, err := e.state.GetFeeAccrual(asset)
	if err != nil {
		return nil, err
	}
	if fees == nil {
		fees = &FeeAccrual{}
	}
	fees.ensureDefaults()
	ctx.fees[asset] = fees
	return fees, nil
}

func (e *Engine) loadPosition(ctx *opContext, asset string, addr crypto.Address) (*Position, error) {
	key := positionKey(asset, addr)
	if pos, ok := ctx.positions[key]; ok {
		return pos, nil
	}
	pos, err := e.state.GetPosition(asset, addr)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &Position{Address: addr, Asset: asset}
	}
	pos.ensureDefaults()
	ctx.positions[key] = pos
	return pos, nil
}

// commit persists everything the operation touched. Atomicity is provided by
// the journaled state the node layer binds around each call.
func (e *Engine) commit(ctx *opContext) error {
	for asset, reserve := range ctx.reserves {
		if err := e.state.PutReserve(asset, reserve); err != nil {
			return err
		}
	}
	for _, pos := range ctx.positions {
		if err := e.state.PutPosition(pos.Asset, pos); err != nil {
			return err
		}
	}
	for asset, fees := range ctx.fees {
		if err := e.state.PutFeeAccrual(asset, fees); err != nil {
			return err
		}
	}
	return nil
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	return nil
}

func isSentinel(amount *big.Int) bool {
	return amount != nil && amount.Cmp(MaxSentinel) >= 0
}

// Deposit transfers underlying from the user into the pool vault and mints
// deposit shares at the current collateral coefficient. The minted share
// amount is returned.
func (e *Engine) Deposit(user crypto.Address, asset string, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if isSentinel(amount) {
		return nil, errInvalidAmount
	}

	ctx := newOpContext()
	reserve, err := e.loadReserve(ctx, asset)
	if err != nil {
		return nil, err
	}
	if reserve.Config.Frozen {
		return nil, ErrReserveFrozen
	}

	shares, err := rayDivDown(amount, reserve.CollateralCoeff)
	if err != nil {
		return nil, err
	}
	if shares.Sign() == 0 {
		return nil, ErrZeroShares
	}

	pos, err := e.loadPosition(ctx, asset, user)
	if err != nil {
		return nil, err
	}

	if err := e.tokens.Transfer(asset, user, e.vaultAddr, amount); err != nil {
		return nil, err
	}
	if err := e.tokens.Mint(reserve.Config.SToken, user, shares); err != nil {
		return nil, err
	}

	if pos.DepositShares, err = addChecked(pos.DepositShares, shares); err != nil {
		return nil, err
	}
	if reserve.TotalDepositShares, err = addChecked(reserve.TotalDepositShares, shares); err != nil {
		return nil, err
	}

	if err := e.commit(ctx); err != nil {
		return nil, err
	}
	return shares, nil
}

// Withdraw burns deposit shares and releases underlying back to the user.
// Passing MaxSentinel (or more) burns the entire position and returns the
// exact underlying equivalent at the current coefficient, leaving no dust
// shares. The redeemed underlying amount is returned.
func (e *Engine) Withdraw(user crypto.Address, asset string, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := validAmount(amount); err != nil {
		return nil, err
	}

	ctx := newOpContext()
	reserve, err := e.loadReserve(ctx, asset)
	if err != nil {
		return nil, err
	}
	pos, err := e.loadPosition(ctx, asset, user)
	if err != nil {
		return nil, err
	}

	var shares, underlying *big.Int
	if isSentinel(amount) {
		if pos.DepositShares.Sign() == 0 {
			return nil, errInsufficientBalance
		}
		shares = new(big.Int).Set(pos.DepositShares)
		if underlying, err = rayMulDown(shares, reserve.CollateralCoeff); err != nil {
			return nil, err
		}
	} else {
		underlying = new(big.Int).Set(amount)
		// Shares burned for a requested underlying amount round up so the
		// pool never pays out more than the shares back.
		if shares, err = rayDivUp(underlying, reserve.CollateralCoeff); err != nil {
			return nil, err
		}
		if shares.Sign() == 0 {
			return nil, ErrZeroShares
		}
		if shares.Cmp(pos.DepositShares) > 0 {
			return nil, errInsufficientBalance
		}
	}

	if err := e.checkWithdrawLiquidity(reserve, underlying); err != nil {
		return nil, err
	}

	pos.DepositShares = new(big.Int).Sub(pos.DepositShares, shares)
	reserve.TotalDepositShares = new(big.Int).Sub(reserve.TotalDepositShares, shares)

	hasDebt, err := e.hasAnyDebt(ctx, user)
	if err != nil {
		return nil, err
	}
	if hasDebt {
		snapshot, err := e.accountSnapshot(ctx, user)
		if err != nil {
			return nil, err
		}
		if !snapshot.Healthy() {
			return nil, ErrInsufficientCollateral
		}
	}

	if err := e.tokens.Burn(reserve.Config.SToken, user, shares); err != nil {
		return nil, err
	}
	if err := e.tokens.Transfer(asset, e.vaultAddr, user, underlying); err != nil {
		return nil, err
	}

	if err := e.commit(ctx); err != nil {
		return nil, err
	}
	return underlying, nil
}

// checkWithdrawLiquidity rejects a withdrawal that would take liquidity the
// reserve has already lent out. The vault balance is read live from the token
// collaborator.
func (e *Engine) checkWithdrawLiquidity(reserve *Reserve, underlying *big.Int) error {
	vaultBal, err := e.tokens.BalanceOf(reserve.Config.Asset, e.vaultAddr)
	if err != nil {
		return err
	}
	if vaultBal.Cmp(underlying) < 0 {
		return ErrInsufficientLiquidity
	}
	totalDeposits, err := rayMulDown(reserve.TotalDepositShares, reserve.CollateralCoeff)
	if err != nil {
		return err
	}
	totalDebt, err := rayMulUp(reserve.TotalDebtShares, reserve.DebtCoeff)
	if err != nil {
		return err
	}
	remaining := new(big.Int).Sub(totalDeposits, underlying)
	if remaining.Cmp(totalDebt) < 0 {
		return ErrInsufficientLiquidity
	}
	return nil
}

// Borrow transfers underlying from the vault to the user and mints debt
// shares at the current debt coefficient, subject to the reserve's
// utilization cap and the user's aggregate collateralization. The minted
// debt share amount is returned.
func (e *Engine) Borrow(user crypto.Address, asset string, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if isSentinel(amount) {
		return nil, errInvalidAmount
	}

	ctx := newOpContext()
	reserve, err := e.loadReserve(ctx, asset)
	if err != nil {
		return nil, err
	}
	if reserve.Config.Frozen {
		return nil, ErrReserveFrozen
	}

	vaultBal, err := e.tokens.BalanceOf(asset, e.vaultAddr)
	if err != nil {
		return nil, err
	}
	if vaultBal.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	pos, err := e.loadPosition(ctx, asset, user)
	if err != nil {
		return nil, err
	}
	debtShares, err := e.raiseDebt(reserve, pos, amount)
	if err != nil {
		return nil, err
	}

	snapshot, err := e.accountSnapshot(ctx, user)
	if err != nil {
		return nil, err
	}
	if !snapshot.Healthy() {
		return nil, ErrInsufficientCollateral
	}

	if err := e.tokens.Mint(reserve.Config.DebtToken, user, debtShares); err != nil {
		return nil, err
	}
	if err := e.tokens.Transfer(asset, e.vaultAddr, user, amount); err != nil {
		return nil, err
	}

	if err := e.commit(ctx); err != nil {
		return nil, err
	}
	return debtShares, nil
}

// raiseDebt applies a tentative debt increase and enforces the utilization
// cap against the post-borrow totals. Debt shares round up: the borrower
// owes at least fair value.
func (e *Engine) raiseDebt(reserve *Reserve, pos *Position, amount *big.Int) (*big.Int, error) {
	debtShares, err := rayDivUp(amount, reserve.DebtCoeff)
	if err != nil {
		return nil, err
	}
	if debtShares.Sign() == 0 {
		return nil, ErrZeroShares
	}
	if pos.DebtShares, err = addChecked(pos.DebtShares, debtShares); err != nil {
		return nil, err
	}
	if reserve.TotalDebtShares, err = addChecked(reserve.TotalDebtShares, debtShares); err != nil {
		return nil, err
	}
	if err := e.checkUtilizationCap(reserve); err != nil {
		return nil, err
	}
	return debtShares, nil
}

// checkUtilizationCap recomputes utilization from live totals, never from a
// cached value.
func (e *Engine) checkUtilizationCap(reserve *Reserve) error {
	cap := reserve.Config.UtilizationCapBps
	if cap == 0 {
		return nil
	}
	totalDeposits, err := rayMulDown(reserve.TotalDepositShares, reserve.CollateralCoeff)
	if err != nil {
		return err
	}
	totalDebt, err := rayMulUp(reserve.TotalDebtShares, reserve.DebtCoeff)
	if err != nil {
		return err
	}
	if totalDebt.Sign() == 0 {
		return nil
	}
	if totalDeposits.Sign() == 0 {
		return ErrUtilizationExceeded
	}
	// totalDebt/totalDeposits > cap/10000
	lhs := new(big.Int).Mul(totalDebt, basisPoints)
	rhs := new(big.Int).Mul(totalDeposits, new(big.Int).SetUint64(cap))
	if lhs.Cmp(rhs) > 0 {
		return ErrUtilizationExceeded
	}
	return nil
}

// Repay transfers underlying from the user back to the vault and burns debt
// shares. Passing MaxSentinel (or any amount at or above the outstanding
// debt) repays the full debt including accrued interest, capped at what is
// actually owed. The repaid underlying amount is returned.
func (e *Engine) Repay(user crypto.Address, asset string, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := validAmount(amount); err != nil {
		return nil, err
	}

	ctx := newOpContext()
	reserve, err := e.loadReserve(ctx, asset)
	if err != nil {
		return nil, err
	}
	pos, err := e.loadPosition(ctx, asset, user)
	if err != nil {
		return nil, err
	}
	if pos.DebtShares.Sign() == 0 {
		return nil, errNoDebtToRepay
	}

	owed, err := rayMulUp(pos.DebtShares, reserve.DebtCoeff)
	if err != nil {
		return nil, err
	}

	var repay *big.Int
	var burnShares *big.Int
	if isSentinel(amount) || amount.Cmp(owed) >= 0 {
		repay = owed
		burnShares = new(big.Int).Set(pos.DebtShares)
	} else {
		repay = new(big.Int).Set(amount)
		// Debt shares burned for a partial repay round down so the
		// remaining debt is never understated.
		if burnShares, err = rayDivDown(repay, reserve.DebtCoeff); err != nil {
			return nil, err
		}
		if burnShares.Sign() == 0 {
			return nil, ErrZeroShares
		}
		if burnShares.Cmp(pos.DebtShares) > 0 {
			burnShares = new(big.Int).Set(pos.DebtShares)
		}
	}

	if err := e.tokens.Transfer(asset, user, e.vaultAddr, repay); err != nil {
		return nil, err
	}
	if err := e.tokens.Burn(reserve.Config.DebtToken, user, burnShares); err != nil {
		return nil, err
	}

	pos.DebtShares = new(big.Int).Sub(pos.DebtShares, burnShares)
	reserve.TotalDebtShares = new(big.Int).Sub(reserve.TotalDebtShares, burnShares)

	if err := e.sweepTreasury(ctx, asset); err != nil {
		return nil, err
	}

	if err := e.commit(ctx); err != nil {
		return nil, err
	}
	return repay, nil
}

// sweepTreasury moves the pending reserve-factor cut out of the vault into
// the treasury account, bounded by the underlying the vault actually holds.
func (e *Engine) sweepTreasury(ctx *opContext, asset string) error {
	fees, err := e.loadFees(ctx, asset)
	if err != nil {
		return err
	}
	if fees.PendingWei.Sign() == 0 {
		return nil
	}
	vaultBal, err := e.tokens.BalanceOf(asset, e.vaultAddr)
	if err != nil {
		return err
	}
	sweep := minBig(new(big.Int).Set(fees.PendingWei), vaultBal)
	if sweep.Sign() <= 0 {
		return nil
	}
	if err := e.tokens.Transfer(asset, e.vaultAddr, e.treasury, sweep); err != nil {
		return err
	}
	fees.PendingWei = new(big.Int).Sub(fees.PendingWei, sweep)
	fees.SweptWei = new(big.Int).Add(fees.SweptWei, sweep)
	return nil
}

// UpsertReserve registers a new reserve or updates the configuration of an
// existing one. Only the pool admin may call it; coefficients and share
// totals survive configuration updates untouched.
func (e *Engine) UpsertReserve(caller crypto.Address, cfg ReserveConfig) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !caller.Equal(e.admin) {
		return ErrUnauthorized
	}
	if err := validateReserveConfig(cfg); err != nil {
		return err
	}
	reserve, err := e.state.GetReserve(cfg.Asset)
	if err != nil {
		return err
	}
	if reserve == nil {
		reserve = &Reserve{Config: cfg, LastAccrual: e.ledgerTime}
		reserve.ensureDefaults()
		return e.state.PutReserve(cfg.Asset, reserve)
	}

	// Settle the elapsed period at the old rate curve before the new
	// parameters take over.
	ctx := newOpContext()
	reserve.ensureDefaults()
	fees, err := e.loadFees(ctx, cfg.Asset)
	if err != nil {
		return err
	}
	if err := e.accrueReserve(reserve, fees); err != nil {
		return err
	}
	reserve.Config = cfg
	ctx.reserves[cfg.Asset] = reserve
	return e.commit(ctx)
}

func validateReserveConfig(cfg ReserveConfig) error {
	if strings.TrimSpace(cfg.Asset) == "" || strings.TrimSpace(cfg.SToken) == "" || strings.TrimSpace(cfg.DebtToken) == "" {
		return fmt.Errorf("%w: reserve token identifiers required", errInvalidAmount)
	}
	for _, bps := range []uint64{
		cfg.CollateralFactorBps, cfg.LiquidationThresholdBps,
		cfg.LiquidationBonusBps, cfg.ReserveFactorBps,
		cfg.UtilizationCapBps, cfg.FlashLoanFeeBps, cfg.OptimalUtilBps,
	} {
		if bps > 10_000 {
			return fmt.Errorf("lending: basis point parameter above 10000 in reserve %s", cfg.Asset)
		}
	}
	if cfg.LiquidationThresholdBps > 0 && cfg.LiquidationThresholdBps < cfg.CollateralFactorBps {
		return fmt.Errorf("lending: liquidation threshold below collateral factor in reserve %s", cfg.Asset)
	}
	// Seizing repay*(1+bonus) of threshold-weighted collateral must not cost
	// more health than the repaid debt restores.
	if cfg.LiquidationThresholdBps*(10_000+cfg.LiquidationBonusBps) > 10_000*10_000 {
		return fmt.Errorf("lending: liquidation bonus exceeds threshold headroom in reserve %s", cfg.Asset)
	}
	return nil
}

func addChecked(a, b *big.Int) (*big.Int, error) {
	return checkRange(new(big.Int).Add(a, b))
}
