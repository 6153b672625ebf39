package lending

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"testing"

	"lendpool/crypto"
	nativecommon "lendpool/native/common"
)

type mockState struct {
	reserves  map[string]*Reserve
	positions map[string]*Position
	fees      map[string]*FeeAccrual
}

func newMockState() *mockState {
	return &mockState{
		reserves:  make(map[string]*Reserve),
		positions: make(map[string]*Position),
		fees:      make(map[string]*FeeAccrual),
	}
}

func (m *mockState) posKey(asset string, addr crypto.Address) string {
	return asset + "/" + string(addr.Bytes())
}

// Records are cloned on read, matching the decode-fresh semantics of the
// persistent store, so a failed operation leaves the mock untouched.
func (m *mockState) GetReserve(asset string) (*Reserve, error) {
	if reserve, ok := m.reserves[asset]; ok {
		return reserve.Clone(), nil
	}
	return nil, nil
}

func (m *mockState) PutReserve(asset string, reserve *Reserve) error {
	m.reserves[asset] = reserve.Clone()
	return nil
}

func (m *mockState) ListReserves() ([]string, error) {
	assets := make([]string, 0, len(m.reserves))
	for asset := range m.reserves {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets, nil
}

func (m *mockState) GetPosition(asset string, addr crypto.Address) (*Position, error) {
	if pos, ok := m.positions[m.posKey(asset, addr)]; ok {
		return pos.Clone(), nil
	}
	return nil, nil
}

func (m *mockState) PutPosition(asset string, pos *Position) error {
	if pos == nil {
		return nil
	}
	m.positions[m.posKey(asset, pos.Address)] = pos.Clone()
	return nil
}

func (m *mockState) GetFeeAccrual(asset string) (*FeeAccrual, error) {
	if fees, ok := m.fees[asset]; ok {
		return fees.Clone(), nil
	}
	return nil, nil
}

func (m *mockState) PutFeeAccrual(asset string, fees *FeeAccrual) error {
	m.fees[asset] = fees.Clone()
	return nil
}

type mockTokens struct {
	balances map[string]map[string]*big.Int
	supply   map[string]*big.Int
}

func newMockTokens() *mockTokens {
	return &mockTokens{
		balances: make(map[string]map[string]*big.Int),
		supply:   make(map[string]*big.Int),
	}
}

func (m *mockTokens) bucket(token string) map[string]*big.Int {
	if _, ok := m.balances[token]; !ok {
		m.balances[token] = make(map[string]*big.Int)
	}
	return m.balances[token]
}

func (m *mockTokens) setBalance(token string, addr crypto.Address, amount int64) {
	m.bucket(token)[string(addr.Bytes())] = big.NewInt(amount)
}

func (m *mockTokens) balance(token string, addr crypto.Address) *big.Int {
	if bal, ok := m.bucket(token)[string(addr.Bytes())]; ok {
		return bal
	}
	return big.NewInt(0)
}

func (m *mockTokens) Transfer(token string, from, to crypto.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	fromBal := m.balance(token, from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("mock tokens: insufficient %s balance", token)
	}
	m.bucket(token)[string(from.Bytes())] = new(big.Int).Sub(fromBal, amount)
	m.bucket(token)[string(to.Bytes())] = new(big.Int).Add(m.balance(token, to), amount)
	return nil
}

func (m *mockTokens) Mint(token string, to crypto.Address, amount *big.Int) error {
	m.bucket(token)[string(to.Bytes())] = new(big.Int).Add(m.balance(token, to), amount)
	supply, ok := m.supply[token]
	if !ok {
		supply = big.NewInt(0)
	}
	m.supply[token] = new(big.Int).Add(supply, amount)
	return nil
}

func (m *mockTokens) Burn(token string, from crypto.Address, amount *big.Int) error {
	bal := m.balance(token, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("mock tokens: burn exceeds %s balance", token)
	}
	m.bucket(token)[string(from.Bytes())] = new(big.Int).Sub(bal, amount)
	supply, ok := m.supply[token]
	if !ok {
		supply = big.NewInt(0)
	}
	m.supply[token] = new(big.Int).Sub(supply, amount)
	return nil
}

func (m *mockTokens) BalanceOf(token string, account crypto.Address) (*big.Int, error) {
	return new(big.Int).Set(m.balance(token, account)), nil
}

func (m *mockTokens) TotalSupply(token string) (*big.Int, error) {
	if supply, ok := m.supply[token]; ok {
		return new(big.Int).Set(supply), nil
	}
	return big.NewInt(0), nil
}

type mockOracle struct {
	quotes map[string]*PriceQuote
}

func newMockOracle() *mockOracle {
	return &mockOracle{quotes: make(map[string]*PriceQuote)}
}

func (m *mockOracle) setPrice(asset string, price int64, decimals uint32) {
	m.quotes[asset] = &PriceQuote{Price: big.NewInt(price), Decimals: decimals, Timestamp: 1}
}

func (m *mockOracle) Price(asset string) (*PriceQuote, error) {
	return m.quotes[asset], nil
}

func makeAddress(prefix crypto.AddressPrefix, suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(prefix, raw)
}

type testEnv struct {
	engine   *Engine
	state    *mockState
	tokens   *mockTokens
	oracle   *mockOracle
	vault    crypto.Address
	treasury crypto.Address
	admin    crypto.Address
}

func newTestEnv() *testEnv {
	env := &testEnv{
		state:    newMockState(),
		tokens:   newMockTokens(),
		oracle:   newMockOracle(),
		vault:    makeAddress(crypto.ModulePrefix, 0x01),
		treasury: makeAddress(crypto.ModulePrefix, 0x02),
		admin:    makeAddress(crypto.AccountPrefix, 0x03),
	}
	env.engine = NewEngine(env.vault, env.treasury, env.admin)
	env.engine.SetState(env.state)
	env.engine.SetTokenBackend(env.tokens)
	env.engine.SetOracle(env.oracle)
	return env
}

func testReserveConfig(asset string) ReserveConfig {
	return ReserveConfig{
		Asset:                   asset,
		SToken:                  "s" + asset,
		DebtToken:               "d" + asset,
		Decimals:                0,
		CollateralFactorBps:     8000,
		LiquidationThresholdBps: 8500,
		LiquidationBonusBps:     500,
		ReserveFactorBps:        2000,
		BaseRateBps:             200,
		Slope1Bps:               1500,
		Slope2Bps:               6000,
		OptimalUtilBps:          8000,
	}
}

func (env *testEnv) addReserve(cfg ReserveConfig) {
	reserve := &Reserve{Config: cfg}
	reserve.ensureDefaults()
	env.state.reserves[cfg.Asset] = reserve
}

func TestDepositWithdrawRoundtrip(t *testing.T) {
	env := newTestEnv()
	env.addReserve(testReserveConfig("USD"))
	user := makeAddress(crypto.AccountPrefix, 0x10)

	amount := big.NewInt(10_000_000_000)
	env.tokens.setBalance("USD", user, 10_000_000_000)

	shares, err := env.engine.Deposit(user, "USD", amount)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares.Cmp(amount) != 0 {
		t.Fatalf("unexpected shares at unit coefficient: got %s want %s", shares, amount)
	}
	if got := env.tokens.balance("USD", env.vault); got.Cmp(amount) != 0 {
		t.Fatalf("unexpected vault balance: %s", got)
	}
	if got := env.tokens.balance("sUSD", user); got.Cmp(shares) != 0 {
		t.Fatalf("unexpected receipt token balance: %s", got)
	}

	withdrawn, err := env.engine.Withdraw(user, "USD", MaxSentinel)
	if err != nil {
		t.Fatalf("withdraw all: %v", err)
	}
	if withdrawn.Cmp(amount) != 0 {
		t.Fatalf("roundtrip lost value: got %s want %s", withdrawn, amount)
	}
	if got := env.tokens.balance("USD", user); got.Cmp(amount) != 0 {
		t.Fatalf("unexpected user balance after exit: %s", got)
	}
	pos := env.state.positions[env.state.posKey("USD", user)]
	if pos == nil || pos.DepositShares.Sign() != 0 {
		t.Fatalf("expected zeroed position, got %+v", pos)
	}
	reserve := env.state.reserves["USD"]
	if reserve.TotalDepositShares.Sign() != 0 {
		t.Fatalf("expected zero total deposit shares, got %s", reserve.TotalDepositShares)
	}
}

func TestDepositRejectsZeroShares(t *testing.T) {
	env := newTestEnv()
	cfg := testReserveConfig("USD")
	env.addReserve(cfg)
	// Double the coefficient so a single unit rounds to zero shares.
	env.state.reserves["USD"].CollateralCoeff = new(big.Int).Mul(ray, big.NewInt(2))
	user := makeAddress(crypto.AccountPrefix, 0x10)
	env.tokens.setBalance("USD", user, 10)

	if _, err := env.engine.Deposit(user, "USD", big.NewInt(1)); !errors.Is(err, ErrZeroShares) {
		t.Fatalf("expected ErrZeroShares, got %v", err)
	}
}

func TestDepositUnknownAsset(t *testing.T) {
	env := newTestEnv()
	user := makeAddress(crypto.AccountPrefix, 0x10)
	if _, err := env.engine.Deposit(user, "GHOST", big.NewInt(100)); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestDepositFrozenReserve(t *testing.T) {
	env := newTestEnv()
	cfg := testReserveConfig("USD")
	cfg.Frozen = true
	env.addReserve(cfg)
	user := makeAddress(crypto.AccountPrefix, 0x10)
	env.tokens.setBalance("USD", user, 100)

	if _, err := env.engine.Deposit(user, "USD", big.NewInt(100)); !errors.Is(err, ErrReserveFrozen) {
		t.Fatalf("expected frozen reserve rejection, got %v", err)
	}
}

func TestPauseGuardBlocksMutations(t *testing.T) {
	env := newTestEnv()
	env.addReserve(testReserveConfig("USD"))
	pauses := nativecommon.NewPauses()
	pauses.SetPaused("lending", true)
	env.engine.SetPauses(pauses)
	user := makeAddress(crypto.AccountPrefix, 0x10)
	env.tokens.setBalance("USD", user, 100)

	if _, err := env.engine.Deposit(user, "USD", big.NewInt(100)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected pause rejection, got %v", err)
	}
}

func TestBorrowAndRepayFull(t *testing.T) {
	env := newTestEnv()
	env.addReserve(testReserveConfig("USD"))
	env.oracle.setPrice("USD", 1, 0)
	user := makeAddress(crypto.AccountPrefix, 0x10)
	env.tokens.setBalance("USD", user, 1000)

	if _, err := env.engine.Deposit(user, "USD", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	debtShares, err := env.engine.Borrow(user, "USD", big.NewInt(500))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if debtShares.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected debt shares: %s", debtShares)
	}
	if got := env.tokens.balance("USD", user); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected user balance after borrow: %s", got)
	}
	if got := env.tokens.balance("dUSD", user); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected debt token balance: %s", got)
	}

	repaid, err := env.engine.Repay(user, "USD", MaxSentinel)
	if err != nil {
		t.Fatalf("repay all: %v", err)
	}
	if repaid.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected repay amount: %s", repaid)
	}
	pos := env.state.positions[env.state.posKey("USD", user)]
	if pos.DebtShares.Sign() != 0 {
		t.Fatalf("expected cleared debt, got %s", pos.DebtShares)
	}
	if got := env.tokens.balance("dUSD", user); got.Sign() != 0 {
		t.Fatalf("expected burned debt tokens, got %s", got)
	}
}

func TestBorrowExceedsUtilizationCap(t *testing.T) {
	env := newTestEnv()
	cfg := testReserveConfig("USD")
	cfg.UtilizationCapBps = 4000
	env.addReserve(cfg)
	env.oracle.setPrice("USD", 1, 0)
	user := makeAddress(crypto.AccountPrefix, 0x10)
	env.tokens.setBalance("USD", user, 1000)

	if _, err := env.engine.Deposit(user, "USD", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := env.engine.Borrow(user, "USD", big.NewInt(500)); !errors.Is(err, ErrUtilizationExceeded) {
		t.Fatalf("expected ErrUtilizationExceeded, got %v", err)
	}
	// The rejected borrow must leave the reserve untouched.
	reserve := env.state.reserves["USD"]
	if reserve.TotalDebtShares.Sign() != 0 {
		t.Fatalf("rejected borrow leaked debt shares: %s", reserve.TotalDebtShares)
	}
	if got := env.tokens.balance("USD", user); got.Sign() != 0 {
		t.Fatalf("rejected borrow moved funds: %s", got)
	}
}

func TestBorrowUndercollateralized(t *testing.T) {
	env := newTestEnv()
	cfg := testReserveConfig("USD")
	cfg.CollateralFactorBps = 5000
	cfg.LiquidationThresholdBps = 6000
	env.addReserve(cfg)
	env.oracle.setPrice("USD", 1, 0)
	user := makeAddress(crypto.AccountPrefix, 0x10)
	env.tokens.setBalance("USD", user, 1000)

	if _, err := env.engine.Deposit(user, "USD", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := env.engine.Borrow(user, "USD", big.NewInt(600)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
}

func TestBorrowPriceUnavailable(t *testing.T) {
	env := newTestEnv()
	env.addReserve(testReserveConfig("USD"))
	user := makeAddress(crypto.AccountPrefix, 0x10)
	env.tokens.setBalance("USD", user, 1000)

	if _, err := env.engine.Deposit(user, "USD", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := env.engine.Borrow(user, "USD", big.NewInt(100)); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestBorrowRejectsStaleQuote(t *testing.T) {
	env := newTestEnv()
	env.addReserve(testReserveConfig("USD"))
	env.oracle.setPrice("USD", 1, 0)
	env.engine.SetMaxQuoteAge(60)
	env.engine.SetLedgerTime(1000) // quote timestamp is 1
	user := makeAddress(crypto.AccountPrefix, 0x10)
	env.tokens.setBalance("USD", user, 1000)
	env.state.reserves["USD"].LastAccrual = 1000

	if _, err := env.engine.Deposit(user, "USD", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := env.engine.Borrow(user, "USD", big.NewInt(100)); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected stale quote rejection, got %v", err)
	}
}

func TestWithdrawBlockedByOutstandingDebt(t *testing.T) {
	env := newTestEnv()
	env.addReserve(testReserveConfig("USD"))
	env.oracle.setPrice("USD", 1, 0)
	user := makeAddress(crypto.AccountPrefix, 0x10)
	env.tokens.setBalance("USD", user, 1000)

	if _, err := env.engine.Deposit(user, "USD", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := env.engine.Borrow(user, "USD", big.NewInt(700)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := env.engine.Withdraw(user, "USD", big.NewInt(200)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
}

func TestWithdrawInsufficientLiquidity(t *testing.T) {
	env := newTestEnv()
	env.addReserve(testReserveConfig("USD"))
	env.addReserve(testReserveConfig("ETH"))
	env.oracle.setPrice("USD", 1, 0)
	env.oracle.setPrice("ETH", 100, 0)
	depositor := makeAddress(crypto.AccountPrefix, 0x10)
	borrower := makeAddress(crypto.AccountPrefix, 0x11)
	env.tokens.setBalance("USD", depositor, 1000)
	env.tokens.setBalance("ETH", borrower, 10)

	if _, err := env.engine.Deposit(depositor, "USD", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := env.engine.Deposit(borrower, "ETH", big.NewInt(10)); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	if _, err := env.engine.Borrow(borrower, "USD", big.NewInt(800)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Vault holds 200 USD; a 1000 withdrawal cannot be served.
	if _, err := env.engine.Withdraw(depositor, "USD", big.NewInt(1000)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestRepayPartialSweepsTreasury(t *testing.T) {
	env := newTestEnv()
	env.addReserve(testReserveConfig("USD"))
	env.oracle.setPrice("USD", 1, 0)
	user := makeAddress(crypto.AccountPrefix, 0x10)
	env.tokens.setBalance("USD", user, 1000)

	if _, err := env.engine.Deposit(user, "USD", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := env.engine.Borrow(user, "USD", big.NewInt(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	env.state.fees["USD"] = &FeeAccrual{PendingWei: big.NewInt(7), SweptWei: big.NewInt(0)}

	repaid, err := env.engine.Repay(user, "USD", big.NewInt(200))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("unexpected repay amount: %s", repaid)
	}
	if got := env.tokens.balance("USD", env.treasury); got.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("treasury sweep missing: %s", got)
	}
	fees := env.state.fees["USD"]
	if fees.PendingWei.Sign() != 0 || fees.SweptWei.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("unexpected fee ledger: pending=%s swept=%s", fees.PendingWei, fees.SweptWei)
	}
	pos := env.state.positions[env.state.posKey("USD", user)]
	if pos.DebtShares.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("unexpected remaining debt shares: %s", pos.DebtShares)
	}
}

func TestRepayWithoutDebt(t *testing.T) {
	env := newTestEnv()
	env.addReserve(testReserveConfig("USD"))
	user := makeAddress(crypto.AccountPrefix, 0x10)
	env.tokens.setBalance("USD", user, 100)

	if _, err := env.engine.Repay(user, "USD", big.NewInt(100)); !errors.Is(err, errNoDebtToRepay) {
		t.Fatalf("expected no-debt rejection, got %v", err)
	}
}

func TestUpsertReserveUnauthorized(t *testing.T) {
	env := newTestEnv()
	intruder := makeAddress(crypto.AccountPrefix, 0x66)
	if err := env.engine.UpsertReserve(intruder, testReserveConfig("USD")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestUpsertReservePreservesAccounting(t *testing.T) {
	env := newTestEnv()
	cfg := testReserveConfig("USD")
	env.addReserve(cfg)
	env.state.reserves["USD"].TotalDepositShares = big.NewInt(777)

	cfg.CollateralFactorBps = 7000
	if err := env.engine.UpsertReserve(env.admin, cfg); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	reserve := env.state.reserves["USD"]
	if reserve.Config.CollateralFactorBps != 7000 {
		t.Fatalf("config update not applied: %d", reserve.Config.CollateralFactorBps)
	}
	if reserve.TotalDepositShares.Cmp(big.NewInt(777)) != 0 {
		t.Fatalf("accounting state lost on update: %s", reserve.TotalDepositShares)
	}
	if reserve.CollateralCoeff.Cmp(ray) != 0 {
		t.Fatalf("coefficient reset on update: %s", reserve.CollateralCoeff)
	}
}

func TestUpsertReserveValidation(t *testing.T) {
	env := newTestEnv()
	cfg := testReserveConfig("USD")
	cfg.CollateralFactorBps = 10_001
	if err := env.engine.UpsertReserve(env.admin, cfg); err == nil {
		t.Fatalf("expected rejection of out-of-range basis points")
	}
	cfg = testReserveConfig("USD")
	cfg.LiquidationThresholdBps = 7000
	cfg.CollateralFactorBps = 8000
	if err := env.engine.UpsertReserve(env.admin, cfg); err == nil {
		t.Fatalf("expected rejection of threshold below collateral factor")
	}
	cfg = testReserveConfig("USD")
	cfg.LiquidationBonusBps = 10_001
	if err := env.engine.UpsertReserve(env.admin, cfg); err == nil {
		t.Fatalf("expected rejection of out-of-range liquidation bonus")
	}
	cfg = testReserveConfig("USD")
	cfg.FlashLoanFeeBps = 10_001
	if err := env.engine.UpsertReserve(env.admin, cfg); err == nil {
		t.Fatalf("expected rejection of out-of-range flash loan fee")
	}
	cfg = testReserveConfig("USD")
	cfg.OptimalUtilBps = 10_001
	if err := env.engine.UpsertReserve(env.admin, cfg); err == nil {
		t.Fatalf("expected rejection of out-of-range optimal utilization")
	}
	// 9800 * 1.05 > 10000: a seizure would cost the account more
	// threshold-weighted collateral than the repaid debt restores.
	cfg = testReserveConfig("USD")
	cfg.CollateralFactorBps = 9800
	cfg.LiquidationThresholdBps = 9800
	cfg.LiquidationBonusBps = 500
	if err := env.engine.UpsertReserve(env.admin, cfg); err == nil {
		t.Fatalf("expected rejection of bonus exceeding threshold headroom")
	}
}

func TestUpsertReserveSettlesAccrualAtOldCurve(t *testing.T) {
	env := newTestEnv()
	reserve := accrualReserve()
	env.state.reserves["USD"] = reserve
	env.engine.SetLedgerTime(secondsPerYear)

	// Flatten the curve; the elapsed year must still be charged at the
	// old 10% slope.
	cfg := reserve.Config
	cfg.Slope1Bps = 0
	if err := env.engine.UpsertReserve(env.admin, cfg); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	updated := env.state.reserves["USD"]
	if updated.Config.Slope1Bps != 0 {
		t.Fatalf("config update not applied: %d", updated.Config.Slope1Bps)
	}
	if want := rayTimes(105, 100); updated.DebtCoeff.Cmp(want) != 0 {
		t.Fatalf("elapsed period not settled at old curve: got %s want %s", updated.DebtCoeff, want)
	}
	if updated.LastAccrual != secondsPerYear {
		t.Fatalf("accrual clock not advanced: %d", updated.LastAccrual)
	}
	fees := env.state.fees["USD"]
	if fees == nil || fees.PendingWei.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("treasury cut not recorded: %+v", fees)
	}
}
