package core

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"lendpool/config"
	"lendpool/crypto"
	nativecommon "lendpool/native/common"
	"lendpool/native/lending"
	"lendpool/observability"
	"lendpool/pricefeed"
	"lendpool/storage"
)

// Node owns the pool engine and the backing database. Every state-changing
// operation runs under the node mutex against a write journal, so a failed
// operation leaves no trace in the database.
type Node struct {
	mu sync.Mutex

	db      storage.Database
	engine  *lending.Engine
	oracle  *pricefeed.Feed
	pauses  *nativecommon.Pauses
	admin   crypto.Address
	log     *slog.Logger
	metrics *observability.PoolMetrics

	now func() time.Time
}

// NewNode wires the engine against the database and bootstraps the configured
// reserves. Reserves already present keep their accounting state; only their
// parameters are refreshed.
func NewNode(db storage.Database, cfg *config.Config, logger *slog.Logger) (*Node, error) {
	admin, err := crypto.DecodeAddress(cfg.AdminAddress)
	if err != nil {
		return nil, fmt.Errorf("node: decode admin address: %w", err)
	}
	treasury, err := crypto.DecodeAddress(cfg.TreasuryAddress)
	if err != nil {
		return nil, fmt.Errorf("node: decode treasury address: %w", err)
	}
	vault, err := crypto.DecodeAddress(cfg.VaultAddress)
	if err != nil {
		return nil, fmt.Errorf("node: decode vault address: %w", err)
	}

	oracle := pricefeed.NewFeed()
	pauses := nativecommon.NewPauses()

	engine := lending.NewEngine(vault, treasury, admin)
	engine.SetOracle(oracle)
	engine.SetPauses(pauses)
	engine.SetMaxQuoteAge(cfg.MaxQuoteAgeSecs)

	node := &Node{
		db:      db,
		engine:  engine,
		oracle:  oracle,
		pauses:  pauses,
		admin:   admin,
		log:     logger,
		metrics: observability.Metrics(),
		now:     time.Now,
	}

	for _, reserve := range cfg.Reserves {
		if err := node.UpsertReserve(admin, reserveFromConfig(reserve)); err != nil {
			return nil, fmt.Errorf("node: bootstrap reserve %s: %w", reserve.Asset, err)
		}
	}
	return node, nil
}

func reserveFromConfig(rc config.ReserveConfig) lending.ReserveConfig {
	return lending.ReserveConfig{
		Asset:                   rc.Asset,
		SToken:                  rc.SToken,
		DebtToken:               rc.DebtToken,
		Decimals:                rc.Decimals,
		CollateralFactorBps:     rc.CollateralFactorBps,
		LiquidationThresholdBps: rc.LiquidationThresholdBps,
		LiquidationBonusBps:     rc.LiquidationBonusBps,
		ReserveFactorBps:        rc.ReserveFactorBps,
		UtilizationCapBps:       rc.UtilizationCapBps,
		FlashLoanFeeBps:         rc.FlashLoanFeeBps,
		BaseRateBps:             rc.BaseRateBps,
		Slope1Bps:               rc.Slope1Bps,
		Slope2Bps:               rc.Slope2Bps,
		OptimalUtilBps:          rc.OptimalUtilBps,
		Frozen:                  rc.Frozen,
	}
}

// withJournal runs fn against a journalled view of the database and commits
// only when fn succeeds. The engine's state and token backend are rebound to
// the journal for the duration of the call.
func (n *Node) withJournal(fn func(*lending.Engine) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	journal := storage.NewJournal(n.db)
	n.engine.SetState(storage.NewPoolState(journal))
	n.engine.SetTokenBackend(storage.NewTokenLedger(journal))
	n.engine.SetLedgerTime(uint64(n.now().Unix()))

	if err := fn(n.engine); err != nil {
		journal.Discard()
		return err
	}
	return journal.Commit()
}

// withView binds the engine straight to the database for read-only calls.
func (n *Node) withView(fn func(*lending.Engine) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.engine.SetState(storage.NewPoolState(n.db))
	n.engine.SetTokenBackend(storage.NewTokenLedger(n.db))
	n.engine.SetLedgerTime(uint64(n.now().Unix()))
	return fn(n.engine)
}

func (n *Node) Deposit(user crypto.Address, asset string, amount *big.Int) (*big.Int, error) {
	var shares *big.Int
	err := n.withJournal(func(engine *lending.Engine) error {
		var innerErr error
		shares, innerErr = engine.Deposit(user, asset, amount)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	n.publishUtilization(asset)
	return shares, nil
}

func (n *Node) Withdraw(user crypto.Address, asset string, amount *big.Int) (*big.Int, error) {
	var withdrawn *big.Int
	err := n.withJournal(func(engine *lending.Engine) error {
		var innerErr error
		withdrawn, innerErr = engine.Withdraw(user, asset, amount)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	n.publishUtilization(asset)
	return withdrawn, nil
}

func (n *Node) Borrow(user crypto.Address, asset string, amount *big.Int) (*big.Int, error) {
	var shares *big.Int
	err := n.withJournal(func(engine *lending.Engine) error {
		var innerErr error
		shares, innerErr = engine.Borrow(user, asset, amount)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	n.publishUtilization(asset)
	return shares, nil
}

func (n *Node) Repay(user crypto.Address, asset string, amount *big.Int) (*big.Int, error) {
	var repaid *big.Int
	err := n.withJournal(func(engine *lending.Engine) error {
		var innerErr error
		repaid, innerErr = engine.Repay(user, asset, amount)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	n.publishUtilization(asset)
	return repaid, nil
}

func (n *Node) Liquidate(liquidator, target crypto.Address, debtAsset, collateralAsset string, amount *big.Int, full bool) (*big.Int, *big.Int, error) {
	var repaid, seized *big.Int
	err := n.withJournal(func(engine *lending.Engine) error {
		var innerErr error
		repaid, seized, innerErr = engine.Liquidate(liquidator, target, debtAsset, collateralAsset, amount, full)
		return innerErr
	})
	if err != nil {
		return nil, nil, err
	}
	n.publishUtilization(debtAsset)
	return repaid, seized, nil
}

func (n *Node) FlashLoan(user, receiverAddr crypto.Address, receiver lending.FlashLoanReceiver, requests []lending.FlashLoanRequest, params []byte) error {
	return n.withJournal(func(engine *lending.Engine) error {
		return engine.FlashLoan(user, receiverAddr, receiver, requests, params)
	})
}

func (n *Node) UpsertReserve(caller crypto.Address, cfg lending.ReserveConfig) error {
	return n.withJournal(func(engine *lending.Engine) error {
		return engine.UpsertReserve(caller, cfg)
	})
}

func (n *Node) GetReserve(asset string) (*lending.ReserveSnapshot, error) {
	var snapshot *lending.ReserveSnapshot
	err := n.withView(func(engine *lending.Engine) error {
		var innerErr error
		snapshot, innerErr = engine.GetReserve(asset)
		return innerErr
	})
	return snapshot, err
}

func (n *Node) ListReserves() ([]*lending.ReserveSnapshot, error) {
	var snapshots []*lending.ReserveSnapshot
	err := n.withView(func(engine *lending.Engine) error {
		var innerErr error
		snapshots, innerErr = engine.ListReserveSnapshots()
		return innerErr
	})
	return snapshots, err
}

func (n *Node) GetPosition(asset string, user crypto.Address) (*lending.PositionSnapshot, error) {
	var snapshot *lending.PositionSnapshot
	err := n.withView(func(engine *lending.Engine) error {
		var innerErr error
		snapshot, innerErr = engine.GetPosition(asset, user)
		return innerErr
	})
	return snapshot, err
}

func (n *Node) GetAccountSnapshot(user crypto.Address) (*lending.AccountSnapshot, error) {
	var snapshot *lending.AccountSnapshot
	err := n.withView(func(engine *lending.Engine) error {
		var innerErr error
		snapshot, innerErr = engine.GetAccountSnapshot(user)
		return innerErr
	})
	return snapshot, err
}

func (n *Node) GetFeeAccrual(asset string) (*lending.FeeAccrual, error) {
	var fees *lending.FeeAccrual
	err := n.withView(func(engine *lending.Engine) error {
		var innerErr error
		fees, innerErr = engine.GetFeeAccrual(asset)
		return innerErr
	})
	return fees, err
}

// SetPrice publishes an oracle quote. Only the configured admin may feed the
// oracle through the node surface.
func (n *Node) SetPrice(caller crypto.Address, asset string, price *big.Int, decimals uint32, timestamp uint64) error {
	if !caller.Equal(n.admin) {
		return lending.ErrUnauthorized
	}
	if timestamp == 0 {
		timestamp = uint64(n.now().Unix())
	}
	return n.oracle.SetPrice(asset, price, decimals, timestamp)
}

// SetPaused flips the lending module pause flag. Admin only.
func (n *Node) SetPaused(caller crypto.Address, paused bool) error {
	if !caller.Equal(n.admin) {
		return lending.ErrUnauthorized
	}
	n.pauses.SetPaused("lending", paused)
	return nil
}

// FundAccount mints underlying tokens to an account so operators can seed
// balances on fresh deployments. Admin only.
func (n *Node) FundAccount(caller crypto.Address, token string, to crypto.Address, amount *big.Int) error {
	if !caller.Equal(n.admin) {
		return lending.ErrUnauthorized
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	journal := storage.NewJournal(n.db)
	if err := storage.NewTokenLedger(journal).Mint(token, to, amount); err != nil {
		journal.Discard()
		return err
	}
	return journal.Commit()
}

// BalanceOf reads a token balance straight from the ledger.
func (n *Node) BalanceOf(token string, account crypto.Address) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return storage.NewTokenLedger(n.db).BalanceOf(token, account)
}

func (n *Node) publishUtilization(asset string) {
	snapshot, err := n.GetReserve(asset)
	if err != nil || snapshot == nil {
		return
	}
	n.metrics.SetUtilization(asset, snapshot.UtilizationBps)
}
