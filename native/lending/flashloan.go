package lending

import (
	"errors"
	"fmt"
	"math/big"

	"lendpool/crypto"
	nativecommon "lendpool/native/common"
)

var errNilReceiver = errors.New("lending: flash loan receiver not provided")

// flashLoanEntry carries the per-entry bookkeeping across the callback
// boundary.
type flashLoanEntry struct {
	request FlashLoanRequest
	reserve *Reserve
	fee     *big.Int
}

// flashAssetAccount aggregates settlement for one asset across every batch
// entry that names it. required starts at the vault balance recorded before
// any transfer of the asset, drops by borrow-mode principal (which converts
// to debt and stays out) and rises by each return-mode fee, so duplicate
// entries of the same asset settle against a single baseline.
type flashAssetAccount struct {
	required  *big.Int
	fees      *big.Int
	hasReturn bool
}

// FlashLoan executes an ordered batch of flash-loan requests. For
// transfer-and-return entries the vault balance before the batch touches the
// asset is recorded, the amount is transferred to the receiver address, and
// after the receiver callback the live vault balance must be at least that
// baseline plus every return-mode fee owed on the asset; any shortfall fails
// the whole batch. Entries in borrow mode convert into real debt positions
// for the calling user after all transfers are issued, with the aggregate
// collateralization checked across every reserve the batch touched at once.
// Fees are swept to the treasury only after every entry has verified.
//
// The receiver callback is the single point where untrusted code runs inside
// an operation: every pre-callback transfer is already recorded in the
// journaled state, and all post-callback verification re-reads live balances
// rather than trusting anything cached.
func (e *Engine) FlashLoan(user, receiverAddr crypto.Address, receiver FlashLoanReceiver, requests []FlashLoanRequest, params []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if len(requests) == 0 {
		return errEmptyFlashLoan
	}
	if receiver == nil {
		return errNilReceiver
	}

	ctx := newOpContext()
	entries := make([]*flashLoanEntry, 0, len(requests))
	terms := make([]FlashLoanTerms, 0, len(requests))
	accounts := make(map[string]*flashAssetAccount)
	assetOrder := make([]string, 0, len(requests))

	for _, req := range requests {
		if err := validAmount(req.Amount); err != nil {
			return err
		}
		if isSentinel(req.Amount) {
			return errInvalidAmount
		}
		reserve, err := e.loadReserve(ctx, req.Asset)
		if err != nil {
			return err
		}
		if reserve.Config.Frozen {
			return ErrReserveFrozen
		}

		liveBal, err := e.tokens.BalanceOf(req.Asset, e.vaultAddr)
		if err != nil {
			return err
		}
		if liveBal.Cmp(req.Amount) < 0 {
			return ErrInsufficientLiquidity
		}
		acct, ok := accounts[req.Asset]
		if !ok {
			acct = &flashAssetAccount{required: new(big.Int).Set(liveBal), fees: big.NewInt(0)}
			accounts[req.Asset] = acct
			assetOrder = append(assetOrder, req.Asset)
		}

		entry := &flashLoanEntry{request: req, reserve: reserve, fee: big.NewInt(0)}
		if req.Borrow {
			acct.required = new(big.Int).Sub(acct.required, req.Amount)
		} else {
			if entry.fee, err = mulBpsUp(req.Amount, reserve.Config.FlashLoanFeeBps); err != nil {
				return err
			}
			if acct.required, err = addChecked(acct.required, entry.fee); err != nil {
				return err
			}
			if acct.fees, err = addChecked(acct.fees, entry.fee); err != nil {
				return err
			}
			acct.hasReturn = true
		}

		if err := e.tokens.Transfer(req.Asset, e.vaultAddr, receiverAddr, req.Amount); err != nil {
			return err
		}

		entries = append(entries, entry)
		terms = append(terms, FlashLoanTerms{
			Asset:  req.Asset,
			Amount: new(big.Int).Set(req.Amount),
			Fee:    new(big.Int).Set(entry.fee),
		})
	}

	if err := receiver.ReceiveFlashLoan(terms, params); err != nil {
		return fmt.Errorf("%w: receiver callback: %v", ErrFlashLoanNotRepaid, err)
	}

	// Verify against the live balances, not the cached pre-loan ones.
	// Every asset must clear before a single fee moves, so a shortfall on
	// a later entry cannot be funded out of depositor liquidity.
	for _, asset := range assetOrder {
		acct := accounts[asset]
		if !acct.hasReturn {
			continue
		}
		liveBal, err := e.tokens.BalanceOf(asset, e.vaultAddr)
		if err != nil {
			return err
		}
		if liveBal.Cmp(acct.required) < 0 {
			return fmt.Errorf("%w: %s", ErrFlashLoanNotRepaid, asset)
		}
	}

	borrowed := false
	for _, entry := range entries {
		if !entry.request.Borrow {
			continue
		}
		pos, err := e.loadPosition(ctx, entry.request.Asset, user)
		if err != nil {
			return err
		}
		debtShares, err := e.raiseDebt(entry.reserve, pos, entry.request.Amount)
		if err != nil {
			return err
		}
		if err := e.tokens.Mint(entry.reserve.Config.DebtToken, user, debtShares); err != nil {
			return err
		}
		borrowed = true
	}

	for _, asset := range assetOrder {
		acct := accounts[asset]
		if acct.fees.Sign() == 0 {
			continue
		}
		if err := e.tokens.Transfer(asset, e.vaultAddr, e.treasury, acct.fees); err != nil {
			return err
		}
		fees, err := e.loadFees(ctx, asset)
		if err != nil {
			return err
		}
		if fees.SweptWei, err = addChecked(fees.SweptWei, acct.fees); err != nil {
			return err
		}
	}

	if borrowed {
		snapshot, err := e.accountSnapshot(ctx, user)
		if err != nil {
			return err
		}
		if !snapshot.Healthy() {
			return ErrInsufficientCollateral
		}
	}

	return e.commit(ctx)
}
