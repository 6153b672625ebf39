package lending

import (
	"math/big"

	"lendpool/crypto"
)

// TokenBackend is the fungible-token collaborator. The pool never implements
// transfer semantics itself; it moves underlying assets and mints/burns
// receipt tokens through this interface and propagates failures unmodified.
type TokenBackend interface {
	Transfer(token string, from, to crypto.Address, amount *big.Int) error
	Mint(token string, to crypto.Address, amount *big.Int) error
	Burn(token string, from crypto.Address, amount *big.Int) error
	BalanceOf(token string, account crypto.Address) (*big.Int, error)
	TotalSupply(token string) (*big.Int, error)
}

// PriceQuote is a live oracle reading. Quotes are never cached across
// operations.
type PriceQuote struct {
	Price     *big.Int
	Decimals  uint32
	Timestamp uint64
}

// PriceOracle is the price collaborator. All quotes share a common base
// currency scale so valuations are directly comparable.
type PriceOracle interface {
	Price(asset string) (*PriceQuote, error)
}

// FlashLoanTerms describes one entry the flash-loan receiver must account for
// before returning control.
type FlashLoanTerms struct {
	Asset  string
	Amount *big.Int
	Fee    *big.Int
}

// FlashLoanReceiver is the caller-supplied, untrusted callback contract. It
// must return the borrowed underlying plus fee to the pool vault for every
// transfer-and-return entry before returning.
type FlashLoanReceiver interface {
	ReceiveFlashLoan(terms []FlashLoanTerms, params []byte) error
}

// FlashLoanRequest is one ordered entry of a flash-loan batch. Borrow mode
// converts the transferred amount into a real debt position subject to the
// same admission control as an ordinary borrow.
type FlashLoanRequest struct {
	Asset  string
	Amount *big.Int
	Borrow bool
}
