package lending

import "errors"

// Terminal error taxonomy for pool operations. Every failure aborts the
// whole operation; the node layer discards the state journal so callers
// observe either the documented state changes or none at all.
var (
	ErrUnknownAsset           = errors.New("lending: unknown asset")
	ErrUnauthorized           = errors.New("lending: unauthorized")
	ErrZeroShares             = errors.New("lending: computed shares round to zero")
	ErrUtilizationExceeded    = errors.New("lending: reserve utilization cap exceeded")
	ErrInsufficientCollateral = errors.New("lending: account would be undercollateralized")
	ErrInsufficientLiquidity  = errors.New("lending: insufficient reserve liquidity")
	ErrNotLiquidatable        = errors.New("lending: account not eligible for liquidation")
	ErrNothingToSeize         = errors.New("lending: no collateral unit can be seized")
	ErrFlashLoanNotRepaid     = errors.New("lending: flash loan not repaid with fee")
	ErrPriceUnavailable       = errors.New("lending: price unavailable")
	ErrArithmeticOverflow     = errors.New("lending: arithmetic overflow")
	ErrReserveFrozen          = errors.New("lending: reserve is frozen")
)

var (
	errNilState            = errors.New("lending: state not configured")
	errNilTokens           = errors.New("lending: token backend not configured")
	errNilOracle           = errors.New("lending: price oracle not configured")
	errInvalidAmount       = errors.New("lending: amount must be positive")
	errInsufficientBalance = errors.New("lending: insufficient balance")
	errNoDebtToRepay       = errors.New("lending: no outstanding debt to repay")
	errEmptyFlashLoan      = errors.New("lending: flash loan request list is empty")
)
