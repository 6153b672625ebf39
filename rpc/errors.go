package rpc

import (
	"errors"
	"net/http"

	nativecommon "lendpool/native/common"
	"lendpool/native/lending"
)

// statusForError maps engine failures onto HTTP status codes. Anything the
// taxonomy does not cover is treated as an internal error.
func statusForError(err error) int {
	switch {
	case errors.Is(err, lending.ErrUnknownAsset):
		return http.StatusNotFound
	case errors.Is(err, lending.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, lending.ErrZeroShares),
		errors.Is(err, lending.ErrArithmeticOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lending.ErrUtilizationExceeded),
		errors.Is(err, lending.ErrInsufficientCollateral),
		errors.Is(err, lending.ErrInsufficientLiquidity),
		errors.Is(err, lending.ErrNotLiquidatable),
		errors.Is(err, lending.ErrNothingToSeize),
		errors.Is(err, lending.ErrFlashLoanNotRepaid),
		errors.Is(err, lending.ErrReserveFrozen):
		return http.StatusConflict
	case errors.Is(err, lending.ErrPriceUnavailable),
		errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
