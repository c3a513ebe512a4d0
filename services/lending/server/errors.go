package server

import (
	"context"
	"errors"
	"net/http"

	nativecommon "cdpledger/native/common"
	"cdpledger/native/fixed"
	"cdpledger/native/market"
	"cdpledger/native/oracle"
	"cdpledger/native/strategy"
	"cdpledger/native/swapper"
	"cdpledger/native/token"
	"cdpledger/native/vault"
	"cdpledger/services/lending/engine"
)

var (
	errUnauthenticated = errors.New("authentication required")
	errForbidden       = errors.New("forbidden")
	errAuthDisabled    = errors.New("authentication is not configured")
	errRateLimited     = errors.New("rate limit exceeded")
)

type errorClass struct {
	status int
	errs   []error
}

// errorClasses is checked in order; the first match wins.
var errorClasses = []errorClass{
	{http.StatusInternalServerError, []error{nativecommon.ErrRollbackFailed}},
	{http.StatusUnauthorized, []error{errUnauthenticated}},
	{http.StatusForbidden, []error{errForbidden, errAuthDisabled, engine.ErrUnauthorized, vault.ErrUnauthorized, market.ErrNotOperator}},
	{http.StatusTooManyRequests, []error{errRateLimited, nativecommon.ErrQuotaRequestsExceeded, nativecommon.ErrQuotaVolumeExceeded}},
	{http.StatusNotFound, []error{engine.ErrNotFound, market.ErrUnknownMarket, oracle.ErrNoQuote, vault.ErrNoStrategy}},
	{http.StatusConflict, []error{nativecommon.ErrReentrant, engine.ErrDuplicate, market.ErrShareRateMoved, market.ErrDepositMismatch}},
	{http.StatusServiceUnavailable, []error{
		nativecommon.ErrModulePaused, market.ErrInvalidPrice,
		oracle.ErrNoPrimarySource, oracle.ErrNoValidSource, oracle.ErrDeviationTwo, oracle.ErrDeviationThree, oracle.ErrStale,
	}},
	{http.StatusUnprocessableEntity, []error{
		market.ErrUnsafe, market.ErrNotLiquidatable, market.ErrNothingLiquidated, market.ErrInsufficientCollateral,
		market.ErrInsufficientLiquidity, market.ErrRepayExceedsDebt, market.ErrBadTreasury, market.ErrInsufficientShares,
		vault.ErrInsufficientShares, vault.ErrMinimumShareBalance, vault.ErrZeroShare, vault.ErrStrategyDrained,
		token.ErrInsufficientBalance, token.ErrInsufficientAllowance, token.ErrSupplyOverflow,
		swapper.ErrInsufficientStock, strategy.ErrInsufficientStake,
	}},
	{http.StatusBadRequest, []error{
		errBadRequest, engine.ErrInvalidAmount, engine.ErrUnknownCook,
		market.ErrSlippage, market.ErrMinDebt, market.ErrZeroAmount, market.ErrZeroRecipient, market.ErrLengthMismatch,
		vault.ErrNothingToDo, vault.ErrZeroRecipient, vault.ErrLengthMismatch, vault.ErrTargetOutOfRange,
		token.ErrZeroAddress, swapper.ErrInsufficientOutput, swapper.ErrNoRate, swapper.ErrZeroInput,
		fixed.ErrOverflow, fixed.ErrUnderflow, fixed.ErrDivisionByZero,
	}},
	{http.StatusGatewayTimeout, []error{context.DeadlineExceeded}},
}

// statusFor maps an engine error to the HTTP status and the message shown to
// the client. Unclassified errors are reported as internal.
func statusFor(err error) (int, string) {
	for _, class := range errorClasses {
		for _, target := range class.errs {
			if errors.Is(err, target) {
				return class.status, err.Error()
			}
		}
	}
	return http.StatusInternalServerError, "internal error"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("lending request failed", "route", routePattern(r), "error", err, "request_id", requestIDFrom(r.Context()))
	}
	writeJSON(w, status, errorResponse{Error: msg, RequestID: requestIDFrom(r.Context())})
}
