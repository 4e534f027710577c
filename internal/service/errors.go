package service

import "errors"

// Stable business error codes. These cross the public boundary inside the
// response envelope; HTTP status stays 200 for all of them.
const (
	CodeInvalidAmount       = "INVALID_AMOUNT"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeUpdateFailed        = "UPDATE_FAILED"
	CodeLedgerError         = "LEDGER_ERROR"
	CodeCreateFailed        = "CREATE_FAILED"
	CodeInvalidRelease      = "INVALID_RELEASE"
	CodeInvalidCode         = "INVALID_CODE"
	CodeAlreadyReferred     = "ALREADY_REFERRED"
	CodeSelfReferral        = "SELF_REFERRAL"
	CodeAttributionFailed   = "ATTRIBUTION_FAILED"
	CodeWalletNotFound      = "WALLET_NOT_FOUND"
	CodeMissingAccount      = "MISSING_ACCOUNT"
	CodeInvalidTokens       = "INVALID_TOKENS"
	CodeStripeError         = "STRIPE_ERROR"
)

// Error is a business-rule violation. Anything else escaping a service is an
// infrastructure failure and is reported as such, never as an Error.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AsError unwraps a business error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

var (
	errInvalidAmount       = newError(CodeInvalidAmount, "amount must be a positive integer")
	errInsufficientBalance = newError(CodeInsufficientBalance, "insufficient available balance")
	errUpdateFailed        = newError(CodeUpdateFailed, "concurrent modification, retry the operation")
	errMissingAccount      = newError(CodeMissingAccount, "account id is required")
	errWalletNotFound      = newError(CodeWalletNotFound, "no wallet exists for this account")
	errInvalidRelease      = newError(CodeInvalidRelease, "release does not match an outstanding reservation")
	errInvalidCode         = newError(CodeInvalidCode, "referral code is unknown or inactive")
	errAlreadyReferred     = newError(CodeAlreadyReferred, "account already has a referral attribution")
	errSelfReferral        = newError(CodeSelfReferral, "cannot redeem your own referral code")
	errInvalidTokens       = newError(CodeInvalidTokens, "token amount must be a positive integer")
)
