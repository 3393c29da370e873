package engine

import (
	"binance-strategy-engine/internal/binance"
)

// ErrorKind buckets exchange errors by the reaction they require.
type ErrorKind int

const (
	// KindTransient covers network failures and 5xx responses; the
	// gateway retries these, so by the time a runner sees one the
	// retries are exhausted.
	KindTransient ErrorKind = iota
	// KindBenign covers logical rejections the strategy compensates
	// for locally.
	KindBenign
	// KindFatalBot stops the bot but leaves the process running.
	KindFatalBot
	// KindFatalProcess is reserved for startup failures.
	KindFatalProcess
)

// Classify maps an exchange error to the reaction it requires. Errors
// without an exchange code are treated as transient.
func Classify(err error) ErrorKind {
	apiErr, ok := binance.AsAPIError(err)
	if !ok {
		return KindTransient
	}
	switch apiErr.Code {
	case binance.CodeInsufficientBalance,
		binance.CodeUnknownOrder,
		binance.CodeNoSuchOrder,
		binance.CodeFilterFailure:
		return KindBenign
	case binance.CodeBadAPIKeyFormat,
		binance.CodeRejectedAPIKey,
		binance.CodeMandatoryParam,
		binance.CodeInvalidSymbol:
		return KindFatalBot
	}
	return KindBenign
}
