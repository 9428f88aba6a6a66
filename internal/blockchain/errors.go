package blockchain

import (
	"strings"
)

// Failure tags for broadcast and confirmation errors. Stable strings:
// they lead the FAILED reason in pipeline metrics and alert messages,
// so renaming one breaks the series it keys.
const (
	FailSlippageExceeded  = "SLIPPAGE_EXCEEDED"
	FailInsufficientFunds = "INSUFFICIENT_FUNDS"
	FailBlockhashExpired  = "BLOCKHASH_EXPIRED"
	FailAlreadyProcessed  = "ALREADY_PROCESSED"
	FailRateLimited       = "RATE_LIMITED"
	FailAccountMissing    = "ACCOUNT_MISSING"
	FailProgramError      = "PROGRAM_ERROR"
	FailNodeUnhealthy     = "NODE_UNHEALTHY"
	FailNetwork           = "NETWORK_ERROR"
	FailUnknown           = "UNKNOWN"
)

// TxFailure is one classified broadcast or confirmation error.
type TxFailure struct {
	Tag       string
	Retryable bool   // the same payload may still land on a later attempt
	Detail    string // original error text
}

func (f *TxFailure) String() string {
	if f.Detail == "" {
		return f.Tag
	}
	return f.Tag + ": " + f.Detail
}

// ClassifyTxFailure folds the node's error zoo into a stable tag plus a
// retry hint. Matching is substring-based because the same condition
// surfaces as a JSON-RPC error, a preflight log line or a transport
// error depending on where it died. Case order matters: 0x1771 (the
// aggregator's slippage code) must win over the bare 0x1 of a token
// balance shortfall.
func ClassifyTxFailure(raw string) *TxFailure {
	f := &TxFailure{Detail: raw}
	switch {
	case hasAny(raw, "slippage", "0x1771"):
		f.Tag = FailSlippageExceeded

	case hasAny(raw, "no record of a prior credit", "insufficient funds", "insufficient lamports", "custom program error: 0x1"):
		f.Tag = FailInsufficientFunds

	case hasAny(raw, "blockhash not found"):
		// The node may just be behind; the fallback can still take it.
		f.Tag = FailBlockhashExpired
		f.Retryable = true

	case hasAny(raw, "block height exceeded", "blockhash expired"):
		f.Tag = FailBlockhashExpired

	case hasAny(raw, "already been processed", "alreadyprocessed"):
		// An earlier attempt landed; the node saw the same bytes twice.
		f.Tag = FailAlreadyProcessed

	case hasAny(raw, "429", "rate limit", "too many requests"):
		f.Tag = FailRateLimited
		f.Retryable = true

	case hasAny(raw, "account not found", "accountnotfound", "could not find account"):
		f.Tag = FailAccountMissing

	case hasAny(raw, "custom program error", "instructionerror", "instruction error"):
		f.Tag = FailProgramError

	case hasAny(raw, "node is behind", "unhealthy"):
		f.Tag = FailNodeUnhealthy
		f.Retryable = true

	case hasAny(raw, "connection refused", "connection reset", "broken pipe", "no such host", "timeout", "timed out", "deadline exceeded"):
		f.Tag = FailNetwork
		f.Retryable = true

	default:
		// Unrecognized errors retry; the attempt cap bounds the damage.
		f.Tag = FailUnknown
		f.Retryable = true
	}
	return f
}

// ClassifyTxError is ClassifyTxFailure over an error value. Nil in,
// nil out.
func ClassifyTxError(err error) *TxFailure {
	if err == nil {
		return nil
	}
	return ClassifyTxFailure(err.Error())
}

func hasAny(s string, subs ...string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
