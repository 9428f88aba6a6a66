package blockchain

import (
	"errors"
	"testing"
)

func TestClassifyTxFailure(t *testing.T) {
	cases := []struct {
		name      string
		raw       string
		tag       string
		retryable bool
	}{
		{"slippage word", "Error: slippage tolerance exceeded", FailSlippageExceeded, false},
		{"slippage code wins over 0x1", "custom program error: 0x1771", FailSlippageExceeded, false},
		{"no prior credit", "Attempt to debit an account but found no record of a prior credit.", FailInsufficientFunds, false},
		{"insufficient lamports", "Transfer: insufficient lamports 52134, need 1000000", FailInsufficientFunds, false},
		{"token shortfall 0x1", "custom program error: 0x1", FailInsufficientFunds, false},
		{"blockhash behind", "RPC error -32002: Blockhash not found", FailBlockhashExpired, true},
		{"blockhash dead", "Transaction expired: block height exceeded", FailBlockhashExpired, false},
		{"duplicate", "This transaction has already been processed", FailAlreadyProcessed, false},
		{"http 429", "server responded with 429 Too Many Requests", FailRateLimited, true},
		{"missing account", "AccountNotFound: could not find account", FailAccountMissing, false},
		{"program error", `{"InstructionError":[3,{"Custom":4002}]}`, FailProgramError, false},
		{"node behind", "RPC error -32005: Node is behind by 151 slots", FailNodeUnhealthy, true},
		{"node unhealthy", "node is unhealthy", FailNodeUnhealthy, true},
		{"transport", "Post \"https://rpc\": dial tcp: connection refused", FailNetwork, true},
		{"context deadline", "context deadline exceeded", FailNetwork, true},
		{"unrecognized", "some brand new failure mode", FailUnknown, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := ClassifyTxFailure(tc.raw)
			if f.Tag != tc.tag {
				t.Errorf("tag = %s, want %s", f.Tag, tc.tag)
			}
			if f.Retryable != tc.retryable {
				t.Errorf("retryable = %v, want %v", f.Retryable, tc.retryable)
			}
			if f.Detail != tc.raw {
				t.Errorf("detail = %q, want original text", f.Detail)
			}
		})
	}
}

func TestClassifyTxError(t *testing.T) {
	if ClassifyTxError(nil) != nil {
		t.Error("nil error should classify to nil")
	}
	f := ClassifyTxError(errors.New("insufficient funds for fee"))
	if f == nil || f.Tag != FailInsufficientFunds {
		t.Errorf("classified = %v, want %s", f, FailInsufficientFunds)
	}
}

func TestTxFailureString(t *testing.T) {
	full := &TxFailure{Tag: FailNetwork, Detail: "connection refused"}
	if got := full.String(); got != "NETWORK_ERROR: connection refused" {
		t.Errorf("String() = %q", got)
	}
	bare := &TxFailure{Tag: FailBlockhashExpired}
	if got := bare.String(); got != "BLOCKHASH_EXPIRED" {
		t.Errorf("String() = %q", got)
	}
}
