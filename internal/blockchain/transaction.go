package blockchain

import (
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
)

// SignBase64Transaction signs a base64-serialized transaction returned
// by the swap aggregator and re-encodes it for sendTransaction.
//
// Versioned transaction layout: [sig count][signatures...][message].
// The aggregator builds the message with our wallet as fee payer, so
// our signature goes into the first slot.
func SignBase64Transaction(w *Wallet, serializedTxBase64 string) (string, error) {
	txBytes, err := base64.StdEncoding.DecodeString(serializedTxBase64)
	if err != nil {
		return "", fmt.Errorf("decode transaction: %w", err)
	}
	if len(txBytes) == 0 {
		return "", fmt.Errorf("empty transaction")
	}

	// Compact-u16 signature count; aggregator transactions stay below
	// 128 signatures so a single byte is enough.
	sigCount := int(txBytes[0])
	if sigCount >= 128 {
		return "", fmt.Errorf("unsupported signature count %d", sigCount)
	}

	if sigCount == 0 {
		// No signature slots: message starts at byte 1
		message := txBytes[1:]
		signature := w.Sign(message)

		signedTx := make([]byte, 1+64+len(message))
		signedTx[0] = 1
		copy(signedTx[1:65], signature)
		copy(signedTx[65:], message)

		return base64.StdEncoding.EncodeToString(signedTx), nil
	}

	sigOffset := 1
	messageOffset := sigOffset + sigCount*64
	if len(txBytes) <= messageOffset {
		return "", fmt.Errorf("transaction truncated: %d bytes for %d signatures", len(txBytes), sigCount)
	}

	message := txBytes[messageOffset:]
	signature := w.Sign(message)
	copy(txBytes[sigOffset:sigOffset+64], signature)

	return base64.StdEncoding.EncodeToString(txBytes), nil
}

// ExtractSignature reads the first signature out of a signed
// base64-serialized transaction. The transaction signature on-chain is
// the fee payer's signature, so this is the id the transaction will
// land under, known before sendTransaction returns.
func ExtractSignature(signedTxBase64 string) (string, error) {
	txBytes, err := base64.StdEncoding.DecodeString(signedTxBase64)
	if err != nil {
		return "", fmt.Errorf("decode transaction: %w", err)
	}
	if len(txBytes) < 1+64 {
		return "", fmt.Errorf("transaction too short: %d bytes", len(txBytes))
	}
	if txBytes[0] == 0 || txBytes[0] >= 128 {
		return "", fmt.Errorf("unsupported signature count %d", txBytes[0])
	}
	return base58.Encode(txBytes[1:65]), nil
}
