package blockchain

import (
	"context"
	"fmt"
)

// ChainTokenAmount is a raw token amount with its decimals
type ChainTokenAmount struct {
	Amount   string `json:"amount"`
	Decimals uint8  `json:"decimals"`
}

// ChainTokenBalance is one pre/post token balance entry
type ChainTokenBalance struct {
	AccountIndex  int              `json:"accountIndex"`
	Mint          string           `json:"mint"`
	Owner         string           `json:"owner"`
	UITokenAmount ChainTokenAmount `json:"uiTokenAmount"`
}

// ChainTxMeta carries the balance deltas the swap parser works from
type ChainTxMeta struct {
	Err               interface{}         `json:"err"`
	Fee               uint64              `json:"fee"`
	ComputeUnits      uint64              `json:"computeUnitsConsumed"`
	PreBalances       []uint64            `json:"preBalances"`
	PostBalances      []uint64            `json:"postBalances"`
	PreTokenBalances  []ChainTokenBalance `json:"preTokenBalances"`
	PostTokenBalances []ChainTokenBalance `json:"postTokenBalances"`
}

// ChainAccountKey is one account in a jsonParsed message
type ChainAccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// ChainTransaction is a confirmed transaction in jsonParsed encoding
type ChainTransaction struct {
	Slot        uint64       `json:"slot"`
	BlockTime   *int64       `json:"blockTime"`
	Meta        *ChainTxMeta `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []ChainAccountKey `json:"accountKeys"`
		} `json:"message"`
		Signatures []string `json:"signatures"`
	} `json:"transaction"`
}

// Signature returns the transaction's primary signature
func (t *ChainTransaction) Signature() string {
	if len(t.Transaction.Signatures) == 0 {
		return ""
	}
	return t.Transaction.Signatures[0]
}

// Failed reports whether the transaction errored on chain
func (t *ChainTransaction) Failed() bool {
	return t.Meta == nil || t.Meta.Err != nil
}

// GetTransaction fetches a confirmed transaction with parsed balances.
// Returns nil when the signature is unknown to the node.
func (c *RPCClient) GetTransaction(ctx context.Context, signature string) (*ChainTransaction, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTransaction",
		Params: []interface{}{
			signature,
			map[string]interface{}{
				"encoding":                       "jsonParsed",
				"commitment":                     "confirmed",
				"maxSupportedTransactionVersion": 0,
			},
		},
	}

	var result *ChainTransaction
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SignatureInfo is one entry of getSignaturesForAddress
type SignatureInfo struct {
	Signature string      `json:"signature"`
	Slot      uint64      `json:"slot"`
	Err       interface{} `json:"err"`
	BlockTime *int64      `json:"blockTime"`
}

// GetSignaturesForAddress lists recent signatures touching an address,
// newest first.
func (c *RPCClient) GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]SignatureInfo, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getSignaturesForAddress",
		Params: []interface{}{
			address,
			map[string]interface{}{
				"limit":      limit,
				"commitment": "confirmed",
			},
		},
	}

	var result []SignatureInfo
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// MintInfo describes an SPL token mint. Empty authority strings mean
// the authority was revoked.
type MintInfo struct {
	Address         string
	Decimals        uint8
	Supply          string
	MintAuthority   string
	FreezeAuthority string
}

// GetMintInfo fetches mint account state via jsonParsed encoding, which
// covers both the legacy token program and Token-2022.
func (c *RPCClient) GetMintInfo(ctx context.Context, mint string) (*MintInfo, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getAccountInfo",
		Params: []interface{}{
			mint,
			map[string]string{"encoding": "jsonParsed"},
		},
	}

	var result struct {
		Value *struct {
			Data struct {
				Parsed struct {
					Type string `json:"type"`
					Info struct {
						Decimals        uint8   `json:"decimals"`
						Supply          string  `json:"supply"`
						MintAuthority   *string `json:"mintAuthority"`
						FreezeAuthority *string `json:"freezeAuthority"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	}

	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, fmt.Errorf("mint account %s not found", mint)
	}
	if result.Value.Data.Parsed.Type != "mint" {
		return nil, fmt.Errorf("account %s is not a mint (%s)", mint, result.Value.Data.Parsed.Type)
	}

	info := &MintInfo{
		Address:  mint,
		Decimals: result.Value.Data.Parsed.Info.Decimals,
		Supply:   result.Value.Data.Parsed.Info.Supply,
	}
	if auth := result.Value.Data.Parsed.Info.MintAuthority; auth != nil {
		info.MintAuthority = *auth
	}
	if auth := result.Value.Data.Parsed.Info.FreezeAuthority; auth != nil {
		info.FreezeAuthority = *auth
	}
	return info, nil
}
