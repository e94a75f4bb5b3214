package rpcpool

import (
	"context"
	"encoding/json"
)

// ChainClient is the subset of ledger RPC the observers depend on.
type ChainClient interface {
	BlockCount(ctx context.Context) (int64, error)
	BlockHash(ctx context.Context, height int64) (string, error)
	Block(ctx context.Context, hash string) (Block, error)
	RawMempool(ctx context.Context) ([]string, error)
	RawTransaction(ctx context.Context, txid string) (Transaction, error)
}

// Block is a ledger block at full verbosity.
type Block struct {
	Hash   string        `json:"hash"`
	Height int64         `json:"height"`
	Tx     []Transaction `json:"tx"`
}

// Transaction is a decoded ledger transaction.
type Transaction struct {
	TxID string   `json:"txid"`
	Vout []Output `json:"vout"`
}

// Output is one transaction output.
type Output struct {
	Value        json.Number  `json:"value"`
	ScriptPubKey ScriptPubKey `json:"scriptPubKey"`
}

// ScriptPubKey carries the recipient set. Upstreams expose either a single
// address or an addresses array depending on version.
type ScriptPubKey struct {
	Address   string   `json:"address"`
	Addresses []string `json:"addresses"`
}

// PaysTo reports whether the output's recipient set contains addr.
func (o Output) PaysTo(addr string) bool {
	if addr == "" {
		return false
	}
	if o.ScriptPubKey.Address == addr {
		return true
	}
	for _, candidate := range o.ScriptPubKey.Addresses {
		if candidate == addr {
			return true
		}
	}
	return false
}

// BlockCount returns the current tip height.
func (p *Pool) BlockCount(ctx context.Context) (int64, error) {
	var height int64
	if err := p.Call(ctx, "getblockcount", []interface{}{}, CostBlockCount, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// BlockHash returns the hash of the block at height.
func (p *Pool) BlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	if err := p.Call(ctx, "getblockhash", []interface{}{height}, CostBlockHash, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// Block fetches a block with fully decoded transactions (verbosity 2).
func (p *Pool) Block(ctx context.Context, hash string) (Block, error) {
	var block Block
	if err := p.Call(ctx, "getblock", []interface{}{hash, 2}, CostBlock, &block); err != nil {
		return Block{}, err
	}
	return block, nil
}

// RawMempool lists the txids currently in the mempool.
func (p *Pool) RawMempool(ctx context.Context) ([]string, error) {
	var txids []string
	if err := p.Call(ctx, "getrawmempool", []interface{}{}, CostRawMempool, &txids); err != nil {
		return nil, err
	}
	return txids, nil
}

// RawTransaction fetches a decoded mempool transaction.
func (p *Pool) RawTransaction(ctx context.Context, txid string) (Transaction, error) {
	var tx Transaction
	if err := p.Call(ctx, "getrawtransaction", []interface{}{txid, 1}, CostRawTransaction, &tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}
