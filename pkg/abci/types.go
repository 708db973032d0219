// Package abci is the boundary between the block producer and the application:
// the producer orders raw transactions into blocks, the application executes
// them and reports receipts, events and the resulting state hash.
package abci

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Receipt status codes.
const (
	StatusOK       uint8 = 1
	StatusRejected uint8 = 0 // decode, signature or nonce failure; no state change
	StatusReverted uint8 = 2 // contract call failed; only the nonce advanced
)

// Receipt is the outcome of one transaction.
type Receipt struct {
	TxHash  common.Hash `json:"tx_hash"`
	Height  uint64      `json:"height"`
	Index   int         `json:"index"`
	Type    string      `json:"type,omitempty"`
	Sender  string      `json:"sender,omitempty"`
	Status  uint8       `json:"status"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"` // error kind, e.g. "insufficient balance"
	OrderID uint64      `json:"order_id,omitempty"`
	Events  []Event     `json:"events,omitempty"`
}

func (r Receipt) OK() bool { return r.Status == StatusOK }

// Event is a state change emitted by a successful transaction.
type Event struct {
	Type       string            `json:"type"`
	Height     uint64            `json:"height"`
	TxHash     common.Hash       `json:"tx_hash"`
	Attributes map[string]string `json:"attributes"`
}

type RequestCheckTx struct{ Tx []byte }

type ResponseCheckTx struct {
	OK     bool
	Log    string
	Sender common.Address
	Type   string
}

type RequestFinalizeBlock struct {
	Height    uint64
	Timestamp uint64 // Unix seconds
	Txs       [][]byte
}

type ResponseFinalizeBlock struct {
	Receipts []Receipt
	Events   []Event
	AppHash  common.Hash
}

// Application executes ordered transactions.
type Application interface {
	CheckTx(RequestCheckTx) ResponseCheckTx
	FinalizeBlock(ctx context.Context, req RequestFinalizeBlock) ResponseFinalizeBlock
}
