package api

import (
	"github.com/uhyunpark/tradebot/pkg/abci"
)

// ==============================
// REST Response Types
// ==============================

// DepositInfo is an account's escrowed native balance (wei, decimal).
type DepositInfo struct {
	Address string `json:"address"`
	Deposit string `json:"deposit"`
	Nonce   uint64 `json:"nonce"`
}

// OrderInfo is the public metadata of an order. Token and amount stay encrypted.
type OrderInfo struct {
	ID        uint64 `json:"id"`
	Owner     string `json:"owner"`
	ExecuteAt uint64 `json:"executeAt"` // Unix seconds
	Executed  bool   `json:"executed"`
}

// CiphertextInfo carries the two opaque handles of an order.
type CiphertextInfo struct {
	ID        uint64 `json:"id"`
	EncToken  string `json:"encToken"`
	EncAmount string `json:"encAmount"`
}

type EncryptionKeyInfo struct {
	Scheme    string `json:"scheme"`
	PublicKey string `json:"publicKey"`
}

type NextOrderIDInfo struct {
	NextOrderID uint64 `json:"nextOrderId"`
}

type TokenBalanceInfo struct {
	Token   string `json:"token"`
	Symbol  string `json:"symbol"`
	Holder  string `json:"holder"`
	Balance string `json:"balance"`
}

// ChainStatus reports the sequencer head and pending work.
type ChainStatus struct {
	Height      uint64 `json:"height"`
	BlockHash   string `json:"blockHash"`
	AppHash     string `json:"appHash"`
	BlockTime   int64  `json:"blockTime"` // Unix seconds
	MempoolSize int    `json:"mempoolSize"`
	Escrow      string `json:"escrow"`
	VaultHeld   string `json:"vaultHeld"`
	Spent       string `json:"spent"` // settled cost; escrow + spent == vaultHeld
}

// SubmitTxResponse is returned by POST /api/v1/tx once the tx is in a block.
type SubmitTxResponse struct {
	Receipt abci.Receipt `json:"receipt"`
}

// PendingTxResponse is returned when the submit deadline passes before inclusion.
type PendingTxResponse struct {
	TxHash string `json:"txHash"`
	Status string `json:"status"` // "pending"
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["blocks", "events", "events:order_executed", "account:0x..."]
}

// BlockUpdate is broadcast on the "blocks" channel after every block.
type BlockUpdate struct {
	Type    string `json:"type"` // "block"
	Height  uint64 `json:"height"`
	Hash    string `json:"hash"`
	AppHash string `json:"appHash"`
	TxCount int    `json:"txCount"`
	Time    int64  `json:"time"`
}

// EventUpdate wraps one contract event.
type EventUpdate struct {
	Type  string     `json:"type"` // "event"
	Event abci.Event `json:"event"`
}
