package transaction

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tradebot/pkg/crypto"
)

// TxType names the contract action a transaction invokes
type TxType string

const (
	TxTypeDeposit      TxType = "deposit"
	TxTypeWithdraw     TxType = "withdraw"
	TxTypePlaceOrder   TxType = "place_order"
	TxTypeExecuteOrder TxType = "execute_order"
	TxTypeSetBot       TxType = "set_bot"
	TxTypeSetUnitPrice TxType = "set_unit_price"
)

// SignedTransaction is the JSON envelope submitted by users and the bot.
// Exactly one payload field matching Type is set.
type SignedTransaction struct {
	Type      TxType `json:"type"`
	Sender    string `json:"sender"` // 0x address
	Nonce     string `json:"nonce"`  // decimal, strictly increasing per sender
	Signature string `json:"signature"`

	Deposit      *AmountPayload       `json:"deposit,omitempty"`
	Withdraw     *AmountPayload       `json:"withdraw,omitempty"`
	PlaceOrder   *PlaceOrderPayload   `json:"place_order,omitempty"`
	ExecuteOrder *ExecuteOrderPayload `json:"execute_order,omitempty"`
	SetBot       *SetBotPayload       `json:"set_bot,omitempty"`
	SetUnitPrice *SetUnitPricePayload `json:"set_unit_price,omitempty"`
}

// AmountPayload carries a wei amount as a decimal string
type AmountPayload struct {
	Amount string `json:"amount"`
}

// PlaceOrderPayload carries the two ciphertext handles, the input proof and
// the earliest execution time (Unix seconds)
type PlaceOrderPayload struct {
	EncToken   string `json:"enc_token"`  // 0x, 32 bytes
	EncAmount  string `json:"enc_amount"` // 0x, 32 bytes
	InputProof string `json:"input_proof"`
	ExecuteAt  uint64 `json:"execute_at"`
}

// ExecuteOrderPayload carries the plaintext revealed by the bot
type ExecuteOrderPayload struct {
	OrderID uint64 `json:"order_id"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

type SetBotPayload struct {
	Bot string `json:"bot"`
}

type SetUnitPricePayload struct {
	Price string `json:"price"`
}

// payload returns the action arguments for the envelope's type
func (tx *SignedTransaction) payload() (any, error) {
	var p any
	switch tx.Type {
	case TxTypeDeposit:
		p = tx.Deposit
	case TxTypeWithdraw:
		p = tx.Withdraw
	case TxTypePlaceOrder:
		p = tx.PlaceOrder
	case TxTypeExecuteOrder:
		p = tx.ExecuteOrder
	case TxTypeSetBot:
		p = tx.SetBot
	case TxTypeSetUnitPrice:
		p = tx.SetUnitPrice
	default:
		return nil, fmt.Errorf("unknown transaction type: %s", tx.Type)
	}
	if isNilPayload(p) {
		return nil, fmt.Errorf("%s type requires %s payload", tx.Type, tx.Type)
	}
	return p, nil
}

func isNilPayload(p any) bool {
	switch v := p.(type) {
	case *AmountPayload:
		return v == nil
	case *PlaceOrderPayload:
		return v == nil
	case *ExecuteOrderPayload:
		return v == nil
	case *SetBotPayload:
		return v == nil
	case *SetUnitPricePayload:
		return v == nil
	}
	return true
}

// ToEIP712Call builds the typed message covered by the signature.
// The payload is the canonical JSON encoding of the action arguments.
func (tx *SignedTransaction) ToEIP712Call() (*crypto.CallEIP712, error) {
	p, err := tx.payload()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	nonce, ok := new(big.Int).SetString(tx.Nonce, 10)
	if !ok || nonce.Sign() < 0 {
		return nil, fmt.Errorf("invalid nonce: %s", tx.Nonce)
	}
	if !common.IsHexAddress(tx.Sender) {
		return nil, fmt.Errorf("invalid sender: %s", tx.Sender)
	}
	return &crypto.CallEIP712{
		Action:  string(tx.Type),
		Payload: string(body),
		Nonce:   nonce,
		Sender:  common.HexToAddress(tx.Sender),
	}, nil
}

// Sign fills Sender and Signature using signer
func (tx *SignedTransaction) Sign(eip712 *crypto.EIP712Signer, signer *crypto.Signer) error {
	tx.Sender = signer.Address().Hex()
	call, err := tx.ToEIP712Call()
	if err != nil {
		return err
	}
	sig, err := eip712.SignCall(signer, call)
	if err != nil {
		return err
	}
	tx.Signature = hexutil.Encode(sig)
	return nil
}

// NonceValue returns the parsed nonce
func (tx *SignedTransaction) NonceValue() (uint64, error) {
	n, ok := new(big.Int).SetString(tx.Nonce, 10)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("invalid nonce: %s", tx.Nonce)
	}
	return n.Uint64(), nil
}

func (tx *SignedTransaction) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

func Deserialize(data []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return &tx, nil
}

// Validate performs structural checks; it does not verify the signature
func (tx *SignedTransaction) Validate() error {
	if tx.Type == "" {
		return fmt.Errorf("missing transaction type")
	}
	if tx.Signature == "" {
		return fmt.Errorf("missing signature")
	}
	if !common.IsHexAddress(tx.Sender) {
		return fmt.Errorf("invalid sender: %q", tx.Sender)
	}
	if _, err := tx.NonceValue(); err != nil {
		return err
	}
	if _, err := tx.payload(); err != nil {
		return err
	}

	switch tx.Type {
	case TxTypeDeposit:
		if _, err := ParseAmount(tx.Deposit.Amount); err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
	case TxTypeWithdraw:
		if _, err := ParseAmount(tx.Withdraw.Amount); err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
	case TxTypePlaceOrder:
		if _, err := ParseHandle(tx.PlaceOrder.EncToken); err != nil {
			return fmt.Errorf("enc_token: %w", err)
		}
		if _, err := ParseHandle(tx.PlaceOrder.EncAmount); err != nil {
			return fmt.Errorf("enc_amount: %w", err)
		}
		if _, err := hexutil.Decode(tx.PlaceOrder.InputProof); err != nil {
			return fmt.Errorf("input_proof: %w", err)
		}
	case TxTypeExecuteOrder:
		if !common.IsHexAddress(tx.ExecuteOrder.Token) {
			return fmt.Errorf("execute_order: invalid token %q", tx.ExecuteOrder.Token)
		}
		if _, err := ParseAmount(tx.ExecuteOrder.Amount); err != nil {
			return fmt.Errorf("execute_order: %w", err)
		}
	case TxTypeSetBot:
		if !common.IsHexAddress(tx.SetBot.Bot) {
			return fmt.Errorf("set_bot: invalid bot %q", tx.SetBot.Bot)
		}
	case TxTypeSetUnitPrice:
		if _, err := ParseAmount(tx.SetUnitPrice.Price); err != nil {
			return fmt.Errorf("set_unit_price: %w", err)
		}
	}
	return nil
}

// ParseTransaction decodes and validates a raw transaction
func ParseTransaction(data []byte) (*SignedTransaction, error) {
	tx, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}
	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	return tx, nil
}

// ParseAmount parses a non-negative decimal string into a 256-bit integer
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" || strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// ParseHandle decodes a 0x-prefixed 32-byte handle
func ParseHandle(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("handle must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
