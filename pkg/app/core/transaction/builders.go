package transaction

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// Unsigned envelopes; call Sign before serializing.

func NewDeposit(nonce uint64, amount *uint256.Int) *SignedTransaction {
	return &SignedTransaction{Type: TxTypeDeposit, Nonce: fmtNonce(nonce), Deposit: &AmountPayload{Amount: amount.Dec()}}
}

func NewWithdraw(nonce uint64, amount *uint256.Int) *SignedTransaction {
	return &SignedTransaction{Type: TxTypeWithdraw, Nonce: fmtNonce(nonce), Withdraw: &AmountPayload{Amount: amount.Dec()}}
}

func NewPlaceOrder(nonce uint64, encToken, encAmount [32]byte, proof []byte, executeAt uint64) *SignedTransaction {
	return &SignedTransaction{
		Type:  TxTypePlaceOrder,
		Nonce: fmtNonce(nonce),
		PlaceOrder: &PlaceOrderPayload{
			EncToken:   hexutil.Encode(encToken[:]),
			EncAmount:  hexutil.Encode(encAmount[:]),
			InputProof: hexutil.Encode(proof),
			ExecuteAt:  executeAt,
		},
	}
}

func NewExecuteOrder(nonce, orderID uint64, token common.Address, amount *uint256.Int) *SignedTransaction {
	return &SignedTransaction{
		Type:         TxTypeExecuteOrder,
		Nonce:        fmtNonce(nonce),
		ExecuteOrder: &ExecuteOrderPayload{OrderID: orderID, Token: token.Hex(), Amount: amount.Dec()},
	}
}

func NewSetBot(nonce uint64, bot common.Address) *SignedTransaction {
	return &SignedTransaction{Type: TxTypeSetBot, Nonce: fmtNonce(nonce), SetBot: &SetBotPayload{Bot: bot.Hex()}}
}

func NewSetUnitPrice(nonce uint64, price *uint256.Int) *SignedTransaction {
	return &SignedTransaction{Type: TxTypeSetUnitPrice, Nonce: fmtNonce(nonce), SetUnitPrice: &SetUnitPricePayload{Price: price.Dec()}}
}

func fmtNonce(n uint64) string { return strconv.FormatUint(n, 10) }
