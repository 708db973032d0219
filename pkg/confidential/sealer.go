package confidential

import (
	"encoding/json"
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tradebot/pkg/app/core/order"
)

// Input is what a user submits with place_order: two handles plus the proof
// carrying the ciphertexts they commit to.
type Input struct {
	EncToken  order.Handle
	EncAmount order.Handle
	Proof     []byte
}

// proof is the wire form of an input proof.
type proof struct {
	Token  hexutil.Bytes `json:"token"`
	Amount hexutil.Bytes `json:"amount"`
}

func encodeProof(tokenCT, amountCT []byte) ([]byte, error) {
	return json.Marshal(proof{Token: tokenCT, Amount: amountCT})
}

func decodeProof(b []byte) (tokenCT, amountCT []byte, err error) {
	var p proof
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, nil, fmt.Errorf("decode input proof: %w", err)
	}
	if len(p.Token) == 0 || len(p.Amount) == 0 {
		return nil, nil, fmt.Errorf("input proof missing ciphertext")
	}
	return p.Token, p.Amount, nil
}

// Sealer encrypts order inputs to the settlement public key. It runs client side.
type Sealer struct {
	pub kem.PublicKey
}

func NewSealer(pub kem.PublicKey) *Sealer {
	return &Sealer{pub: pub}
}

// Seal encrypts (token, amount) for owner.
func (s *Sealer) Seal(owner, token common.Address, amount *uint256.Int) (*Input, error) {
	tokenCT, err := seal(s.pub, owner, SlotToken, token.Bytes())
	if err != nil {
		return nil, err
	}
	amt := amount.Bytes32()
	amountCT, err := seal(s.pub, owner, SlotAmount, amt[:])
	if err != nil {
		return nil, err
	}
	p, err := encodeProof(tokenCT, amountCT)
	if err != nil {
		return nil, err
	}
	return &Input{
		EncToken:  HandleOf(tokenCT),
		EncAmount: HandleOf(amountCT),
		Proof:     p,
	}, nil
}
