package transaction

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/tradebot/pkg/crypto"
)

// Verifier checks transaction signatures and yields the authenticated sender
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
}

func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{eip712Signer: crypto.NewEIP712Signer(domain)}
}

// Signer returns the EIP-712 signer bound to the verifier's domain
func (v *Verifier) Signer() *crypto.EIP712Signer { return v.eip712Signer }

// Verify recovers the signer of tx and checks it equals tx.Sender.
// The returned address is the caller identity for the contract.
func (v *Verifier) Verify(tx *SignedTransaction) (common.Address, error) {
	call, err := tx.ToEIP712Call()
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid call: %w", err)
	}
	sigBytes, err := decodeSignature(tx.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature: %w", err)
	}
	recovered, err := v.eip712Signer.RecoverCallSigner(call, sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature verification failed: %w", err)
	}
	if recovered != call.Sender {
		return common.Address{}, fmt.Errorf("signature invalid: signed by %s, sender %s", recovered.Hex(), call.Sender.Hex())
	}
	return recovered, nil
}

// decodeSignature decodes a hex signature (with or without 0x prefix)
func decodeSignature(sig string) ([]byte, error) {
	if len(sig) < 2 || sig[:2] != "0x" {
		sig = "0x" + sig
	}
	sigBytes, err := hexutil.Decode(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}
	return sigBytes, nil
}
