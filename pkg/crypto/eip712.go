package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/contracts
type EIP712Domain struct {
	Name              string         // Protocol name (e.g., "TradeBot")
	Version           string         // Protocol version (e.g., "1")
	ChainID           *big.Int       // Chain ID (1337 for local)
	VerifyingContract common.Address // Contract address (or zero for off-chain)
}

// CallEIP712 is the typed message every transaction signs.
// Payload is the canonical JSON of the action's arguments.
type CallEIP712 struct {
	Action  string
	Payload string
	Nonce   *big.Int
	Sender  common.Address
}

// EIP712Signer hashes, signs and verifies calls under a fixed domain
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the local development domain
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "TradeBot",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

var callTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Call": []apitypes.Type{
		{Name: "action", Type: "string"},
		{Name: "payload", Type: "string"},
		{Name: "nonce", Type: "uint256"},
		{Name: "sender", Type: "address"},
	},
}

func (e *EIP712Signer) typedData(call *CallEIP712) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       callTypes,
		PrimaryType: "Call",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"action":  call.Action,
			"payload": call.Payload,
			"nonce":   call.Nonce.String(),
			"sender":  call.Sender.Hex(),
		},
	}
}

// HashCall returns the EIP-712 digest of call
func (e *EIP712Signer) HashCall(call *CallEIP712) ([]byte, error) {
	if call.Nonce == nil {
		return nil, fmt.Errorf("call nonce is nil")
	}
	typedData := e.typedData(call)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

func (e *EIP712Signer) SignCall(signer *Signer, call *CallEIP712) ([]byte, error) {
	hash, err := e.HashCall(call)
	if err != nil {
		return nil, fmt.Errorf("failed to hash call: %w", err)
	}
	signature, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign call: %w", err)
	}
	return signature, nil
}

// RecoverCallSigner recovers the address that signed call
func (e *EIP712Signer) RecoverCallSigner(call *CallEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashCall(call)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash call: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// VerifyCallSignature reports whether signature was produced by call.Sender
func (e *EIP712Signer) VerifyCallSignature(call *CallEIP712, signature []byte) (bool, error) {
	recovered, err := e.RecoverCallSigner(call, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return recovered == call.Sender, nil
}

// CallToJSON renders call in the eth_signTypedData_v4 format wallets expect
func (e *EIP712Signer) CallToJSON(call *CallEIP712) (string, error) {
	out, err := json.MarshalIndent(e.typedData(call), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(out), nil
}
