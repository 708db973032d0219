// Package confidential encrypts order payloads to the settlement key and
// tracks which accounts may read each ciphertext.
//
// A ciphertext is HPKE (X25519, HKDF-SHA256, ChaCha20-Poly1305) sealed to the
// node's decryption key. Its handle is keccak256 of the serialized ciphertext,
// so the 32-byte value stored with an order commits to exactly one ciphertext.
package confidential

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/tradebot/pkg/app/core/order"
)

var suite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)

var scheme = hpke.KEM_X25519_HKDF_SHA256.Scheme()

var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// Slot distinguishes the two encrypted fields of an order.
type Slot string

const (
	SlotToken  Slot = "token"
	SlotAmount Slot = "amount"
)

// KeyPair is the settlement decryption key.
type KeyPair struct {
	Public  kem.PublicKey
	Private kem.PrivateKey
}

func GenerateKey() (*KeyPair, error) {
	pk, sk, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate hpke key: %w", err)
	}
	return &KeyPair{Public: pk, Private: sk}, nil
}

// KeyFromSeed derives a key pair deterministically from a 32-byte seed.
func KeyFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != scheme.SeedSize() {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", scheme.SeedSize(), len(seed))
	}
	pk, sk := scheme.DeriveKeyPair(seed)
	return &KeyPair{Public: pk, Private: sk}, nil
}

// KeyFromHex parses a hex seed (with or without 0x).
func KeyFromHex(s string) (*KeyPair, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode key seed: %w", err)
	}
	return KeyFromSeed(seed)
}

// PublicKeyBytes returns the serialized public key.
func (k *KeyPair) PublicKeyBytes() []byte {
	b, _ := k.Public.MarshalBinary()
	return b
}

// ParsePublicKey decodes a serialized public key.
func ParsePublicKey(b []byte) (kem.PublicKey, error) {
	pk, err := scheme.UnmarshalBinaryPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse hpke public key: %w", err)
	}
	return pk, nil
}

// HandleOf returns keccak256(ct).
func HandleOf(ct []byte) order.Handle {
	var h order.Handle
	d := sha3.NewLegacyKeccak256()
	d.Write(ct)
	copy(h[:], d.Sum(nil))
	return h
}

// info binds a ciphertext to its owner and field so it cannot be replayed
// into another account's order or swapped between token and amount.
func info(owner common.Address, slot Slot) []byte {
	return []byte("tradebot/v1/" + strings.ToLower(owner.Hex()) + "/" + string(slot))
}

func seal(pk kem.PublicKey, owner common.Address, slot Slot, plaintext []byte) ([]byte, error) {
	sender, err := suite.NewSender(pk, info(owner, slot))
	if err != nil {
		return nil, fmt.Errorf("hpke sender: %w", err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("hpke setup: %w", err)
	}
	ct, err := sealer.Seal(plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("hpke seal: %w", err)
	}
	return append(enc, ct...), nil
}

func open(sk kem.PrivateKey, owner common.Address, slot Slot, blob []byte) ([]byte, error) {
	encSize := scheme.CiphertextSize()
	if len(blob) <= encSize {
		return nil, ErrMalformedCiphertext
	}
	receiver, err := suite.NewReceiver(sk, info(owner, slot))
	if err != nil {
		return nil, fmt.Errorf("hpke receiver: %w", err)
	}
	opener, err := receiver.Setup(blob[:encSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	pt, err := opener.Open(blob[encSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return pt, nil
}
