package crypto

import (
	"crypto/rand"
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]

// BlockSigner attests the blocks a sequencer produces so followers can tell
// its announcements from anyone else's.
type BlockSigner struct {
	sk *bls.PrivateKey[scheme]
	pk *BLSPubKey
}

// NewBlockSigner derives a key from seed, which must be at least 32 bytes.
func NewBlockSigner(seed []byte) (*BlockSigner, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bls keygen: %w", err)
	}
	return &BlockSigner{sk: sk, pk: sk.PublicKey()}, nil
}

func GenerateBlockSigner() (*BlockSigner, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return NewBlockSigner(seed)
}

func (s *BlockSigner) PublicKey() *BLSPubKey { return s.pk }

func (s *BlockSigner) PublicKeyBytes() []byte {
	b, _ := s.pk.MarshalBinary()
	return b
}

func (s *BlockSigner) Sign(msg []byte) []byte {
	return bls.Sign(s.sk, msg)
}

func ParseBLSPublicKey(b []byte) (*BLSPubKey, error) {
	pk := new(BLSPubKey)
	if err := pk.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("bls public key: %w", err)
	}
	return pk, nil
}

func VerifyBLS(pk *BLSPubKey, msg, sig []byte) bool {
	if pk == nil || len(sig) == 0 {
		return false
	}
	return bls.Verify(pk, msg, bls.Signature(sig))
}
