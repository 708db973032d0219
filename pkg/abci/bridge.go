package abci

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// EncodePayload packs the block's txs as an RLP list of byte strings.
func EncodePayload(txs [][]byte) []byte {
	if len(txs) == 0 {
		return nil
	}
	b, err := rlp.EncodeToBytes(txs)
	if err != nil {
		// [][]byte always encodes
		panic(err)
	}
	return b
}

// SplitPayload is the inverse of EncodePayload. A payload that does not
// decode yields no txs.
func SplitPayload(p []byte) [][]byte {
	if len(p) == 0 {
		return nil
	}
	var txs [][]byte
	if err := rlp.DecodeBytes(p, &txs); err != nil {
		return nil
	}
	return txs
}

// TxHash is keccak256 of the raw transaction bytes.
func TxHash(tx []byte) common.Hash {
	return crypto.Keccak256Hash(tx)
}
