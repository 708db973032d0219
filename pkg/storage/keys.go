package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/tradebot/pkg/app/core/order"
)

// Key schema:
//
// Chain:
//   blk:<8-byte height>   → Block (gob)
//   rcpt:<32-byte hash>   → Receipt (JSON)
//   head                  → 8-byte height
//
// State:
//   bal:<address>           → escrow balance (decimal)
//   wlt:<address>           → vault wallet (decimal)
//   nonce:<address>         → 8-byte last nonce
//   ord:<8-byte id>         → Order (JSON)
//   ct:<32-byte handle>     → ciphertext record (JSON)
//   tok:<token>:<holder>    → token balance (decimal)
//   vault:held              → native value held by the vault (decimal)
//   vault:spent             → held value paid for settled orders (decimal)
//   cfg:admin               → owner, bot, unit price (JSON)
//   meta:app                → last executed height and app hash (JSON)

const (
	prefixBlock      = "blk:"
	prefixReceipt    = "rcpt:"
	prefixBalance    = "bal:"
	prefixWallet     = "wlt:"
	prefixNonce      = "nonce:"
	prefixOrder      = "ord:"
	prefixCiphertext = "ct:"
	prefixHolding    = "tok:"
)

var (
	keyHead       = []byte("head")
	keyVaultHeld  = []byte("vault:held")
	keyVaultSpent = []byte("vault:spent")
	keyAdmin      = []byte("cfg:admin")
	keyAppMeta    = []byte("meta:app")
)

func u64(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}

func blockKey(height uint64) []byte { return append([]byte(prefixBlock), u64(height)...) }

func receiptKey(h common.Hash) []byte { return append([]byte(prefixReceipt), h[:]...) }

func balanceKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixBalance, addr.Hex()))
}

func walletKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixWallet, addr.Hex()))
}

func nonceKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixNonce, addr.Hex()))
}

// orderKey uses a big-endian id so a prefix scan yields orders in id order.
func orderKey(id uint64) []byte { return append([]byte(prefixOrder), u64(id)...) }

func ciphertextKey(h order.Handle) []byte { return append([]byte(prefixCiphertext), h[:]...) }

// holdingKey format: "tok:{token}:{holder}"
func holdingKey(token, holder common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixHolding, token.Hex(), holder.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
