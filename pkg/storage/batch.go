package storage

import (
	"encoding/json"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tradebot/pkg/app/core/admin"
	"github.com/uhyunpark/tradebot/pkg/app/core/order"
	"github.com/uhyunpark/tradebot/pkg/confidential"
)

// BatchWrite collects state writes and applies them atomically on Commit.
type BatchWrite struct {
	batch *pebble.Batch
}

func (s *PebbleStore) NewBatch() *BatchWrite {
	return &BatchWrite{batch: s.db.NewBatch()}
}

// PutBalance stores an escrow balance. A zero balance deletes the key.
func (bw *BatchWrite) PutBalance(addr common.Address, bal *uint256.Int) error {
	return bw.putAmount(balanceKey(addr), bal)
}

func (bw *BatchWrite) PutWallet(addr common.Address, bal *uint256.Int) error {
	return bw.putAmount(walletKey(addr), bal)
}

func (bw *BatchWrite) PutVaultHeld(held *uint256.Int) error {
	return bw.batch.Set(keyVaultHeld, encodeAmount(held), nil)
}

func (bw *BatchWrite) PutVaultSpent(spent *uint256.Int) error {
	return bw.batch.Set(keyVaultSpent, encodeAmount(spent), nil)
}

func (bw *BatchWrite) PutHolding(token, holder common.Address, bal *uint256.Int) error {
	return bw.putAmount(holdingKey(token, holder), bal)
}

func (bw *BatchWrite) PutNonce(addr common.Address, nonce uint64) error {
	return bw.batch.Set(nonceKey(addr), u64(nonce), nil)
}

func (bw *BatchWrite) PutOrder(o order.Order) error {
	data, err := json.Marshal(toOrderRecord(o))
	if err != nil {
		return err
	}
	return bw.batch.Set(orderKey(o.ID), data, nil)
}

func (bw *BatchWrite) PutCiphertext(r confidential.Record) error {
	data, err := json.Marshal(toCiphertextRecord(r))
	if err != nil {
		return err
	}
	return bw.batch.Set(ciphertextKey(r.Handle), data, nil)
}

func (bw *BatchWrite) PutAdmin(s admin.Snapshot) error {
	data, err := json.Marshal(toAdminRecord(s))
	if err != nil {
		return err
	}
	return bw.batch.Set(keyAdmin, data, nil)
}

func (bw *BatchWrite) PutAppMeta(m AppMeta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return bw.batch.Set(keyAppMeta, data, nil)
}

func (bw *BatchWrite) putAmount(key []byte, v *uint256.Int) error {
	if v == nil || v.IsZero() {
		return bw.batch.Delete(key, nil)
	}
	return bw.batch.Set(key, encodeAmount(v), nil)
}

// Commit writes the batch to Pebble atomically
func (bw *BatchWrite) Commit() error {
	return bw.batch.Commit(pebble.Sync)
}

// Close closes the batch without committing
func (bw *BatchWrite) Close() error {
	return bw.batch.Close()
}
