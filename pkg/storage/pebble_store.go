package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/tradebot/pkg/abci"
	"github.com/uhyunpark/tradebot/pkg/chain"
)

// PebbleStore persists blocks, receipts and application state.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	cache := pebble.NewCache(128 << 20) // 128MB cache
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:                       cache,
		MemTableSize:                64 << 20, // 64MB memtable
		MaxConcurrentCompactions:    func() int { return 3 },
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
		LBaseMaxBytes:               64 << 20, // 64MB
		MaxOpenFiles:                1000,
		BytesPerSync:                512 << 10, // 512KB
		DisableAutomaticCompactions: false,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// SaveBlock writes the block, its receipts and the new head in one batch.
func (s *PebbleStore) SaveBlock(b chain.Block, receipts []abci.Receipt) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	val, err := encodeGob(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	if err := batch.Set(blockKey(b.Height), val, nil); err != nil {
		return err
	}
	for _, r := range receipts {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode receipt: %w", err)
		}
		if err := batch.Set(receiptKey(r.TxHash), data, nil); err != nil {
			return err
		}
	}
	if err := batch.Set(keyHead, u64(b.Height), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) GetBlock(height uint64) (chain.Block, bool, error) {
	var out chain.Block
	ok, err := s.get(blockKey(height), func(val []byte) error { return decodeGob(val, &out) })
	return out, ok, err
}

func (s *PebbleStore) GetReceipt(h common.Hash) (abci.Receipt, bool, error) {
	var out abci.Receipt
	ok, err := s.get(receiptKey(h), func(val []byte) error { return json.Unmarshal(val, &out) })
	return out, ok, err
}

func (s *PebbleStore) Head() (chain.Block, bool, error) {
	var height uint64
	ok, err := s.get(keyHead, func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("head: bad length %d", len(val))
		}
		height = binary.BigEndian.Uint64(val)
		return nil
	})
	if err != nil || !ok {
		return chain.Block{}, false, err
	}
	b, ok, err := s.GetBlock(height)
	if err == nil && !ok {
		err = fmt.Errorf("head points at missing block %d", height)
	}
	return b, ok, err
}

// get looks up key and hands the value to decode while it is still pinned.
func (s *PebbleStore) get(key []byte, decode func([]byte) error) (bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	defer closer.Close()
	if err := decode(val); err != nil {
		return false, err
	}
	return true, nil
}

var _ chain.BlockStore = (*PebbleStore)(nil)
