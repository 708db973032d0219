package storage

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/tradebot/pkg/abci"
	"github.com/uhyunpark/tradebot/pkg/chain"
)

// InMemoryBlockStore is a chain.BlockStore for nodes run without a data dir.
type InMemoryBlockStore struct {
	mu       sync.Mutex
	blocks   map[uint64]chain.Block
	receipts map[common.Hash]abci.Receipt
	head     *uint64
}

func NewInMemoryBlockStore() *InMemoryBlockStore {
	return &InMemoryBlockStore{
		blocks:   make(map[uint64]chain.Block),
		receipts: make(map[common.Hash]abci.Receipt),
	}
}

func (s *InMemoryBlockStore) SaveBlock(b chain.Block, receipts []abci.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.Height] = b
	for _, r := range receipts {
		s.receipts[r.TxHash] = r
	}
	h := b.Height
	s.head = &h
	return nil
}

func (s *InMemoryBlockStore) GetBlock(height uint64) (chain.Block, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[height]
	return b, ok, nil
}

func (s *InMemoryBlockStore) GetReceipt(h common.Hash) (abci.Receipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[h]
	return r, ok, nil
}

func (s *InMemoryBlockStore) Head() (chain.Block, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head == nil {
		return chain.Block{}, false, nil
	}
	return s.blocks[*s.head], true, nil
}

var _ chain.BlockStore = (*InMemoryBlockStore)(nil)
