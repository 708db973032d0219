package order

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/tradebot/pkg/app/core"
)

// Handle is an opaque 32-byte reference to an encrypted value.
type Handle [32]byte

// OpaquePayload is the encrypted (token, amount) pair stored with an order.
// The core never interprets it.
type OpaquePayload struct {
	EncToken  Handle
	EncAmount Handle
}

// RevealedPayload is the plaintext an authorized executor supplies at settlement.
type RevealedPayload struct {
	Token  common.Address
	Amount *uint256.Int
}

// Order is a deferred purchase instruction.
type Order struct {
	ID        uint64
	Owner     common.Address
	Payload   OpaquePayload
	ExecuteAt uint64 // Unix seconds
	Executed  bool
}

// Meta is the public view of an order.
type Meta struct {
	Owner     common.Address
	ExecuteAt uint64
	Executed  bool
}

// Store is an append-only arena of orders. Ids start at 1 and are never reused.
type Store struct {
	mu     sync.RWMutex
	orders []*Order // orders[i].ID == i+1
}

func NewStore() *Store {
	return &Store{}
}

// Create appends a pending order and returns its id.
func (s *Store) Create(owner common.Address, payload OpaquePayload, executeAt uint64, j *core.Journal) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uint64(len(s.orders)) + 1
	s.orders = append(s.orders, &Order{
		ID:        id,
		Owner:     owner,
		Payload:   payload,
		ExecuteAt: executeAt,
	})
	j.Record(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if uint64(len(s.orders)) == id {
			s.orders = s.orders[:id-1]
		}
	})
	return id
}

// GetMeta returns the owner, execution time and executed flag of order id.
func (s *Store) GetMeta(id uint64) (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, err := s.getLocked(id)
	if err != nil {
		return Meta{}, err
	}
	return Meta{Owner: o.Owner, ExecuteAt: o.ExecuteAt, Executed: o.Executed}, nil
}

// GetCiphertexts returns the stored payload of order id verbatim.
func (s *Store) GetCiphertexts(id uint64) (OpaquePayload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, err := s.getLocked(id)
	if err != nil {
		return OpaquePayload{}, err
	}
	return o.Payload, nil
}

// Get returns a copy of order id.
func (s *Store) Get(id uint64) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, err := s.getLocked(id)
	if err != nil {
		return Order{}, err
	}
	return *o, nil
}

// MarkExecuted flags order id as executed. Callers check the prior state.
func (s *Store) MarkExecuted(id uint64, j *core.Journal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.getLocked(id)
	if err != nil {
		return err
	}
	prev := o.Executed
	o.Executed = true
	j.Record(func() {
		s.mu.Lock()
		o.Executed = prev
		s.mu.Unlock()
	})
	return nil
}

// NextID is the id the next Create will return.
func (s *Store) NextID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.orders)) + 1
}

// Load replaces the store contents. orders must be sorted by id starting at 1.
func (s *Store) Load(orders []Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := make([]*Order, 0, len(orders))
	for i := range orders {
		o := orders[i]
		if o.ID != uint64(i)+1 {
			return fmt.Errorf("order store: gap at id %d (got %d)", i+1, o.ID)
		}
		loaded = append(loaded, &o)
	}
	s.orders = loaded
	return nil
}

func (s *Store) getLocked(id uint64) (*Order, error) {
	if id == 0 || id > uint64(len(s.orders)) {
		return nil, fmt.Errorf("%w: id %d", core.ErrNotFound, id)
	}
	return s.orders[id-1], nil
}
