package confidential

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tradebot/pkg/app/core"
	"github.com/uhyunpark/tradebot/pkg/app/core/order"
)

var (
	ErrProofMismatch = errors.New("input proof does not match handles")
	ErrUnknownHandle = errors.New("unknown ciphertext handle")
	ErrAccessDenied  = errors.New("reader not allowed on ciphertext")
	ErrHandleTaken   = errors.New("ciphertext handle already registered")
)

// Record is a stored ciphertext with its owner, field and access list.
type Record struct {
	Handle     order.Handle
	Owner      common.Address
	Slot       Slot
	Ciphertext []byte
	Readers    []common.Address
}

// Registry stores accepted ciphertexts by handle and enforces read access.
type Registry struct {
	mu      sync.RWMutex
	records map[order.Handle]*Record
	// grantees returns the accounts granted read access on every accepted input,
	// besides the owner (e.g. the contract and the current bot).
	grantees func() []common.Address
}

func NewRegistry(grantees func() []common.Address) *Registry {
	if grantees == nil {
		grantees = func() []common.Address { return nil }
	}
	return &Registry{records: make(map[order.Handle]*Record), grantees: grantees}
}

// Accept verifies that proof carries the ciphertexts the two handles commit to,
// stores them and grants read access to owner and the grantees.
func (r *Registry) Accept(_ context.Context, owner common.Address, encToken, encAmount order.Handle, proofBytes []byte, j *core.Journal) error {
	tokenCT, amountCT, err := decodeProof(proofBytes)
	if err != nil {
		return err
	}
	if HandleOf(tokenCT) != encToken || HandleOf(amountCT) != encAmount {
		return ErrProofMismatch
	}

	readers := append([]common.Address{owner}, r.grantees()...)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range []order.Handle{encToken, encAmount} {
		if _, ok := r.records[h]; ok {
			return fmt.Errorf("%w: %x", ErrHandleTaken, h)
		}
	}
	r.records[encToken] = &Record{Handle: encToken, Owner: owner, Slot: SlotToken, Ciphertext: tokenCT, Readers: dedupe(readers)}
	r.records[encAmount] = &Record{Handle: encAmount, Owner: owner, Slot: SlotAmount, Ciphertext: amountCT, Readers: dedupe(readers)}
	j.Record(func() {
		r.mu.Lock()
		delete(r.records, encToken)
		delete(r.records, encAmount)
		r.mu.Unlock()
	})
	return nil
}

// IsAllowed reports whether reader may decrypt handle.
func (r *Registry) IsAllowed(h order.Handle, reader common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[h]
	if !ok {
		return false
	}
	for _, a := range rec.Readers {
		if a == reader {
			return true
		}
	}
	return false
}

// Get returns a copy of the record for handle.
func (r *Registry) Get(h order.Handle) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[h]
	if !ok {
		return Record{}, fmt.Errorf("%w: %x", ErrUnknownHandle, h)
	}
	return copyRecord(rec), nil
}

// Records returns every record sorted by handle.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, k int) bool {
		return string(out[i].Handle[:]) < string(out[k].Handle[:])
	})
	return out
}

// Load replaces the registry contents.
func (r *Registry) Load(records []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[order.Handle]*Record, len(records))
	for i := range records {
		rec := copyRecord(&records[i])
		r.records[rec.Handle] = &rec
	}
}

func copyRecord(rec *Record) Record {
	out := *rec
	out.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	out.Readers = append([]common.Address(nil), rec.Readers...)
	return out
}

func dedupe(in []common.Address) []common.Address {
	seen := make(map[common.Address]bool, len(in))
	out := make([]common.Address, 0, len(in))
	for _, a := range in {
		if a == (common.Address{}) || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// Revealer decrypts stored ciphertexts for authorized readers.
type Revealer struct {
	reg *Registry
	key *KeyPair
}

func NewRevealer(reg *Registry, key *KeyPair) *Revealer {
	return &Revealer{reg: reg, key: key}
}

// Reveal decrypts an order's token and amount on behalf of reader.
func (v *Revealer) Reveal(reader common.Address, payload order.OpaquePayload) (order.RevealedPayload, error) {
	tokenPT, err := v.open(reader, payload.EncToken, SlotToken)
	if err != nil {
		return order.RevealedPayload{}, fmt.Errorf("token: %w", err)
	}
	amountPT, err := v.open(reader, payload.EncAmount, SlotAmount)
	if err != nil {
		return order.RevealedPayload{}, fmt.Errorf("amount: %w", err)
	}
	if len(tokenPT) != common.AddressLength || len(amountPT) != 32 {
		return order.RevealedPayload{}, ErrMalformedCiphertext
	}
	return order.RevealedPayload{
		Token:  common.BytesToAddress(tokenPT),
		Amount: new(uint256.Int).SetBytes32(amountPT),
	}, nil
}

func (v *Revealer) open(reader common.Address, h order.Handle, slot Slot) ([]byte, error) {
	rec, err := v.reg.Get(h)
	if err != nil {
		return nil, err
	}
	if rec.Slot != slot {
		return nil, fmt.Errorf("%w: handle holds %s", ErrMalformedCiphertext, rec.Slot)
	}
	if !v.reg.IsAllowed(h, reader) {
		return nil, fmt.Errorf("%w: %s", ErrAccessDenied, reader.Hex())
	}
	return open(v.key.Private, rec.Owner, slot, rec.Ciphertext)
}
