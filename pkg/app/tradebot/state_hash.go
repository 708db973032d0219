package tradebot

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// computeStateHash computes a deterministic hash of the application state.
//
// Components hashed (in order):
//  1. Block height and timestamp
//  2. Admin config (owner, bot, unit price)
//  3. Escrow balances, sorted by address
//  4. Orders by id (owner, handles, executeAt, executed)
//  5. Nonces, sorted by address
//  6. Value held and spent by the vault
//
// Caller holds a.mu.
func (a *App) computeStateHash(height, timestamp uint64) common.Hash {
	h := sha256.New()

	var buf [8]byte
	put := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}

	put(height)
	put(timestamp)

	snap := a.contract.AdminSnapshot()
	h.Write(snap.Owner[:])
	h.Write(snap.Bot[:])
	price := snap.UnitPrice.Bytes32()
	h.Write(price[:])

	for _, e := range a.contract.Balances() {
		h.Write(e.Account[:])
		b := e.Balance.Bytes32()
		h.Write(b[:])
	}

	next := a.contract.NextOrderID()
	put(next)
	for id := uint64(1); id < next; id++ {
		o, err := a.contract.GetOrder(id)
		if err != nil {
			continue
		}
		h.Write(o.Owner[:])
		h.Write(o.Payload.EncToken[:])
		h.Write(o.Payload.EncAmount[:])
		put(o.ExecuteAt)
		if o.Executed {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}

	addrs := make([]common.Address, 0, len(a.nonces))
	for addr := range a.nonces {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })
	for _, addr := range addrs {
		h.Write(addr[:])
		put(a.nonces[addr])
	}

	held := a.vault.Held().Bytes32()
	h.Write(held[:])
	spent := a.vault.Spent().Bytes32()
	h.Write(spent[:])

	return sha256.Sum256(h.Sum(nil))
}
