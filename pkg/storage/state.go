package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tradebot/pkg/app/core/admin"
	"github.com/uhyunpark/tradebot/pkg/app/core/escrow"
	"github.com/uhyunpark/tradebot/pkg/app/core/order"
	"github.com/uhyunpark/tradebot/pkg/asset"
	"github.com/uhyunpark/tradebot/pkg/confidential"
)

// State is everything needed to rebuild the application after a restart.
type State struct {
	Admin       *admin.Snapshot // nil on a fresh database
	Balances    []escrow.Entry
	Wallets     []asset.WalletEntry
	VaultHeld   *uint256.Int
	VaultSpent  *uint256.Int
	Holdings    []asset.Holding
	Nonces      map[common.Address]uint64
	Orders      []order.Order // sorted by id
	Ciphertexts []confidential.Record
	Meta        AppMeta
}

// Empty reports whether nothing has been persisted yet.
func (st *State) Empty() bool { return st.Admin == nil }

func (s *PebbleStore) LoadState() (*State, error) {
	st := &State{Nonces: make(map[common.Address]uint64), VaultHeld: new(uint256.Int), VaultSpent: new(uint256.Int)}

	if _, err := s.get(keyAdmin, func(val []byte) error {
		var rec adminRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		snap, err := rec.snapshot()
		if err != nil {
			return err
		}
		st.Admin = &snap
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load admin: %w", err)
	}

	if _, err := s.get(keyAppMeta, func(val []byte) error { return json.Unmarshal(val, &st.Meta) }); err != nil {
		return nil, fmt.Errorf("load app meta: %w", err)
	}

	if _, err := s.get(keyVaultHeld, func(val []byte) error {
		held, err := decodeAmount(val)
		if err != nil {
			return err
		}
		st.VaultHeld = held
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load vault: %w", err)
	}
	if _, err := s.get(keyVaultSpent, func(val []byte) error {
		spent, err := decodeAmount(val)
		if err != nil {
			return err
		}
		st.VaultSpent = spent
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load vault spent: %w", err)
	}

	err := s.scan(prefixBalance, func(k, v []byte) error {
		bal, err := decodeAmount(v)
		if err != nil {
			return err
		}
		st.Balances = append(st.Balances, escrow.Entry{Account: common.HexToAddress(string(k)), Balance: bal})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}

	err = s.scan(prefixWallet, func(k, v []byte) error {
		bal, err := decodeAmount(v)
		if err != nil {
			return err
		}
		st.Wallets = append(st.Wallets, asset.WalletEntry{Account: common.HexToAddress(string(k)), Balance: bal})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load wallets: %w", err)
	}

	err = s.scan(prefixHolding, func(k, v []byte) error {
		token, holder, ok := strings.Cut(string(k), ":")
		if !ok {
			return fmt.Errorf("bad holding key %q", k)
		}
		bal, err := decodeAmount(v)
		if err != nil {
			return err
		}
		st.Holdings = append(st.Holdings, asset.Holding{
			Token: common.HexToAddress(token), Holder: common.HexToAddress(holder), Balance: bal,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load holdings: %w", err)
	}

	err = s.scan(prefixNonce, func(k, v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("nonce %s: bad length %d", k, len(v))
		}
		st.Nonces[common.HexToAddress(string(k))] = binary.BigEndian.Uint64(v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load nonces: %w", err)
	}

	err = s.scan(prefixOrder, func(_, v []byte) error {
		var rec orderRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		o, err := rec.order()
		if err != nil {
			return err
		}
		st.Orders = append(st.Orders, o)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}

	err = s.scan(prefixCiphertext, func(_, v []byte) error {
		var rec ciphertextRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		r, err := rec.record()
		if err != nil {
			return err
		}
		st.Ciphertexts = append(st.Ciphertexts, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load ciphertexts: %w", err)
	}

	return st, nil
}

// scan visits every key under prefix in key order. fn receives the key with
// the prefix stripped.
func (s *PebbleStore) scan(prefix string, fn func(k, v []byte) error) error {
	p := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: p,
		UpperBound: keyUpperBound(p),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key()[len(p):], iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
