package storage

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tradebot/pkg/app/core/admin"
	"github.com/uhyunpark/tradebot/pkg/app/core/order"
	"github.com/uhyunpark/tradebot/pkg/confidential"
)

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func encodeAmount(v *uint256.Int) []byte {
	if v == nil {
		return []byte("0")
	}
	return []byte(v.Dec())
}

func decodeAmount(b []byte) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(string(b))
	if err != nil {
		return nil, fmt.Errorf("decode amount %q: %w", b, err)
	}
	return v, nil
}

// orderRecord is the on-disk form of order.Order.
type orderRecord struct {
	ID        uint64         `json:"id"`
	Owner     common.Address `json:"owner"`
	EncToken  hexutil.Bytes  `json:"enc_token"`
	EncAmount hexutil.Bytes  `json:"enc_amount"`
	ExecuteAt uint64         `json:"execute_at"`
	Executed  bool           `json:"executed"`
}

func toOrderRecord(o order.Order) orderRecord {
	return orderRecord{
		ID:        o.ID,
		Owner:     o.Owner,
		EncToken:  o.Payload.EncToken[:],
		EncAmount: o.Payload.EncAmount[:],
		ExecuteAt: o.ExecuteAt,
		Executed:  o.Executed,
	}
}

func (r orderRecord) order() (order.Order, error) {
	if len(r.EncToken) != 32 || len(r.EncAmount) != 32 {
		return order.Order{}, fmt.Errorf("order %d: bad handle length", r.ID)
	}
	o := order.Order{ID: r.ID, Owner: r.Owner, ExecuteAt: r.ExecuteAt, Executed: r.Executed}
	copy(o.Payload.EncToken[:], r.EncToken)
	copy(o.Payload.EncAmount[:], r.EncAmount)
	return o, nil
}

// ciphertextRecord is the on-disk form of confidential.Record.
type ciphertextRecord struct {
	Handle     hexutil.Bytes    `json:"handle"`
	Owner      common.Address   `json:"owner"`
	Slot       string           `json:"slot"`
	Ciphertext hexutil.Bytes    `json:"ciphertext"`
	Readers    []common.Address `json:"readers"`
}

func toCiphertextRecord(r confidential.Record) ciphertextRecord {
	return ciphertextRecord{
		Handle:     r.Handle[:],
		Owner:      r.Owner,
		Slot:       string(r.Slot),
		Ciphertext: r.Ciphertext,
		Readers:    r.Readers,
	}
}

func (c ciphertextRecord) record() (confidential.Record, error) {
	if len(c.Handle) != 32 {
		return confidential.Record{}, fmt.Errorf("ciphertext: bad handle length %d", len(c.Handle))
	}
	r := confidential.Record{
		Owner:      c.Owner,
		Slot:       confidential.Slot(c.Slot),
		Ciphertext: c.Ciphertext,
		Readers:    c.Readers,
	}
	copy(r.Handle[:], c.Handle)
	return r, nil
}

type adminRecord struct {
	Owner     common.Address `json:"owner"`
	Bot       common.Address `json:"bot"`
	UnitPrice string         `json:"unit_price"`
}

func toAdminRecord(s admin.Snapshot) adminRecord {
	return adminRecord{Owner: s.Owner, Bot: s.Bot, UnitPrice: string(encodeAmount(s.UnitPrice))}
}

func (a adminRecord) snapshot() (admin.Snapshot, error) {
	price, err := decodeAmount([]byte(a.UnitPrice))
	if err != nil {
		return admin.Snapshot{}, err
	}
	return admin.Snapshot{Owner: a.Owner, Bot: a.Bot, UnitPrice: price}, nil
}

// AppMeta records how far the application state has been executed.
type AppMeta struct {
	Height  uint64      `json:"height"`
	AppHash common.Hash `json:"app_hash"`
}
