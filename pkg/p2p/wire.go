package p2p

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/uhyunpark/tradebot/pkg/abci"
)

// BlockAnnouncement is gossiped after every produced block.
type BlockAnnouncement struct {
	Height  uint64
	Hash    [32]byte
	AppHash [32]byte
	Time    int64 // Unix seconds
	Events  []abci.Event

	Signature []byte // BLS over signingBytes, empty when the sender has no block key
}

// signingBytes covers the block identity; events are derivable from it.
func (a BlockAnnouncement) signingBytes() []byte {
	buf := make([]byte, 0, 16+8+64)
	buf = append(buf, "tradebot-block:"...)
	buf = binary.BigEndian.AppendUint64(buf, a.Height)
	buf = append(buf, a.Hash[:]...)
	buf = append(buf, a.AppHash[:]...)
	return buf
}

// TxWire carries one raw signed tx on the relay topic.
type TxWire struct {
	Tx []byte
}

// SubmitReply answers a tx sent over the submit stream.
type SubmitReply struct {
	Receipt abci.Receipt
	Err     string
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
