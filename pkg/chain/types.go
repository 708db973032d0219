// Package chain is the single-node block producer: it drains the mempool into
// blocks at a fixed interval, hands them to the application and stores them.
package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/tradebot/pkg/abci"
)

type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

type Block struct {
	Height  uint64
	Parent  Hash
	AppHash Hash // state after executing this block
	Payload []byte
	TxCount int
	Time    time.Time
}

// HashOfBlock commits to height, parent, payload and time. AppHash is
// excluded: it is known only after execution.
func HashOfBlock(b Block) Hash {
	h := sha256.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], b.Height)
	h.Write(buf[:])

	h.Write(b.Parent[:])
	h.Write(b.Payload)

	binary.BigEndian.PutUint64(buf[:], uint64(b.Time.Unix()))
	h.Write(buf[:])

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func GenesisBlock() Block {
	return Block{Height: 0, Time: time.Unix(0, 0).UTC()}
}

// Txs returns the raw transactions of b.
func (b Block) Txs() [][]byte { return abci.SplitPayload(b.Payload) }

// ---- Storage/WAL interfaces (impl in pkg/storage) ----

type BlockStore interface {
	SaveBlock(b Block, receipts []abci.Receipt) error
	GetBlock(height uint64) (Block, bool, error)
	GetReceipt(txHash common.Hash) (abci.Receipt, bool, error)
	Head() (Block, bool, error)
}

// Commit is the journal record written once a block is stored.
type Commit struct {
	Height  uint64      `json:"height"`
	Hash    common.Hash `json:"hash"`
	AppHash common.Hash `json:"app_hash"`
	TxCount int         `json:"txs"`
	Time    int64       `json:"time"`
}

func CommitOf(b Block) Commit {
	return Commit{
		Height:  b.Height,
		Hash:    common.Hash(HashOfBlock(b)),
		AppHash: common.Hash(b.AppHash),
		TxCount: b.TxCount,
		Time:    b.Time.Unix(),
	}
}

type WAL interface {
	Append(c Commit) error
	// Last returns the most recent record, if any.
	Last() (Commit, bool, error)
}
