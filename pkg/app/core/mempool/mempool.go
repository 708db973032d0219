package mempool

import (
	"encoding/json"
	"strings"
	"sync"
)

// Bucket classifies transactions for block ordering.
type Bucket int

const (
	BucketAdmin      Bucket = iota // set_bot, set_unit_price
	BucketUser                     // deposit, withdraw, place_order
	BucketSettlement               // execute_order
)

func (b Bucket) String() string {
	switch b {
	case BucketAdmin:
		return "admin"
	case BucketUser:
		return "user"
	case BucketSettlement:
		return "settlement"
	}
	return "unknown"
}

type envelope struct {
	Type   string `json:"type"`
	Sender string `json:"sender"`
}

func parseEnvelope(b []byte) (envelope, bool) {
	var env envelope
	if len(b) == 0 || b[0] != '{' {
		return env, false
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return env, false
	}
	return env, true
}

func classify(env envelope) Bucket {
	switch env.Type {
	case "set_bot", "set_unit_price":
		return BucketAdmin
	case "execute_order":
		return BucketSettlement
	default:
		return BucketUser
	}
}

// ClassifyRaw classifies a raw transaction by its JSON envelope type.
// Anything unrecognized goes to the user bucket; the app rejects it at execution.
func ClassifyRaw(b []byte) Bucket {
	env, ok := parseEnvelope(b)
	if !ok {
		return BucketUser
	}
	return classify(env)
}

type entry struct {
	tx     []byte
	sender string // lower-case hex; empty when the envelope has none
	seq    uint64
}

// Mempool keeps one FIFO queue per bucket and drains them
// admin -> user -> settlement, so a block's config changes apply before
// the deposits and orders that follow them, and deposits land before settlements.
// Bucket priority never reorders one sender's txs: a tx is only selected
// once every earlier tx from the same sender has been.
type Mempool struct {
	mu      sync.Mutex
	queues  [numBuckets][]entry
	pending map[string][]uint64 // per sender, arrival seqs still queued
	seq     uint64
}

const numBuckets = 3

func NewMempool() *Mempool {
	return &Mempool{pending: make(map[string][]uint64)}
}

// PushRaw classifies and enqueues a tx.
func (m *Mempool) PushRaw(b []byte) Bucket {
	e := entry{tx: append([]byte(nil), b...)}
	bucket := BucketUser
	if env, ok := parseEnvelope(b); ok {
		bucket = classify(env)
		e.sender = strings.ToLower(env.Sender)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.seq = m.seq
	if e.sender != "" {
		m.pending[e.sender] = append(m.pending[e.sender], e.seq)
	}
	m.queues[bucket] = append(m.queues[bucket], e)
	return bucket
}

// ready reports whether e is its sender's oldest queued tx.
func (m *Mempool) ready(e entry) bool {
	if e.sender == "" {
		return true
	}
	seqs := m.pending[e.sender]
	return len(seqs) > 0 && seqs[0] == e.seq
}

func (m *Mempool) taken(e entry) {
	if e.sender == "" {
		return
	}
	seqs := m.pending[e.sender][1:]
	if len(seqs) == 0 {
		delete(m.pending, e.sender)
		return
	}
	m.pending[e.sender] = seqs
}

// SelectForProposal removes and returns up to maxBytes worth of txs in bucket
// order. A tx waiting on an earlier tx of its sender in a lower-priority
// bucket is deferred to a later pass. maxBytes <= 0 means no limit; a single
// tx larger than maxBytes still goes out alone rather than blocking the pool.
func (m *Mempool) SelectForProposal(maxBytes int64) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out [][]byte
	var used int64
	full := false

	for progress := true; progress && !full; {
		progress = false
		for b := range m.queues {
			q := m.queues[b]
			kept := make([]entry, 0, len(q))
			for i, e := range q {
				if full {
					kept = append(kept, q[i:]...)
					break
				}
				if !m.ready(e) {
					kept = append(kept, e)
					continue
				}
				n := int64(len(e.tx))
				if maxBytes > 0 && used > 0 && used+n > maxBytes {
					full = true
					kept = append(kept, q[i:]...)
					break
				}
				out = append(out, e.tx)
				used += n
				m.taken(e)
				progress = true
			}
			m.queues[b] = kept
		}
	}
	return out
}

// Len returns total pending txs.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}

// Sizes returns the pending count per bucket.
func (m *Mempool) Sizes() map[Bucket]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[Bucket]int{
		BucketAdmin:      len(m.queues[BucketAdmin]),
		BucketUser:       len(m.queues[BucketUser]),
		BucketSettlement: len(m.queues[BucketSettlement]),
	}
}
