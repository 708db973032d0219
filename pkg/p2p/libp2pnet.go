// Package p2p gossips block announcements and relays transactions to the
// sequencer over libp2p.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradebot/pkg/abci"
	"github.com/uhyunpark/tradebot/pkg/chain"
	"github.com/uhyunpark/tradebot/pkg/crypto"
)

const (
	topicBlocks    = "tradebot-blocks"
	topicTxs       = "tradebot-txs"
	protocolSubmit = protocol.ID("/tradebot/submit/1.0.0")

	maxTxBytes    = 64 << 10
	submitTimeout = 30 * time.Second
)

// Handlers receive inbound traffic. Any of them may be nil.
type Handlers struct {
	OnBlock  func(ctx context.Context, a BlockAnnouncement)
	OnTx     func(ctx context.Context, tx []byte)
	OnSubmit func(ctx context.Context, tx []byte) (abci.Receipt, error)
}

type Libp2pNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	blockKey  *crypto.BlockSigner
	sequencer *crypto.BLSPubKey

	tBlocks, tTxs     *pubsub.Topic
	subBlocks, subTxs *pubsub.Subscription

	muH      sync.RWMutex
	handlers Handlers
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger

	// BlockKey signs outgoing announcements.
	BlockKey *crypto.BlockSigner
	// Sequencer, when set, drops announcements not signed by this key.
	Sequencer *crypto.BLSPubKey
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	net := &Libp2pNet{h: h, ps: ps, log: cfg.Logger, blockKey: cfg.BlockKey, sequencer: cfg.Sequencer}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := net.joinTopics(); err != nil {
		h.Close()
		return nil, err
	}

	h.SetStreamHandler(protocolSubmit, net.handleSubmitStream)

	go net.handleBlocks(ctx)
	go net.handleTxs(ctx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return net, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) joinTopics() error {
	var err error
	if n.tBlocks, err = n.ps.Join(topicBlocks); err != nil {
		return err
	}
	if n.tTxs, err = n.ps.Join(topicTxs); err != nil {
		return err
	}
	if n.subBlocks, err = n.tBlocks.Subscribe(); err != nil {
		return err
	}
	if n.subTxs, err = n.tTxs.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (n *Libp2pNet) SetHandlers(h Handlers) { n.muH.Lock(); n.handlers = h; n.muH.Unlock() }

func (n *Libp2pNet) getHandlers() Handlers {
	n.muH.RLock()
	defer n.muH.RUnlock()
	return n.handlers
}

func (n *Libp2pNet) Host() host.Host { return n.h }

// Addrs returns the full p2p multiaddrs other nodes can bootstrap from.
func (n *Libp2pNet) Addrs() []string {
	out := make([]string, 0, len(n.h.Addrs()))
	for _, a := range n.h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.h.ID()))
	}
	return out
}

// Connect dials a peer by its full p2p multiaddr.
func (n *Libp2pNet) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, n.h, addr)
}

func (n *Libp2pNet) Close() error {
	n.subBlocks.Cancel()
	n.subTxs.Cancel()
	return n.h.Close()
}

// PublishBlock announces a committed block and its events. It has the
// chain.BlockHook shape, so it can be registered with Sequencer.OnBlock.
func (n *Libp2pNet) PublishBlock(blk chain.Block, res abci.ResponseFinalizeBlock) {
	a := BlockAnnouncement{
		Height:  blk.Height,
		Hash:    chain.HashOfBlock(blk),
		AppHash: blk.AppHash,
		Time:    blk.Time.Unix(),
		Events:  res.Events,
	}
	if n.blockKey != nil {
		a.Signature = n.blockKey.Sign(a.signingBytes())
	}
	data, err := gobEncode(a)
	if err == nil {
		err = n.tBlocks.Publish(context.Background(), data)
	}
	if err != nil {
		n.log.Warnw("block_publish_failed", "height", blk.Height, "err", err)
	}
}

// RelayTx gossips a raw tx toward the sequencer without waiting for a receipt.
func (n *Libp2pNet) RelayTx(ctx context.Context, tx []byte) error {
	data, err := gobEncode(TxWire{Tx: tx})
	if err != nil {
		return err
	}
	return n.tTxs.Publish(ctx, data)
}

// SubmitTx sends tx to the given peer over a stream and waits for its receipt.
func (n *Libp2pNet) SubmitTx(ctx context.Context, to peer.ID, tx []byte) (abci.Receipt, error) {
	stream, err := n.h.NewStream(ctx, to, protocolSubmit)
	if err != nil {
		return abci.Receipt{}, err
	}
	defer stream.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}

	if _, err := stream.Write(tx); err != nil {
		stream.Reset()
		return abci.Receipt{}, err
	}
	if err := stream.CloseWrite(); err != nil {
		stream.Reset()
		return abci.Receipt{}, err
	}

	data, err := io.ReadAll(stream)
	if err != nil {
		return abci.Receipt{}, err
	}
	var reply SubmitReply
	if err := gobDecode(data, &reply); err != nil {
		return abci.Receipt{}, err
	}
	if reply.Err != "" {
		return reply.Receipt, errors.New(reply.Err)
	}
	return reply.Receipt, nil
}

// inbound

func (n *Libp2pNet) handleBlocks(ctx context.Context) {
	for {
		msg, err := n.subBlocks.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var a BlockAnnouncement
		if err := gobDecode(msg.Data, &a); err != nil {
			n.log.Debugw("block_announcement_invalid", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if !n.accept(a) {
			n.log.Warnw("block_announcement_unverified", "from", msg.ReceivedFrom.String(), "height", a.Height)
			continue
		}
		if h := n.getHandlers(); h.OnBlock != nil {
			h.OnBlock(ctx, a)
		}
	}
}

// accept reports whether a came from the trusted sequencer. Without one
// configured every announcement is accepted.
func (n *Libp2pNet) accept(a BlockAnnouncement) bool {
	if n.sequencer == nil {
		return true
	}
	return crypto.VerifyBLS(n.sequencer, a.signingBytes(), a.Signature)
}

func (n *Libp2pNet) handleTxs(ctx context.Context) {
	for {
		msg, err := n.subTxs.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var w TxWire
		if err := gobDecode(msg.Data, &w); err != nil || len(w.Tx) == 0 || len(w.Tx) > maxTxBytes {
			continue
		}
		if h := n.getHandlers(); h.OnTx != nil {
			h.OnTx(ctx, w.Tx)
		}
	}
}

func (n *Libp2pNet) handleSubmitStream(s network.Stream) {
	defer s.Close()

	tx, err := io.ReadAll(io.LimitReader(s, maxTxBytes+1))
	if err != nil || len(tx) == 0 || len(tx) > maxTxBytes {
		s.Reset()
		return
	}

	var reply SubmitReply
	h := n.getHandlers()
	if h.OnSubmit == nil {
		reply.Err = "submit not supported by this peer"
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		r, err := h.OnSubmit(ctx, tx)
		cancel()
		reply.Receipt = r
		if err != nil {
			reply.Err = err.Error()
		}
	}

	data, err := gobEncode(reply)
	if err != nil {
		s.Reset()
		return
	}
	_, _ = s.Write(data)
}
