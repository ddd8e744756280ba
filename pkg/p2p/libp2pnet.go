package p2p

import (
	"bytes"
	"context"
	"encoding/gob"
	"io"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/reliquary/reliquary/pkg/consensus"
)

const (
	topicConsensus  = "rq-consensus"
	protocolUnicast = protocol.ID("/rq/consensus/1.0.0")
)

// Libp2pNet carries consensus messages over gossipsub for committees spread
// across processes. Broadcasts go through one topic; Send uses a direct
// stream when the target peer is known. Signature verification stays with
// the replicas, so the transport does not need to be trusted.
//
// Like LocalHub, one net hosts any number of local members; inbound traffic
// fans out to every member's inbox and each member dispatches on its own
// goroutine.
type Libp2pNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	muPeers sync.RWMutex
	peers   map[consensus.NodeID]peer.ID

	muM     sync.RWMutex
	members map[consensus.NodeID]*Libp2pMember
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
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
		return nil, err
	}

	net := &Libp2pNet{
		h:       h,
		ps:      ps,
		log:     cfg.Logger,
		peers:   make(map[consensus.NodeID]peer.ID),
		members: make(map[consensus.NodeID]*Libp2pMember),
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if net.topic, err = ps.Join(topicConsensus); err != nil {
		return nil, err
	}
	if net.sub, err = net.topic.Subscribe(); err != nil {
		return nil, err
	}

	h.SetStreamHandler(protocolUnicast, net.handleStream)
	go net.readLoop(ctx)

	if cfg.Logger != nil {
		cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
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

func (n *Libp2pNet) Host() host.Host { return n.h }

// Join creates (or returns) the endpoint for one local member and starts
// its dispatch loop.
func (n *Libp2pNet) Join(ctx context.Context, id consensus.NodeID) consensus.Network {
	n.muM.Lock()
	defer n.muM.Unlock()

	if m, ok := n.members[id]; ok {
		return m
	}
	m := &Libp2pMember{
		net:   n,
		id:    id,
		inbox: make(chan consensus.Message, localInboxCap),
	}
	n.members[id] = m
	go m.dispatch(ctx)
	return m
}

// RegisterPeer maps a remote committee member id to its libp2p peer,
// enabling unicast Send.
func (n *Libp2pNet) RegisterPeer(id consensus.NodeID, p peer.ID) {
	n.muPeers.Lock()
	n.peers[id] = p
	n.muPeers.Unlock()
}

func (n *Libp2pNet) Close() error {
	n.sub.Cancel()
	return n.h.Close()
}

func (n *Libp2pNet) readLoop(ctx context.Context) {
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue // already delivered locally on publish
		}
		var m consensus.Message
		if err := decodeMsg(msg.Data, &m); err != nil {
			continue
		}
		n.deliverAll(m)
	}
}

func (n *Libp2pNet) handleStream(s network.Stream) {
	defer s.Close()
	data, err := io.ReadAll(s)
	if err != nil {
		return
	}
	var m consensus.Message
	if err := decodeMsg(data, &m); err != nil {
		return
	}
	n.deliverAll(m)
}

func (n *Libp2pNet) deliverAll(m consensus.Message) {
	n.muM.RLock()
	defer n.muM.RUnlock()
	for _, mem := range n.members {
		mem.enqueue(m)
	}
}

func (n *Libp2pNet) localMember(id consensus.NodeID) (*Libp2pMember, bool) {
	n.muM.RLock()
	defer n.muM.RUnlock()
	mem, ok := n.members[id]
	return mem, ok
}

// Libp2pMember is one local member's view of the transport.
type Libp2pMember struct {
	net *Libp2pNet
	id  consensus.NodeID

	inbox chan consensus.Message

	muH     sync.RWMutex
	handler consensus.Handler
}

func (m *Libp2pMember) SetHandler(h consensus.Handler) {
	m.muH.Lock()
	m.handler = h
	m.muH.Unlock()
}

func (m *Libp2pMember) Broadcast(ctx context.Context, msg consensus.Message) error {
	data, err := encodeMsg(msg)
	if err != nil {
		return err
	}
	if err := m.net.topic.Publish(ctx, data); err != nil {
		return err
	}
	// Gossipsub does not loop a publish back to its own subscription;
	// deliver locally so co-located members count the message.
	m.net.deliverAll(msg)
	return nil
}

func (m *Libp2pMember) Send(ctx context.Context, to consensus.NodeID, msg consensus.Message) error {
	if local, ok := m.net.localMember(to); ok {
		local.enqueue(msg)
		return nil
	}

	m.net.muPeers.RLock()
	target, ok := m.net.peers[to]
	m.net.muPeers.RUnlock()
	if !ok {
		// Unknown mapping: fall back to broadcast, receivers filter.
		return m.Broadcast(ctx, msg)
	}

	stream, err := m.net.h.NewStream(ctx, target, protocolUnicast)
	if err != nil {
		return err
	}
	defer stream.Close()

	data, err := encodeMsg(msg)
	if err != nil {
		return err
	}
	_, err = stream.Write(data)
	return err
}

func (m *Libp2pMember) enqueue(msg consensus.Message) {
	select {
	case m.inbox <- msg:
	default:
	}
}

func (m *Libp2pMember) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.inbox:
			m.muH.RLock()
			h := m.handler
			m.muH.RUnlock()
			if h != nil {
				h(ctx, msg)
			}
		}
	}
}

func encodeMsg(m consensus.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMsg(b []byte, m *consensus.Message) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(m)
}

var (
	_ Hub               = (*LocalHub)(nil)
	_ Hub               = (*Libp2pNet)(nil)
	_ consensus.Network = (*Libp2pMember)(nil)
)
