package p2p

import (
	"context"
	"sync"

	"github.com/reliquary/reliquary/pkg/consensus"
)

const localInboxCap = 1024

// Hub hands out per-member consensus endpoints. LocalHub serves a co-located
// committee; Libp2pNet serves one spread across processes.
type Hub interface {
	Join(ctx context.Context, id consensus.NodeID) consensus.Network
}

// LocalHub wires a co-located committee together. Each member gets a
// LocalNet whose inbound messages are dispatched on a dedicated goroutine,
// so replica state stays single-writer.
type LocalHub struct {
	mu    sync.RWMutex
	nodes map[consensus.NodeID]*LocalNet
}

func NewLocalHub() *LocalHub {
	return &LocalHub{nodes: make(map[consensus.NodeID]*LocalNet)}
}

// Join creates (or returns) the network endpoint for one member and starts
// its dispatch loop.
func (h *LocalHub) Join(ctx context.Context, id consensus.NodeID) consensus.Network {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n, ok := h.nodes[id]; ok {
		return n
	}
	n := &LocalNet{
		hub:   h,
		id:    id,
		inbox: make(chan consensus.Message, localInboxCap),
	}
	h.nodes[id] = n
	go n.dispatch(ctx)
	return n
}

// Leave drops a member; in-flight messages to it are discarded.
func (h *LocalHub) Leave(id consensus.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n, ok := h.nodes[id]; ok {
		close(n.inbox)
		delete(h.nodes, id)
	}
}

func (h *LocalHub) members() []*LocalNet {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*LocalNet, 0, len(h.nodes))
	for _, n := range h.nodes {
		out = append(out, n)
	}
	return out
}

func (h *LocalHub) member(id consensus.NodeID) (*LocalNet, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[id]
	return n, ok
}

// LocalNet is one member's view of the hub.
type LocalNet struct {
	hub *LocalHub
	id  consensus.NodeID

	inbox chan consensus.Message

	muH     sync.RWMutex
	handler consensus.Handler
}

func (n *LocalNet) SetHandler(h consensus.Handler) {
	n.muH.Lock()
	n.handler = h
	n.muH.Unlock()
}

// Broadcast delivers to every member including the sender. A full inbox
// drops the message; the protocol's quorums tolerate the loss.
func (n *LocalNet) Broadcast(_ context.Context, m consensus.Message) error {
	for _, peer := range n.hub.members() {
		peer.enqueue(m)
	}
	return nil
}

func (n *LocalNet) Send(_ context.Context, to consensus.NodeID, m consensus.Message) error {
	peer, ok := n.hub.member(to)
	if !ok {
		return nil
	}
	peer.enqueue(m)
	return nil
}

func (n *LocalNet) enqueue(m consensus.Message) {
	select {
	case n.inbox <- m:
	default:
	}
}

func (n *LocalNet) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-n.inbox:
			if !ok {
				return
			}
			n.muH.RLock()
			h := n.handler
			n.muH.RUnlock()
			if h != nil {
				h(ctx, m)
			}
		}
	}
}

var _ consensus.Network = (*LocalNet)(nil)
