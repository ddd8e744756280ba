package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/reliquary/reliquary/pkg/consensus"
)

func newTestNet(t *testing.T, ctx context.Context) *Libp2pNet {
	t.Helper()
	net, err := NewLibp2pNet(ctx, Libp2pConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	if err != nil {
		t.Fatalf("new net: %v", err)
	}
	t.Cleanup(func() { net.Close() })
	return net
}

func TestLocalMembersShareOneTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := newTestNet(t, ctx)
	a := net.Join(ctx, "a")
	b := net.Join(ctx, "b")

	got := make(chan consensus.Message, 4)
	b.SetHandler(func(_ context.Context, m consensus.Message) {
		got <- m
	})

	sent := consensus.Message{Type: consensus.MsgPrepare, View: 1, Sequence: 7, Sender: "a"}
	if err := a.Send(ctx, "b", sent); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case m := <-got:
		if m.Type != sent.Type || m.Sequence != sent.Sequence || m.Sender != sent.Sender {
			t.Fatalf("delivered %+v, want %+v", m, sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("unicast to co-located member not delivered")
	}

	// A broadcast loops back to every local member, sender included.
	if err := a.Broadcast(ctx, consensus.Message{Type: consensus.MsgCommit, Sequence: 8, Sender: "a"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	select {
	case m := <-got:
		if m.Type != consensus.MsgCommit || m.Sequence != 8 {
			t.Fatalf("broadcast delivered %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast not delivered to co-located member")
	}
}

func TestGossipReachesRemoteMember(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	netA := newTestNet(t, ctx)
	netB := newTestNet(t, ctx)

	if err := netB.Host().Connect(ctx, peer.AddrInfo{
		ID:    netA.Host().ID(),
		Addrs: netA.Host().Addrs(),
	}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	sender := netA.Join(ctx, "a")
	receiver := netB.Join(ctx, "b")

	got := make(chan consensus.Message, 16)
	receiver.SetHandler(func(_ context.Context, m consensus.Message) {
		if m.Sender == "a" {
			got <- m
		}
	})

	// The gossip mesh needs a moment to form; keep publishing until the
	// remote member sees a message.
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := sender.Broadcast(ctx, consensus.Message{Type: consensus.MsgPrePrepare, View: 2, Sequence: 3, Sender: "a"}); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
		select {
		case m := <-got:
			if m.Type != consensus.MsgPrePrepare || m.View != 2 || m.Sequence != 3 {
				t.Fatalf("remote member got %+v", m)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("broadcast never reached the remote member")
		}
	}
}
