package consensus

import "context"

// Handler receives inbound protocol messages. Implementations of Network
// must invoke it from a single goroutine per replica so state ownership
// stays with the replica driver.
type Handler func(ctx context.Context, m Message)

// Network is the committee transport. The in-process bus serves a co-located
// committee; the libp2p transport serves one spread over processes.
type Network interface {
	// Broadcast delivers to every member, including the sender.
	Broadcast(ctx context.Context, m Message) error
	// Send delivers to one member.
	Send(ctx context.Context, to NodeID, m Message) error
	SetHandler(h Handler)
}
