// Package network holds the transports the router and hub sit on: duplex
// text-frame connections to a peer (websocket, in-memory pipe) and
// broadcast-style backends used to federate hub nodes (memory, libp2p
// gossipsub, redis).
package network

import (
	"context"
	"errors"
)

var (
	ErrConnClosed     = errors.New("network: connection closed")
	ErrSendBufferFull = errors.New("network: send buffer full")
	ErrPubSubClosed   = errors.New("network: pubsub closed")
)

// Conn is one persistent duplex connection carrying text frames.
//
// Send never blocks: frames are queued in call order and written by the
// connection itself. Receive is meant for a single reader goroutine.
type Conn interface {
	Send(text string) error
	Receive(ctx context.Context) (string, error)
	Close() error
}

// Dialer opens a Conn to the peer at url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// Message is one payload delivered on a broadcast topic.
type Message struct {
	Topic   string
	Payload []byte
}

// PubSub is a minimal interface for broadcast-style communication between
// hub nodes. Subscribe returns a channel that is closed once the returned
// cancel func runs or the PubSub is closed.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
	Close() error
}
