package router

import (
	"reflect"

	"github.com/fastqm/wsps/internal/core/frame"
)

// Range is re-exported so callers of the router rarely need the frame
// package.
type Range = frame.Range

const (
	ClientOnly = frame.ClientOnly
	ServerOnly = frame.ServerOnly
	All        = frame.All
)

// Origin tells a subscriber where an event was published.
type Origin int

const (
	// OriginClient marks events published by a local caller.
	OriginClient Origin = iota
	// OriginServer marks events that arrived from the peer.
	OriginServer
)

func (o Origin) String() string {
	if o == OriginServer {
		return "server"
	}
	return "client"
}

// Event is what a subscriber receives for one publish call.
type Event struct {
	Data   any
	SentBy Origin
	// Sender is the publisher passed to Publish. Subscribers compare it with
	// themselves to skip their own events.
	Sender any
	Range  Range
}

// Subscriber receives events for the channels it is subscribed to. Notify is
// called synchronously on the goroutine that delivers the event: the caller of
// Publish for local events, the connection's receive goroutine for events from
// the peer. It may therefore be called concurrently and must be safe for
// concurrent use.
type Subscriber interface {
	Notify(channel string, ev Event)
}

type funcSubscriber struct {
	fn func(channel string, ev Event)
}

func (f *funcSubscriber) Notify(channel string, ev Event) { f.fn(channel, ev) }

// NotifyFunc wraps fn as a Subscriber. Every call returns a distinct
// subscriber; keep the value to unsubscribe later.
func NotifyFunc(fn func(channel string, ev Event)) Subscriber {
	return &funcSubscriber{fn: fn}
}

// checkSubscriber rejects values that cannot take part in set membership.
func checkSubscriber(sub Subscriber) error {
	if sub == nil {
		return ErrNilSubscriber
	}
	v := reflect.ValueOf(sub)
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return ErrNilSubscriber
	}
	if !v.Type().Comparable() {
		return ErrSubscriberNotComparable
	}
	return nil
}
