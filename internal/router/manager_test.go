package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastqm/wsps/internal/core/frame"
	"github.com/fastqm/wsps/internal/core/network"
)

const peerURL = "mem://peer"

// newPipeManager returns a Manager whose dialer hands the peer side of every
// connection to the returned channel.
func newPipeManager(t *testing.T, opts ...Option) (*Manager, <-chan network.Conn) {
	t.Helper()
	remotes := make(chan network.Conn, 4)
	d := &network.PipeDialer{Accept: func(_ context.Context, _ string, remote network.Conn) error {
		remotes <- remote
		return nil
	}}
	m := NewManager(append([]Option{WithDialer(d)}, opts...)...)
	t.Cleanup(func() { _ = m.Close() })
	return m, remotes
}

func connect(t *testing.T, m *Manager, remotes <-chan network.Conn) network.Conn {
	t.Helper()
	require.NoError(t, m.Connect(context.Background(), peerURL))
	select {
	case remote := <-remotes:
		return remote
	case <-time.After(time.Second):
		t.Fatal("dialer did not hand over the peer end")
		return nil
	}
}

func connected(t *testing.T, opts ...Option) (*Manager, network.Conn) {
	t.Helper()
	m, remotes := newPipeManager(t, opts...)
	return m, connect(t, m, remotes)
}

func expectFrame(t *testing.T, remote network.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	text, err := remote.Receive(ctx)
	require.NoError(t, err)
	return text
}

func expectNoFrame(t *testing.T, remote network.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	text, err := remote.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected frame %q", text)
}

func sendFrame(t *testing.T, remote network.Conn, f frame.Frame) {
	t.Helper()
	text, err := f.Encode()
	require.NoError(t, err)
	require.NoError(t, remote.Send(text))
}

func TestSubscribeTwiceSendsOneFrame(t *testing.T) {
	m, remote := connected(t)
	sub := newRecorder("a", nil)

	require.NoError(t, m.Subscribe([]string{"x"}, sub))
	require.NoError(t, m.Subscribe([]string{"x"}, sub))

	assert.Equal(t, 1, m.SubscriberCount("x"))
	assert.Equal(t, "s1:x", expectFrame(t, remote))
	expectNoFrame(t, remote)
}

func TestSecondSubscriberSendsNoFrame(t *testing.T) {
	m, remote := connected(t)

	require.NoError(t, m.Subscribe([]string{"x"}, newRecorder("a", nil)))
	require.NoError(t, m.Subscribe([]string{"x"}, newRecorder("b", nil)))

	assert.Equal(t, 2, m.SubscriberCount("x"))
	assert.Equal(t, "s1:x", expectFrame(t, remote))
	expectNoFrame(t, remote)
}

func TestUnsubscribeAbsentIsNoop(t *testing.T) {
	m, remote := connected(t)
	present, absent := newRecorder("a", nil), newRecorder("b", nil)

	require.NoError(t, m.Unsubscribe([]string{"x"}, absent))
	expectNoFrame(t, remote)

	require.NoError(t, m.Subscribe([]string{"x"}, present))
	assert.Equal(t, "s1:x", expectFrame(t, remote))

	require.NoError(t, m.Unsubscribe([]string{"x"}, absent))
	assert.Equal(t, 1, m.SubscriberCount("x"))
	expectNoFrame(t, remote)
}

func TestUnsubscribeLastSendsFrame(t *testing.T) {
	m, remote := connected(t)
	a, b := newRecorder("a", nil), newRecorder("b", nil)
	require.NoError(t, m.Subscribe([]string{"x"}, a))
	require.NoError(t, m.Subscribe([]string{"x"}, b))
	assert.Equal(t, "s1:x", expectFrame(t, remote))

	require.NoError(t, m.Unsubscribe([]string{"x"}, a))
	expectNoFrame(t, remote)

	require.NoError(t, m.Unsubscribe([]string{"x"}, b))
	assert.Equal(t, "u1:x", expectFrame(t, remote))
	_, ok := m.Channel("x")
	assert.False(t, ok)

	require.NoError(t, m.Subscribe([]string{"x"}, a))
	assert.Equal(t, "s1:x", expectFrame(t, remote))
}

func TestListSubscribeThenPartialUnsubscribe(t *testing.T) {
	m, remote := connected(t)
	sub := newRecorder("a", nil)

	require.NoError(t, m.Subscribe([]string{"a", "b"}, sub))
	assert.Equal(t, "s3:a,b", expectFrame(t, remote))

	require.NoError(t, m.Unsubscribe([]string{"a"}, sub))
	assert.Equal(t, "u1:a", expectFrame(t, remote))
	assert.Equal(t, 1, m.SubscriberCount("b"))
	assert.Equal(t, 0, m.SubscriberCount("a"))
	assert.Equal(t, []string{"b"}, m.Channels())
	expectNoFrame(t, remote)
}

func TestSubscribeRejectsBadInput(t *testing.T) {
	m, remote := connected(t)

	assert.ErrorIs(t, m.Subscribe([]string{"x"}, nil), ErrNilSubscriber)
	assert.ErrorIs(t, m.Subscribe([]string{"x"}, sliceSubscriber{"v"}), ErrSubscriberNotComparable)
	assert.ErrorIs(t, m.Subscribe(nil, newRecorder("a", nil)), ErrNoChannels)

	err := m.Subscribe([]string{`bad\`, "good"}, newRecorder("a", nil))
	assert.ErrorIs(t, err, ErrBadChannel)
	assert.Equal(t, []string{"good"}, m.Channels())
	assert.Equal(t, "s4:good", expectFrame(t, remote))
}

func TestCommaChannelRoundTripsThroughPeer(t *testing.T) {
	m, remote := connected(t)
	sub := newRecorder("a", nil)

	require.NoError(t, m.Subscribe([]string{"a,b"}, sub))
	got := expectFrame(t, remote)
	assert.Equal(t, `s4:a\,b`, got)

	f, err := frame.Decode(got)
	require.NoError(t, err)
	assert.Equal(t, []string{"a,b"}, f.Channels)
}

func TestClientOnlyNeverSends(t *testing.T) {
	m, remotes := newPipeManager(t)
	sub := newRecorder("a", nil)
	require.NoError(t, m.Subscribe([]string{"x"}, sub))
	dropped := m.Stats().FramesDropped

	require.NoError(t, m.PublishRange([]string{"x"}, "offline", nil, ClientOnly))
	assert.Equal(t, dropped, m.Stats().FramesDropped)

	remote := connect(t, m, remotes)
	assert.Equal(t, "s1:x", expectFrame(t, remote))

	require.NoError(t, m.PublishRange([]string{"x"}, "online", nil, ClientOnly))
	expectNoFrame(t, remote)
	assert.Len(t, sub.received(), 2)
}

func TestPublishWhileDisconnectedIsDropped(t *testing.T) {
	m, remotes := newPipeManager(t)

	require.NoError(t, m.PublishRange([]string{"x"}, "hi", nil, All))
	require.NoError(t, m.PublishRange([]string{"x"}, "hi", nil, ServerOnly))
	assert.Equal(t, int64(2), m.Stats().FramesDropped)
	assert.Zero(t, m.Stats().FramesSent)

	remote := connect(t, m, remotes)
	expectNoFrame(t, remote)
}

func TestPublishForwardsWithoutLocalSubscribers(t *testing.T) {
	m, remote := connected(t)

	require.NoError(t, m.Publish([]string{"x", "y"}, 42, nil))
	assert.Equal(t, "p13:x,yi42", expectFrame(t, remote))

	require.NoError(t, m.PublishRange([]string{"room1"}, "hi", nil, All))
	assert.Equal(t, "p25:room1shi", expectFrame(t, remote))
	assert.Zero(t, m.Stats().Deliveries)
}

func TestDefaultRangeOption(t *testing.T) {
	m, remote := connected(t, WithDefaultRange(All))

	require.NoError(t, m.Publish([]string{"x"}, nil, nil))
	assert.Equal(t, "p21:xn", expectFrame(t, remote))
}

func TestLocalPublishNotifiesInOrder(t *testing.T) {
	m, remote := connected(t)
	order := &orderLog{}
	a, b := newRecorder("a", order), newRecorder("b", order)
	require.NoError(t, m.Subscribe([]string{"x"}, a))
	require.NoError(t, m.Subscribe([]string{"x"}, b))
	assert.Equal(t, "s1:x", expectFrame(t, remote))

	sender := "local-caller"
	require.NoError(t, m.PublishRange([]string{"x"}, map[string]any{"n": 1}, sender, All))

	assert.Equal(t, []string{"a", "b"}, order.all())
	want := Event{Data: map[string]any{"n": 1}, SentBy: OriginClient, Sender: sender, Range: All}
	for _, sub := range []*recorder{a, b} {
		got := sub.received()
		require.Len(t, got, 1)
		assert.Equal(t, "x", got[0].channel)
		assert.Equal(t, want, got[0].ev)
	}
	assert.Equal(t, `p21:xj{"n":1}`, expectFrame(t, remote))
	assert.Equal(t, int64(2), m.Stats().Deliveries)
}

func TestInboundPublishIsServerOriginated(t *testing.T) {
	m, remote := connected(t)
	order := &orderLog{}
	a, b := newRecorder("a", order), newRecorder("b", order)
	require.NoError(t, m.Subscribe([]string{"x"}, a))
	require.NoError(t, m.Subscribe([]string{"x"}, b))
	assert.Equal(t, "s1:x", expectFrame(t, remote))

	sendFrame(t, remote, frame.Publish(All, []string{"x"}, "from peer"))

	require.Eventually(t, func() bool { return len(b.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, order.all())
	for _, sub := range []*recorder{a, b} {
		got := sub.received()
		require.Len(t, got, 1)
		assert.Equal(t, OriginServer, got[0].ev.SentBy)
		assert.Equal(t, ClientOnly, got[0].ev.Range)
		assert.Equal(t, "from peer", got[0].ev.Data)
		assert.Same(t, m, got[0].ev.Sender)
	}
	expectNoFrame(t, remote)
	assert.Equal(t, int64(1), m.Stats().FramesReceived)
}

func TestInvalidPayloadRejectedBeforeDelivery(t *testing.T) {
	m, remote := connected(t)
	sub := newRecorder("a", nil)
	require.NoError(t, m.Subscribe([]string{"x"}, sub))
	assert.Equal(t, "s1:x", expectFrame(t, remote))

	err := m.PublishRange([]string{"x"}, func() {}, nil, All)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	err = m.PublishRange([]string{"x"}, make(chan int), nil, ClientOnly)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	assert.Empty(t, sub.received())
	expectNoFrame(t, remote)
}

func TestPublishRejectsBadRange(t *testing.T) {
	m, _ := connected(t)
	assert.ErrorIs(t, m.PublishRange([]string{"x"}, "v", nil, Range(7)), ErrBadRange)
	assert.ErrorIs(t, m.Publish(nil, "v", nil), ErrNoChannels)
}

func TestPeerSubscriptionIsNotEchoed(t *testing.T) {
	m, remote := connected(t)

	sendFrame(t, remote, frame.Subscribe("z"))
	require.Eventually(t, func() bool {
		ch, ok := m.Channel("z")
		return ok && ch.Has(m)
	}, time.Second, 5*time.Millisecond)
	expectNoFrame(t, remote)

	require.NoError(t, m.Publish([]string{"z"}, "v", nil))
	assert.Equal(t, "p11:zsv", expectFrame(t, remote))
	assert.Equal(t, int64(1), m.Stats().PeerDeliveries)

	local := newRecorder("a", nil)
	require.NoError(t, m.Subscribe([]string{"z"}, local))
	assert.Equal(t, "s1:z", expectFrame(t, remote))

	sendFrame(t, remote, frame.Unsubscribe("z"))
	require.Eventually(t, func() bool {
		ch, ok := m.Channel("z")
		return ok && !ch.Has(m)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, m.SubscriberCount("z"))
	expectNoFrame(t, remote)
}

func TestUndecodableFramesAreDropped(t *testing.T) {
	m, remote := connected(t)
	sub := newRecorder("a", nil)
	require.NoError(t, m.Subscribe([]string{"x"}, sub))
	assert.Equal(t, "s1:x", expectFrame(t, remote))

	for _, text := range []string{"", "x1:a", "p19:x", "p11:xqjunk", "s9:x", "up1:x"} {
		require.NoError(t, remote.Send(text))
	}
	sendFrame(t, remote, frame.Publish(ServerOnly, []string{"x"}, int64(7)))

	require.Eventually(t, func() bool { return len(sub.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(6), m.Stats().DecodeErrors)
	assert.Equal(t, int64(7), sub.received()[0].ev.Data)
	assert.True(t, m.IsConnected())
}

func TestConnectReannouncesInOneFrame(t *testing.T) {
	m, remotes := newPipeManager(t)
	sub := newRecorder("a", nil)
	require.NoError(t, m.Subscribe([]string{"b", "a"}, sub))
	require.NoError(t, m.Subscribe([]string{"c,d"}, sub))
	assert.False(t, m.IsConnected())
	assert.Equal(t, StateUnconnected, m.State())

	remote := connect(t, m, remotes)
	assert.True(t, m.IsConnected())
	assert.Equal(t, `s8:a,b,c\,d`, expectFrame(t, remote))
	expectNoFrame(t, remote)
}

func TestConnectionLossKeepsRegistry(t *testing.T) {
	m, remotes := newPipeManager(t)
	sub := newRecorder("a", nil)
	require.NoError(t, m.Subscribe([]string{"x"}, sub))

	remote := connect(t, m, remotes)
	assert.Equal(t, "s1:x", expectFrame(t, remote))
	require.NoError(t, remote.Close())

	require.Eventually(t, func() bool { return m.State() == StateClosed }, time.Second, 5*time.Millisecond)
	assert.False(t, m.IsConnected())
	assert.Equal(t, []string{"x"}, m.Channels())

	require.NoError(t, m.PublishRange([]string{"x"}, "lost", nil, All))

	remote = connect(t, m, remotes)
	assert.Equal(t, "s1:x", expectFrame(t, remote))
	expectNoFrame(t, remote)
}

func TestConnectFailures(t *testing.T) {
	t.Run("offline", func(t *testing.T) {
		m, _ := newPipeManager(t, WithConnectivityCheck(func() bool { return false }))
		assert.ErrorIs(t, m.Connect(context.Background(), peerURL), ErrOffline)
		assert.Equal(t, StateUnconnected, m.State())
	})

	t.Run("dial error", func(t *testing.T) {
		refused := errors.New("refused")
		m := NewManager(WithDialer(network.DialerFunc(func(context.Context, string) (network.Conn, error) {
			return nil, refused
		})))
		err := m.Connect(context.Background(), peerURL)
		assert.ErrorIs(t, err, ErrConnect)
		assert.ErrorIs(t, err, refused)
		assert.Equal(t, StateErrored, m.State())
	})

	t.Run("already connected", func(t *testing.T) {
		m, _ := connected(t)
		assert.ErrorIs(t, m.Connect(context.Background(), peerURL), ErrAlreadyConnected)
	})

	t.Run("in progress", func(t *testing.T) {
		release := make(chan struct{})
		dialing := make(chan struct{})
		m := NewManager(WithDialer(network.DialerFunc(func(ctx context.Context, url string) (network.Conn, error) {
			close(dialing)
			<-release
			local, _ := network.Pipe(1)
			return local, nil
		})))
		defer m.Close()

		done := make(chan error, 1)
		go func() { done <- m.Connect(context.Background(), peerURL) }()
		<-dialing
		assert.Equal(t, StateConnecting, m.State())
		assert.ErrorIs(t, m.Connect(context.Background(), peerURL), ErrConnectInProgress)
		close(release)
		require.NoError(t, <-done)
	})

	t.Run("closed while dialing", func(t *testing.T) {
		release := make(chan struct{})
		dialing := make(chan struct{})
		m := NewManager(WithDialer(network.DialerFunc(func(ctx context.Context, url string) (network.Conn, error) {
			close(dialing)
			<-release
			local, _ := network.Pipe(1)
			return local, nil
		})))

		done := make(chan error, 1)
		go func() { done <- m.Connect(context.Background(), peerURL) }()
		<-dialing
		require.NoError(t, m.Close())
		close(release)
		assert.ErrorIs(t, <-done, ErrConnectAborted)
		assert.Equal(t, StateClosed, m.State())
	})
}

func TestCloseKeepsRegistry(t *testing.T) {
	m, remote := connected(t)
	require.NoError(t, m.Subscribe([]string{"x"}, newRecorder("a", nil)))
	assert.Equal(t, "s1:x", expectFrame(t, remote))

	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, []string{"x"}, m.Channels())
}

func TestSubscriberMayReenterManager(t *testing.T) {
	m, remote := connected(t)
	var self Subscriber
	self = NotifyFunc(func(channel string, ev Event) {
		_ = m.Unsubscribe([]string{channel}, self)
	})
	require.NoError(t, m.Subscribe([]string{"x"}, self))
	assert.Equal(t, "s1:x", expectFrame(t, remote))

	require.NoError(t, m.PublishRange([]string{"x"}, "once", nil, ClientOnly))
	assert.Equal(t, "u1:x", expectFrame(t, remote))
	assert.Empty(t, m.Channels())
}

func TestStaleDialLosesToReconnect(t *testing.T) {
	type attempt struct {
		dialing, release chan struct{}
		local, remote    network.Conn
	}
	attempts := map[string]*attempt{}
	for _, url := range []string{"mem://a", "mem://b"} {
		local, remote := network.Pipe(4)
		attempts[url] = &attempt{
			dialing: make(chan struct{}),
			release: make(chan struct{}),
			local:   local,
			remote:  remote,
		}
	}
	m := NewManager(WithDialer(network.DialerFunc(func(_ context.Context, url string) (network.Conn, error) {
		a := attempts[url]
		close(a.dialing)
		<-a.release
		return a.local, nil
	})))
	defer m.Close()

	first := make(chan error, 1)
	go func() { first <- m.Connect(context.Background(), "mem://a") }()
	<-attempts["mem://a"].dialing
	require.NoError(t, m.Close())

	second := make(chan error, 1)
	go func() { second <- m.Connect(context.Background(), "mem://b") }()
	<-attempts["mem://b"].dialing

	close(attempts["mem://a"].release)
	assert.ErrorIs(t, <-first, ErrConnectAborted)
	assert.Equal(t, StateConnecting, m.State())

	close(attempts["mem://b"].release)
	require.NoError(t, <-second)
	assert.Equal(t, StateOpen, m.State())

	require.NoError(t, m.Subscribe([]string{"x"}, newRecorder("a", nil)))
	assert.Equal(t, "s1:x", expectFrame(t, attempts["mem://b"].remote))
	_, err := attempts["mem://a"].remote.Receive(context.Background())
	assert.ErrorIs(t, err, network.ErrConnClosed)
}

func TestPeerInterestEndsWithSession(t *testing.T) {
	m, remotes := newPipeManager(t)
	local := newRecorder("a", nil)
	require.NoError(t, m.Subscribe([]string{"x"}, local))

	remote := connect(t, m, remotes)
	assert.Equal(t, "s1:x", expectFrame(t, remote))
	sendFrame(t, remote, frame.Subscribe("x", "z"))
	require.Eventually(t, func() bool {
		ch, ok := m.Channel("z")
		return ok && ch.Has(m)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Close())
	assert.Equal(t, []string{"x"}, m.Channels())
	ch, ok := m.Channel("x")
	require.True(t, ok)
	assert.False(t, ch.Has(m))

	remote = connect(t, m, remotes)
	assert.Equal(t, "s1:x", expectFrame(t, remote))
	sendFrame(t, remote, frame.Subscribe("z"))
	require.Eventually(t, func() bool {
		ch, ok := m.Channel("z")
		return ok && ch.Has(m)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, remote.Close())
	require.Eventually(t, func() bool { return m.State() == StateClosed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"x"}, m.Channels())
}
