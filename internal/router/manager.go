// Package router dispatches channel events between local subscribers and a
// remote peer reached over one persistent connection.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/fastqm/wsps/internal/core/frame"
	"github.com/fastqm/wsps/internal/core/network"
)

// State is the lifecycle of the connection to the peer.
type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stats are cumulative counters of a Manager.
type Stats struct {
	FramesSent     int64 `json:"frames_sent"`
	FramesDropped  int64 `json:"frames_dropped"`
	FramesReceived int64 `json:"frames_received"`
	DecodeErrors   int64 `json:"decode_errors"`
	Deliveries     int64 `json:"deliveries"`
	PeerDeliveries int64 `json:"peer_deliveries"`
}

type Option func(*Manager)

func WithDialer(d network.Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithConnectivityCheck installs the probe consulted by Connect before
// dialing.
func WithConnectivityCheck(online func() bool) Option {
	return func(m *Manager) {
		if online != nil {
			m.online = online
		}
	}
}

// WithDefaultRange sets the range used by Publish. Invalid ranges are
// ignored.
func WithDefaultRange(r Range) Option {
	return func(m *Manager) {
		if r.Valid() {
			m.defaultRange = r
		}
	}
}

// Manager owns the channel registry, tells the peer when local interest in a
// channel starts or ends, forwards local publishes and applies frames sent by
// the peer.
//
// All registry and connection mutation happens under mu. Frames are queued on
// the connection while mu is held, so they reach the wire in call order.
// Subscribers are notified outside the lock and may call back into the
// Manager.
type Manager struct {
	dialer       network.Dialer
	log          zerolog.Logger
	online       func() bool
	defaultRange Range

	mu       sync.Mutex
	channels map[string]*Channel
	state    State
	conn     network.Conn
	stopRecv context.CancelFunc
	// attempt identifies the current Connect call. Close bumps it so a dial
	// that outlives its attempt cannot install its connection.
	attempt uint64

	sent       atomic.Int64
	dropped    atomic.Int64
	received   atomic.Int64
	decodeErrs atomic.Int64
	delivered  atomic.Int64
	peerNotify atomic.Int64
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		dialer:       network.NewWebSocketDialer(network.DefaultWebSocketOptions()),
		log:          zerolog.Nop(),
		online:       func() bool { return true },
		defaultRange: ServerOnly,
		channels:     make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect dials url and blocks until the connection is open or has failed.
// Once open, every channel with local interest is announced to the peer in a
// single subscribe frame before Connect returns.
func (m *Manager) Connect(ctx context.Context, url string) error {
	if !m.online() {
		return ErrOffline
	}

	m.mu.Lock()
	switch m.state {
	case StateConnecting:
		m.mu.Unlock()
		return ErrConnectInProgress
	case StateOpen:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.state = StateConnecting
	m.attempt++
	attempt := m.attempt
	m.mu.Unlock()

	m.log.Debug().Str("url", url).Msg("connecting")
	conn, err := m.dialer.Dial(ctx, url)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnecting || m.attempt != attempt {
		if conn != nil {
			_ = conn.Close()
		}
		return ErrConnectAborted
	}
	if err != nil {
		m.state = StateErrored
		m.log.Warn().Err(err).Str("url", url).Msg("connect failed")
		return fmt.Errorf("%w: %s: %w", ErrConnect, url, err)
	}

	m.conn = conn
	m.state = StateOpen
	if names := m.announcedLocked(); len(names) > 0 {
		m.sendLocked(frame.Subscribe(names...))
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	m.stopRecv = cancel
	go m.receiveLoop(recvCtx, conn)

	m.log.Info().Str("url", url).Msg("connected")
	return nil
}

// IsConnected reports whether the connection is open. Frames are only sent
// while it is.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOpen
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close drops the connection and aborts a Connect still dialing. Local
// subscriptions are kept and a later Connect re-announces them; interest the
// peer registered for itself ends with the session.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn, stop := m.conn, m.stopRecv
	m.conn, m.stopRecv = nil, nil
	m.attempt++
	if m.state == StateOpen || m.state == StateConnecting {
		m.state = StateClosed
	}
	m.dropPeerInterestLocked()
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Subscribe adds sub to every named channel. The peer is sent one subscribe
// frame naming the channels whose local interest went from none to some.
// Names are processed independently; invalid names are reported without
// affecting the others.
func (m *Manager) Subscribe(channels []string, sub Subscriber) error {
	if err := checkSubscriber(sub); err != nil {
		return err
	}
	if len(channels) == 0 {
		return ErrNoChannels
	}
	self := m.isSelf(sub)

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	var fresh []string
	for _, name := range channels {
		if err := frame.CheckName(name); err != nil {
			errs = append(errs, fmt.Errorf("subscribe %q: %w", name, err))
			continue
		}
		ch, ok := m.channels[name]
		if !ok {
			ch = NewChannel(name)
			m.channels[name] = ch
		}
		before := m.localCount(ch)
		added, err := ch.AddSubscriber(sub)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if added && !self && before == 0 && !contains(fresh, name) {
			fresh = append(fresh, name)
		}
	}
	if len(fresh) > 0 {
		m.sendLocked(frame.Subscribe(fresh...))
	}
	return errors.Join(errs...)
}

// Unsubscribe removes sub from every named channel. The peer is sent one
// unsubscribe frame naming the channels left without local interest. Absent
// subscribers and unknown channels are ignored.
func (m *Manager) Unsubscribe(channels []string, sub Subscriber) error {
	if err := checkSubscriber(sub); err != nil {
		return err
	}
	if len(channels) == 0 {
		return ErrNoChannels
	}
	self := m.isSelf(sub)

	m.mu.Lock()
	defer m.mu.Unlock()

	var gone []string
	for _, name := range channels {
		ch, ok := m.channels[name]
		if !ok || !ch.RemoveSubscriber(sub) {
			continue
		}
		if !self && m.localCount(ch) == 0 {
			gone = append(gone, name)
		}
		if ch.SubscriberCount() == 0 {
			delete(m.channels, name)
		}
	}
	if len(gone) > 0 {
		m.sendLocked(frame.Unsubscribe(gone...))
	}
	return nil
}

// Publish is PublishRange with the Manager's default range.
func (m *Manager) Publish(channels []string, data, sender any) error {
	return m.PublishRange(channels, data, sender, m.defaultRange)
}

// PublishRange notifies the local subscribers of every named channel and,
// unless r is ClientOnly, forwards one publish frame naming all of them to
// the peer, whether or not they have local subscribers. A payload that cannot
// be encoded is rejected before anything is delivered.
func (m *Manager) PublishRange(channels []string, data, sender any, r Range) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %d", ErrBadRange, int(r))
	}
	if len(channels) == 0 {
		return ErrNoChannels
	}
	if err := frame.ValidatePayload(data); err != nil {
		return err
	}

	var errs []error
	names := make([]string, 0, len(channels))
	for _, name := range channels {
		if err := frame.CheckName(name); err != nil {
			errs = append(errs, fmt.Errorf("publish %q: %w", name, err))
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return errors.Join(errs...)
	}

	origin := OriginClient
	if m.isSelf(sender) {
		origin = OriginServer
	}

	m.mu.Lock()
	targets := make([]*Channel, len(names))
	for i, name := range names {
		targets[i] = m.channels[name]
	}
	if r != ClientOnly {
		m.sendLocked(frame.Publish(r, names, data))
	}
	m.mu.Unlock()

	for i, ch := range targets {
		if ch == nil || ch.SubscriberCount() == 0 {
			m.log.Warn().Str("channel", names[i]).Str("range", r.String()).Msg("publish without local subscribers")
			continue
		}
		m.delivered.Add(int64(ch.Notify(data, sender, r, origin)))
	}
	return errors.Join(errs...)
}

// Notify makes the Manager a Subscriber. The peer subscribes it to channels
// it wants to hear about; forwarding already happened in PublishRange, so
// this only counts local events that the peer has interest in.
func (m *Manager) Notify(channel string, ev Event) {
	if ev.SentBy == OriginClient {
		m.peerNotify.Add(1)
	}
}

// Channel returns the registry entry for name.
func (m *Manager) Channel(name string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Channels lists registered channel names in sorted order.
func (m *Manager) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.channels))
	for name := range m.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) SubscriberCount(name string) int {
	if ch, ok := m.Channel(name); ok {
		return ch.SubscriberCount()
	}
	return 0
}

func (m *Manager) Stats() Stats {
	return Stats{
		FramesSent:     m.sent.Load(),
		FramesDropped:  m.dropped.Load(),
		FramesReceived: m.received.Load(),
		DecodeErrors:   m.decodeErrs.Load(),
		Deliveries:     m.delivered.Load(),
		PeerDeliveries: m.peerNotify.Load(),
	}
}

func (m *Manager) receiveLoop(ctx context.Context, conn network.Conn) {
	for {
		text, err := conn.Receive(ctx)
		if err != nil {
			m.connLost(conn, err)
			return
		}
		m.received.Add(1)
		m.handleFrame(text)
	}
}

// handleFrame applies one inbound frame. Publishes re-enter PublishRange as
// ClientOnly with the Manager as sender so nothing is echoed back.
func (m *Manager) handleFrame(text string) {
	f, err := frame.Decode(text)
	if err != nil {
		m.decodeErrs.Add(1)
		m.log.Warn().Err(err).Str("frame", clip(text)).Msg("dropping undecodable frame")
		return
	}

	switch f.Kind {
	case frame.KindPublish:
		err = m.PublishRange(f.Channels, f.Payload, m, ClientOnly)
	case frame.KindSubscribe:
		err = m.Subscribe(f.Channels, m)
	case frame.KindUnsubscribe:
		err = m.Unsubscribe(f.Channels, m)
	}
	if err != nil {
		m.log.Warn().Err(err).Str("kind", f.Kind.String()).Strs("channels", f.Channels).Msg("inbound frame rejected")
	}
}

func (m *Manager) connLost(conn network.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn, m.stopRecv = nil, nil
	if errors.Is(err, network.ErrConnClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		m.state = StateClosed
		m.log.Info().Msg("connection closed")
	} else {
		m.state = StateErrored
		m.log.Warn().Err(err).Msg("connection lost")
	}
	m.dropPeerInterestLocked()
	m.mu.Unlock()
	_ = conn.Close()
}

// sendLocked queues f on the connection. While not open the frame is dropped
// and counted; subscribe state is re-announced by the next Connect anyway.
func (m *Manager) sendLocked(f frame.Frame) {
	text, err := f.Encode()
	if err != nil {
		m.dropped.Add(1)
		m.log.Error().Err(err).Str("kind", f.Kind.String()).Msg("encode frame")
		return
	}
	if m.state != StateOpen || m.conn == nil {
		m.dropped.Add(1)
		evt := m.log.Warn()
		if f.Kind != frame.KindPublish {
			evt = m.log.Debug()
		}
		evt.Str("kind", f.Kind.String()).Strs("channels", f.Channels).Msg("not connected, frame dropped")
		return
	}
	if err := m.conn.Send(text); err != nil {
		m.dropped.Add(1)
		m.log.Warn().Err(err).Str("kind", f.Kind.String()).Strs("channels", f.Channels).Msg("send failed, frame dropped")
		return
	}
	m.sent.Add(1)
}

// announcedLocked lists channels that have at least one subscriber other
// than the Manager itself.
func (m *Manager) announcedLocked() []string {
	out := make([]string, 0, len(m.channels))
	for name, ch := range m.channels {
		if m.localCount(ch) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// dropPeerInterestLocked removes the subscriptions the peer made for the
// Manager during the session that just ended.
func (m *Manager) dropPeerInterestLocked() {
	for name, ch := range m.channels {
		if !ch.RemoveSubscriber(m) {
			continue
		}
		if ch.SubscriberCount() == 0 {
			delete(m.channels, name)
		}
	}
}

// localCount is the number of subscribers on ch excluding the Manager.
func (m *Manager) localCount(ch *Channel) int {
	n := ch.SubscriberCount()
	if ch.Has(m) {
		n--
	}
	return n
}

func (m *Manager) isSelf(v any) bool {
	mm, ok := v.(*Manager)
	return ok && mm == m
}

func contains(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}

func clip(s string) string {
	const limit = 64
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
