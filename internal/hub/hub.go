// Package hub is the peer side of the router protocol: it accepts many client
// connections, tracks which channels each client is interested in, and
// re-broadcasts publishes across clients and hub nodes.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fastqm/wsps/internal/core/frame"
	"github.com/fastqm/wsps/internal/core/network"
)

// FederationTopic carries publish frames between hub nodes.
const FederationTopic = "wsps.broadcast"

const defaultDeliveryBuffer = 64

var ErrClosed = errors.New("hub: closed")

// Delivery is one publish seen by a server-side subscriber.
type Delivery struct {
	Channel string      `json:"channel"`
	Data    any         `json:"data"`
	Range   frame.Range `json:"range"`
	// From is the publishing client id, "server" for Hub.Publish or
	// "node:<id>" for publishes relayed by another hub node.
	From string `json:"from"`
}

// Stats are cumulative counters of a Hub.
type Stats struct {
	Node         string `json:"node"`
	Clients      int    `json:"clients"`
	Channels     int    `json:"channels"`
	FramesIn     int64  `json:"frames_in"`
	FramesOut    int64  `json:"frames_out"`
	Dropped      int64  `json:"dropped"`
	DecodeErrors int64  `json:"decode_errors"`
	FederatedIn  int64  `json:"federated_in"`
	FederatedOut int64  `json:"federated_out"`
}

type envelope struct {
	Node  string `json:"node"`
	Frame string `json:"frame"`
}

type client struct {
	id       string
	conn     network.Conn
	channels map[string]struct{}
}

type Option func(*Hub)

func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// WithFederation relays All-range publishes through ps to other hub nodes.
func WithFederation(ps network.PubSub) Option {
	return func(h *Hub) { h.fed = ps }
}

func WithNodeID(id string) Option {
	return func(h *Hub) {
		if id != "" {
			h.nodeID = id
		}
	}
}

// WithDeliveryBuffer sizes the channels returned by Subscribe.
func WithDeliveryBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// Hub routes frames between attached clients.
type Hub struct {
	log    zerolog.Logger
	nodeID string
	fed    network.PubSub
	buffer int

	mu       sync.RWMutex
	closed   bool
	clients  map[string]*client
	interest map[string]map[string]*client
	subs     map[string]map[int]chan Delivery
	nextSub  int
	fedStop  func()

	framesIn     atomic.Int64
	framesOut    atomic.Int64
	dropped      atomic.Int64
	decodeErrs   atomic.Int64
	federatedIn  atomic.Int64
	federatedOut atomic.Int64
}

func New(opts ...Option) (*Hub, error) {
	h := &Hub{
		log:      zerolog.Nop(),
		nodeID:   uuid.NewString(),
		buffer:   defaultDeliveryBuffer,
		clients:  make(map[string]*client),
		interest: make(map[string]map[string]*client),
		subs:     make(map[string]map[int]chan Delivery),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With().Str("node", h.nodeID).Logger()

	if h.fed != nil {
		ch, cancel, err := h.fed.Subscribe(FederationTopic)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", FederationTopic, err)
		}
		h.fedStop = cancel
		go h.consumeFederation(ch)
	}
	recordClients(h.nodeID, 0)
	return h, nil
}

func (h *Hub) NodeID() string {
	return h.nodeID
}

// Attach registers conn as a new client and serves it in the background. The
// client is detached when its connection ends or ctx is cancelled.
func (h *Hub) Attach(ctx context.Context, conn network.Conn) (string, error) {
	c, err := h.register(conn)
	if err != nil {
		return "", err
	}
	go h.serve(ctx, c)
	return c.id, nil
}

// Serve is Attach for callers that want to block until the client is gone.
func (h *Hub) Serve(ctx context.Context, conn network.Conn) error {
	c, err := h.register(conn)
	if err != nil {
		return err
	}
	h.serve(ctx, c)
	return nil
}

func (h *Hub) register(conn network.Conn) (*client, error) {
	c := &client{id: uuid.NewString(), conn: conn, channels: make(map[string]struct{})}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()

	recordClients(h.nodeID, n)
	h.log.Info().Str("client", c.id).Msg("client attached")
	return c, nil
}

func (h *Hub) serve(ctx context.Context, c *client) {
	defer h.detach(c)
	for {
		text, err := c.conn.Receive(ctx)
		if err != nil {
			if !errors.Is(err, network.ErrConnClosed) && !errors.Is(err, context.Canceled) {
				h.log.Warn().Err(err).Str("client", c.id).Msg("client receive failed")
			}
			return
		}
		h.handle(c, text)
	}
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	for name := range c.channels {
		h.dropInterestLocked(name, c.id)
	}
	n := len(h.clients)
	h.mu.Unlock()

	_ = c.conn.Close()
	recordClients(h.nodeID, n)
	h.log.Info().Str("client", c.id).Msg("client detached")
}

func (h *Hub) handle(c *client, text string) {
	h.framesIn.Add(1)
	f, err := frame.Decode(text)
	if err != nil {
		h.decodeErrs.Add(1)
		recordDecodeError(h.nodeID)
		h.log.Warn().Err(err).Str("client", c.id).Msg("dropping undecodable frame")
		return
	}
	recordFrame(h.nodeID, f.Kind.String())

	switch f.Kind {
	case frame.KindSubscribe:
		h.mu.Lock()
		for _, name := range f.Channels {
			byClient, ok := h.interest[name]
			if !ok {
				byClient = make(map[string]*client)
				h.interest[name] = byClient
			}
			byClient[c.id] = c
			c.channels[name] = struct{}{}
		}
		h.mu.Unlock()
	case frame.KindUnsubscribe:
		h.mu.Lock()
		for _, name := range f.Channels {
			delete(c.channels, name)
			h.dropInterestLocked(name, c.id)
		}
		h.mu.Unlock()
	case frame.KindPublish:
		switch f.Range {
		case frame.ClientOnly:
			h.log.Debug().Str("client", c.id).Strs("channels", f.Channels).Msg("ignoring client-only publish")
		case frame.ServerOnly:
			h.deliverLocal(f.Channels, f.Payload, f.Range, c.id)
		case frame.All:
			h.deliverLocal(f.Channels, f.Payload, f.Range, c.id)
			h.broadcast(f.Channels, f.Payload, c.id)
			h.federate(f)
		}
	}
}

// Publish pushes a server-originated event to server-side subscribers, every
// interested client and other hub nodes.
func (h *Hub) Publish(channels []string, data any) error {
	if len(channels) == 0 {
		return fmt.Errorf("%w: no channels", frame.ErrBadChannel)
	}
	f := frame.Publish(frame.All, channels, data)
	if _, err := f.Encode(); err != nil {
		return err
	}
	h.deliverLocal(channels, data, frame.All, "server")
	h.broadcast(channels, data, "")
	h.federate(f)
	return nil
}

// broadcast sends every client except exclude one ClientOnly publish frame
// naming the channels of f it is subscribed to.
func (h *Hub) broadcast(channels []string, data any, exclude string) {
	type target struct {
		c     *client
		names []string
	}
	h.mu.RLock()
	byID := make(map[string]*target)
	var order []*target
	for _, name := range channels {
		for id, c := range h.interest[name] {
			if id == exclude {
				continue
			}
			t, ok := byID[id]
			if !ok {
				t = &target{c: c}
				byID[id] = t
				order = append(order, t)
			}
			t.names = append(t.names, name)
		}
	}
	h.mu.RUnlock()

	for _, t := range order {
		text, err := frame.Publish(frame.ClientOnly, t.names, data).Encode()
		if err != nil {
			h.dropped.Add(1)
			recordBroadcast(h.nodeID, false)
			h.log.Error().Err(err).Str("client", t.c.id).Strs("channels", t.names).Msg("encode broadcast")
			continue
		}
		if err := t.c.conn.Send(text); err != nil {
			h.dropped.Add(1)
			recordBroadcast(h.nodeID, false)
			h.log.Warn().Err(err).Str("client", t.c.id).Msg("broadcast dropped")
			continue
		}
		h.framesOut.Add(1)
		recordBroadcast(h.nodeID, true)
	}
}

func (h *Hub) federate(f frame.Frame) {
	if h.fed == nil {
		return
	}
	text, err := f.Encode()
	if err != nil {
		h.log.Warn().Err(err).Strs("channels", f.Channels).Msg("encode federation frame")
		return
	}
	b, err := json.Marshal(envelope{Node: h.nodeID, Frame: text})
	if err != nil {
		h.log.Warn().Err(err).Msg("encode federation envelope")
		return
	}
	if err := h.fed.Publish(FederationTopic, b); err != nil {
		h.log.Warn().Err(err).Msg("federation publish failed")
		return
	}
	h.federatedOut.Add(1)
	recordFederation(h.nodeID, "out")
}

func (h *Hub) consumeFederation(ch <-chan network.Message) {
	for msg := range ch {
		var env envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			h.log.Warn().Err(err).Msg("bad federation envelope")
			continue
		}
		if env.Node == h.nodeID {
			continue
		}
		f, err := frame.Decode(env.Frame)
		if err != nil || f.Kind != frame.KindPublish {
			h.log.Warn().Err(err).Str("from", env.Node).Msg("bad federated frame")
			continue
		}
		h.federatedIn.Add(1)
		recordFederation(h.nodeID, "in")
		h.deliverLocal(f.Channels, f.Payload, f.Range, "node:"+env.Node)
		h.broadcast(f.Channels, f.Payload, "")
	}
}

// Subscribe returns a server-side feed of publishes on channel. Deliveries
// are dropped while the feed is full.
func (h *Hub) Subscribe(channel string) (<-chan Delivery, func(), error) {
	if err := frame.CheckName(channel); err != nil {
		return nil, nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrClosed
	}
	byID, ok := h.subs[channel]
	if !ok {
		byID = make(map[int]chan Delivery)
		h.subs[channel] = byID
	}
	id := h.nextSub
	h.nextSub++
	ch := make(chan Delivery, h.buffer)
	byID[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.unsubscribe(channel, id) })
	}
	return ch, cancel, nil
}

func (h *Hub) unsubscribe(channel string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byID, ok := h.subs[channel]
	if !ok {
		return
	}
	if ch, exists := byID[id]; exists {
		delete(byID, id)
		close(ch)
	}
	if len(byID) == 0 {
		delete(h.subs, channel)
	}
}

func (h *Hub) deliverLocal(channels []string, data any, r frame.Range, from string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, name := range channels {
		for _, ch := range h.subs[name] {
			select {
			case ch <- Delivery{Channel: name, Data: data, Range: r, From: from}:
			default:
				h.dropped.Add(1)
			}
		}
	}
}

func (h *Hub) dropInterestLocked(name, clientID string) {
	byClient, ok := h.interest[name]
	if !ok {
		return
	}
	delete(byClient, clientID)
	if len(byClient) == 0 {
		delete(h.interest, name)
	}
}

// Channels maps every channel with interested clients to their number.
func (h *Hub) Channels() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.interest))
	for name, byClient := range h.interest {
		out[name] = len(byClient)
	}
	return out
}

// Clients lists attached client ids in sorted order.
func (h *Hub) Clients() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	clients, channels := len(h.clients), len(h.interest)
	h.mu.RUnlock()
	return Stats{
		Node:         h.nodeID,
		Clients:      clients,
		Channels:     channels,
		FramesIn:     h.framesIn.Load(),
		FramesOut:    h.framesOut.Load(),
		Dropped:      h.dropped.Load(),
		DecodeErrors: h.decodeErrs.Load(),
		FederatedIn:  h.federatedIn.Load(),
		FederatedOut: h.federatedOut.Load(),
	}
}

// Close disconnects every client and ends all server-side feeds. The
// federation backend is left to its owner.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]network.Conn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c.conn)
	}
	for name, byID := range h.subs {
		for _, ch := range byID {
			close(ch)
		}
		delete(h.subs, name)
	}
	stop := h.fedStop
	h.fedStop = nil
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}
