package network

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
)

const defaultListenAddr = "/ip4/0.0.0.0/tcp/0"

// Libp2pOptions configures the gossipsub federation backend.
type Libp2pOptions struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
	Buffer          int
	Logger          zerolog.Logger
}

// Libp2pPubSub federates hub nodes over gossipsub.
type Libp2pPubSub struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
	buffer int

	host host.Host
	ps   *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func NewLibp2pPubSub(parent context.Context, opts Libp2pOptions) (*Libp2pPubSub, error) {
	listenAddrs, err := parseMultiaddrs(opts.ListenAddrs)
	if err != nil {
		return nil, err
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr(defaultListenAddr)
		listenAddrs = append(listenAddrs, a)
	}

	hostOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		hostOpts = append(hostOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	buffer := opts.Buffer
	if buffer < 1 {
		buffer = defaultTopicBuffer
	}
	p := &Libp2pPubSub{
		ctx:    ctx,
		cancel: cancel,
		log:    opts.Logger.With().Str("component", "libp2p").Logger(),
		buffer: buffer,
		host:   h,
		ps:     ps,
		topics: make(map[string]*pubsub.Topic),
	}

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h, log: p.log})
		if err := service.Start(); err != nil {
			p.log.Warn().Err(err).Msg("mdns start failed")
		}
	}
	p.connectBootstrap(opts.Bootstrap)
	return p, nil
}

func (p *Libp2pPubSub) connectBootstrap(addrs []string) {
	for _, raw := range addrs {
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			p.log.Warn().Err(err).Str("addr", raw).Msg("skip bootstrap addr")
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			p.log.Warn().Err(err).Str("addr", raw).Msg("skip bootstrap addr")
			continue
		}
		if err := p.host.Connect(p.ctx, *info); err != nil {
			p.log.Warn().Err(err).Str("peer", info.ID.String()).Msg("bootstrap connect failed")
			continue
		}
		p.log.Info().Str("peer", info.ID.String()).Msg("connected bootstrap peer")
	}
}

func (p *Libp2pPubSub) Publish(topic string, payload []byte) error {
	t, err := p.joinTopic(topic)
	if err != nil {
		return err
	}
	return t.Publish(p.ctx, payload)
}

func (p *Libp2pPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	t, err := p.joinTopic(topic)
	if err != nil {
		return nil, nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Message, p.buffer)
	subCtx, subCancel := context.WithCancel(p.ctx)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			select {
			case out <- Message{Topic: topic, Payload: append([]byte(nil), msg.Data...)}:
			default:
				p.log.Warn().Str("topic", topic).Msg("federation subscriber buffer full, message dropped")
			}
		}
	}()

	cancel := func() {
		subCancel()
		sub.Cancel()
	}
	return out, cancel, nil
}

func (p *Libp2pPubSub) Close() error {
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		_ = t.Close()
	}
	return p.host.Close()
}

func (p *Libp2pPubSub) PeerID() string {
	return p.host.ID().String()
}

// Addrs returns dialable multiaddrs of this node, suitable as bootstrap
// entries for other hub nodes.
func (p *Libp2pPubSub) Addrs() []string {
	out := make([]string, 0, len(p.host.Addrs()))
	for _, addr := range p.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr, p.host.ID()))
	}
	return out
}

func (p *Libp2pPubSub) ConnectedPeers() []string {
	peers := p.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

func (p *Libp2pPubSub) joinTopic(name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t, err := p.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	p.topics[name] = t
	return t, nil
}

func parseMultiaddrs(raw []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

type mdnsNotifee struct {
	host host.Host
	log  zerolog.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.log.Debug().Err(err).Str("peer", info.ID.String()).Msg("mdns connect failed")
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
