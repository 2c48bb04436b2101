// Package p2p keeps the network transport at arm's length from everything
// it carries: a TxRelay is the only contract the rest of the module
// depends on, and Node is the one libp2p-pubsub-backed implementation of
// it. No consensus, peer-scoring, or block-sync policy lives here — that
// functionality is explicitly out of scope; only the transport dependency
// is exercised.
package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"

	"github.com/ccoin/zkvm-core/pkg/types"
)

// ProtocolID and TransactionTopic identify this module's gossipsub
// presence; there is deliberately no block or task topic, since block
// relay policy belongs to a layer this module doesn't implement.
const (
	ProtocolID       = "/zkvm-core/1.0.0"
	TransactionTopic = "zkvm/transactions"

	discoveryRendezvous = "zkvm-core-network"
)

// TxRelay is the transport boundary the rest of the module depends on: it
// can broadcast an encoded transaction and hand back a channel of ones
// received from peers. Nothing about mempool admission, validation, or
// rebroadcast policy is implied by this interface.
type TxRelay interface {
	Broadcast(ctx context.Context, tx *types.Tx) error
	Subscribe(ctx context.Context) (<-chan *types.Tx, error)
	Close() error
}

// Node is a libp2p-pubsub TxRelay: one gossipsub topic, DHT-based peer
// discovery, and optional local mDNS discovery — the same transport
// machinery that would back any topic, just with exactly one joined here.
type Node struct {
	mu sync.RWMutex

	host      host.Host
	dht       *dht.IpfsDHT
	pubsub    *pubsub.PubSub
	discovery *drouting.RoutingDiscovery

	txTopic *pubsub.Topic
	txSub   *pubsub.Subscription

	peers    map[peer.ID]*PeerInfo
	maxPeers int

	ctx    context.Context
	cancel context.CancelFunc
}

// PeerInfo holds information about a connected peer.
type PeerInfo struct {
	ID          peer.ID
	Addrs       []multiaddr.Multiaddr
	ConnectedAt time.Time
	LastSeen    time.Time
}

// Config holds P2P node configuration.
type Config struct {
	ListenAddrs    []string
	BootstrapPeers []string
	PrivateKey     crypto.PrivKey
	MaxPeers       int
	EnableMDNS     bool
}

// DefaultConfig returns default P2P configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/9000"},
		MaxPeers:    50,
		EnableMDNS:  true,
	}
}

// NewNode creates a new P2P node and joins the transaction topic.
func NewNode(ctx context.Context, cfg *Config) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	nodeCtx, cancel := context.WithCancel(ctx)

	privKey := cfg.PrivateKey
	if privKey == nil {
		var err error
		privKey, _, err = crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("p2p: generate key: %w", err)
		}
	}

	listenAddrs := make([]multiaddr.Multiaddr, len(cfg.ListenAddrs))
	for i, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("p2p: invalid listen address: %w", err)
		}
		listenAddrs[i] = ma
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.EnableNATService(),
		libp2p.EnableRelay(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	kadDHT, err := dht.New(nodeCtx, h, dht.Mode(dht.ModeAuto))
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("p2p: create DHT: %w", err)
	}

	ps, err := pubsub.NewGossipSub(nodeCtx, h)
	if err != nil {
		kadDHT.Close()
		h.Close()
		cancel()
		return nil, fmt.Errorf("p2p: create pubsub: %w", err)
	}

	n := &Node{
		host:     h,
		dht:      kadDHT,
		pubsub:   ps,
		peers:    make(map[peer.ID]*PeerInfo),
		maxPeers: cfg.MaxPeers,
		ctx:      nodeCtx,
		cancel:   cancel,
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    n.onPeerConnected,
		DisconnectedF: n.onPeerDisconnected,
	})

	if err := kadDHT.Bootstrap(nodeCtx); err != nil {
		n.Close()
		return nil, fmt.Errorf("p2p: bootstrap DHT: %w", err)
	}
	for _, addr := range cfg.BootstrapPeers {
		if err := n.connectToPeer(addr); err != nil {
			fmt.Printf("p2p: bootstrap peer %s unreachable: %v\n", addr, err)
		}
	}
	if cfg.EnableMDNS {
		if err := n.setupMDNS(); err != nil {
			fmt.Printf("p2p: mDNS setup failed: %v\n", err)
		}
	}
	n.discovery = drouting.NewRoutingDiscovery(kadDHT)

	n.txTopic, err = n.pubsub.Join(TransactionTopic)
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("p2p: join transaction topic: %w", err)
	}
	n.txSub, err = n.txTopic.Subscribe()
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("p2p: subscribe to transactions: %w", err)
	}

	go n.maintainPeers()

	return n, nil
}

// Broadcast publishes tx's wire encoding to the transaction topic.
func (n *Node) Broadcast(ctx context.Context, tx *types.Tx) error {
	return n.txTopic.Publish(ctx, tx.Encode())
}

// Subscribe returns a channel of transactions received from peers,
// decoded from the wire format; malformed payloads are dropped silently
// since a relay has no way to blame a specific peer for them without a
// scoring policy this module doesn't implement.
func (n *Node) Subscribe(ctx context.Context) (<-chan *types.Tx, error) {
	out := make(chan *types.Tx, 64)
	go func() {
		defer close(out)
		for {
			msg, err := n.txSub.Next(ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == n.host.ID() {
				continue
			}
			n.touchPeer(msg.ReceivedFrom)

			tx, err := types.Decode(msg.Data)
			if err != nil {
				continue
			}
			select {
			case out <- tx:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (n *Node) touchPeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, exists := n.peers[id]; exists {
		p.LastSeen = time.Now()
	}
}

// maintainPeers periodically discovers new peers via DHT and prunes
// connections that have gone quiet.
func (n *Node) maintainPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.discoverPeers()
			n.pruneStale()
		}
	}
}

func (n *Node) discoverPeers() {
	n.mu.RLock()
	full := len(n.peers) >= n.maxPeers
	n.mu.RUnlock()
	if full {
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	peerChan, err := n.discovery.FindPeers(ctx, discoveryRendezvous)
	if err != nil {
		return
	}
	for p := range peerChan {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		n.mu.RLock()
		_, exists := n.peers[p.ID]
		room := len(n.peers) < n.maxPeers
		n.mu.RUnlock()
		if !exists && room {
			if err := n.host.Connect(ctx, p); err == nil {
				n.addPeer(p.ID, p.Addrs)
			}
		}
	}
}

func (n *Node) pruneStale() {
	n.mu.Lock()
	defer n.mu.Unlock()

	staleThreshold := time.Now().Add(-5 * time.Minute)
	for id, p := range n.peers {
		if p.LastSeen.Before(staleThreshold) {
			n.host.Network().ClosePeer(id)
			delete(n.peers, id)
		}
	}
}

func (n *Node) connectToPeer(addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	peerInfo, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()
	if err := n.host.Connect(ctx, *peerInfo); err != nil {
		return err
	}
	n.addPeer(peerInfo.ID, peerInfo.Addrs)
	return nil
}

func (n *Node) addPeer(id peer.ID, addrs []multiaddr.Multiaddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[id] = &PeerInfo{ID: id, Addrs: addrs, ConnectedAt: time.Now(), LastSeen: time.Now()}
}

func (n *Node) onPeerConnected(_ network.Network, conn network.Conn) {
	n.addPeer(conn.RemotePeer(), []multiaddr.Multiaddr{conn.RemoteMultiaddr()})
}

func (n *Node) onPeerDisconnected(_ network.Network, conn network.Conn) {
	n.mu.Lock()
	delete(n.peers, conn.RemotePeer())
	n.mu.Unlock()
}

func (n *Node) setupMDNS() error {
	service := mdns.NewMdnsService(n.host, "zkvm-core-local", &mdnsNotifee{node: n})
	return service.Start()
}

type mdnsNotifee struct {
	node *Node
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.node.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(m.node.ctx, 5*time.Second)
	defer cancel()
	m.node.host.Connect(ctx, pi)
}

// ID returns the node's peer ID.
func (n *Node) ID() peer.ID { return n.host.ID() }

// Addrs returns the node's listen addresses.
func (n *Node) Addrs() []multiaddr.Multiaddr { return n.host.Addrs() }

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// Peers returns information about connected peers.
func (n *Node) Peers() []*PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	peers := make([]*PeerInfo, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	return peers
}

// Close shuts down the node.
func (n *Node) Close() error {
	n.cancel()
	if n.txSub != nil {
		n.txSub.Cancel()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	return n.host.Close()
}
