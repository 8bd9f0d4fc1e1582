// Package p2p runs the libp2p host the two swap parties exchange contract
// proposals over. No discovery layer: counterparties dial each other directly
// by multiaddr, the way swap terms are negotiated out of band anyway.
package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/atomicmesh/atomicmesh/pkg/logging"
)

// Node wraps the libp2p host.
type Node struct {
	host host.Host
	log  *logging.Logger
}

// Config configures the p2p node.
type Config struct {
	// ListenAddrs are multiaddrs to listen on.
	ListenAddrs []string

	// DataDir holds the persisted identity key.
	DataDir string
}

// NewNode creates and starts a libp2p host.
func NewNode(cfg *Config, log *logging.Logger) (*Node, error) {
	if log == nil {
		log = logging.Default()
	}

	privKey, err := loadOrCreateKey(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity key: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	node := &Node{
		host: h,
		log:  log.Component("p2p"),
	}
	node.log.Info("p2p node started", "id", h.ID(), "addrs", h.Addrs())
	return node, nil
}

// Host returns the underlying libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// ID returns the node's peer ID.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Connect dials a peer given its full multiaddr (including /p2p/<id>).
func (n *Node) Connect(ctx context.Context, addr string) (peer.ID, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("invalid peer address %s: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return "", fmt.Errorf("address %s has no peer ID: %w", addr, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := n.host.Connect(ctx, *info); err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", info.ID, err)
	}
	n.log.Info("connected to peer", "id", info.ID)
	return info.ID, nil
}

// Close shuts the host down.
func (n *Node) Close() error {
	return n.host.Close()
}

// loadOrCreateKey loads the node identity from disk, generating one on first
// run.
func loadOrCreateKey(dataDir string) (crypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "p2p_key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	keyBytes, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, keyBytes, 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist key: %w", err)
	}
	return privKey, nil
}
