// Package dht wraps anacrolix/dht/v2 behind the small surface the rest of
// this module needs: start a node, bootstrap it against the well-known
// routers, announce/get-peers for an info hash, and persist/reload the
// routing table across restarts.
package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	anacrolix "github.com/anacrolix/dht/v2"
	"github.com/sirupsen/logrus"

	"github.com/nvilla/bitpeer/discovery"
)

// DefaultPort is the UDP port the node listens on when 0 is requested.
const DefaultPort = 6881

// BootstrapNodes are the well-known DHT entry points used when no cached
// nodes are available.
var BootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

// Node runs one DHT server and offers Announce/StopAnnounce against it.
type Node struct {
	srv *anacrolix.Server
	log *logrus.Entry

	mu       sync.Mutex
	announce map[[20]byte]*anacrolix.Announce
}

// New binds a UDP socket on port (0 picks DefaultPort) and starts the
// underlying KRPC server. cacheFile, if non-empty, seeds the node's
// starting nodes from a previous SaveNodes call.
func New(port int, cacheFile string) (*Node, error) {
	if port == 0 {
		port = DefaultPort
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("dht: listen udp: %w", err)
	}

	cfg := anacrolix.NewDefaultServerConfig()
	cfg.Conn = conn
	cfg.StartingNodes = func() ([]anacrolix.Addr, error) {
		if cacheFile != "" {
			if addrs, err := loadCachedNodes(cacheFile); err == nil && len(addrs) > 0 {
				return addrs, nil
			}
		}
		return anacrolix.ResolveHostPorts(BootstrapNodes)
	}

	srv, err := anacrolix.NewServer(cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dht: new server: %w", err)
	}

	return &Node{
		srv:      srv,
		log:      logrus.WithField("component", "dht"),
		announce: make(map[[20]byte]*anacrolix.Announce),
	}, nil
}

// Bootstrap resolves the routing table against the configured starting
// nodes. It returns once the traversal completes or ctx is done.
func (n *Node) Bootstrap(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := n.srv.Bootstrap()
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("dht: bootstrap: %w", err)
		}
		return nil
	}
}

// Announce begins (or reuses) a get_peers/announce_peer traversal for
// infoHash and forwards discovered peers to agg until ctx is cancelled.
func (n *Node) Announce(ctx context.Context, infoHash [20]byte, port int, agg *discovery.Aggregator) error {
	a, err := n.srv.Announce(infoHash, port, true)
	if err != nil {
		return fmt.Errorf("dht: announce: %w", err)
	}
	n.mu.Lock()
	n.announce[infoHash] = a
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		a.Close()
	}()

	for v := range a.Peers {
		for _, p := range v.Peers {
			agg.Feed(discovery.Endpoint{IP: p.IP, Port: p.Port}, "dht")
		}
	}
	return nil
}

// StopAnnounce ends an in-progress Announce for infoHash, if any.
func (n *Node) StopAnnounce(infoHash [20]byte) {
	n.mu.Lock()
	a, ok := n.announce[infoHash]
	delete(n.announce, infoHash)
	n.mu.Unlock()
	if ok {
		a.Close()
	}
}

// Close shuts down the underlying server and releases its socket.
func (n *Node) Close() {
	n.srv.Close()
}

// Port reports the UDP port the node is bound to.
func (n *Node) Port() int {
	return n.srv.Addr().(*net.UDPAddr).Port
}

// --- node-cache persistence, adapted from a hand-rolled routing table
// dump into a thin layer over anacrolix's own NodeInfo type. ---

type cachedNode struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

type nodeCacheFile struct {
	Version int          `json:"version"`
	Saved   time.Time    `json:"saved"`
	Nodes   []cachedNode `json:"nodes"`
}

// SaveNodes writes the server's current routing table nodes to path as
// JSON, so the next New call can skip a cold bootstrap.
func (n *Node) SaveNodes(path string) error {
	nodes := n.srv.Nodes()
	if len(nodes) == 0 {
		return nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("dht: create cache dir: %w", err)
		}
	}

	file := nodeCacheFile{Version: 1, Saved: time.Now(), Nodes: make([]cachedNode, len(nodes))}
	for i, node := range nodes {
		file.Nodes[i] = cachedNode{ID: fmt.Sprintf("%x", node.ID), Addr: node.Addr.String()}
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("dht: marshal node cache: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// loadCachedNodes reads a node cache written by SaveNodes and resolves it
// into addresses the server can dial as starting nodes.
func loadCachedNodes(path string) ([]anacrolix.Addr, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file nodeCacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("dht: unmarshal node cache: %w", err)
	}

	addrs := make([]anacrolix.Addr, 0, len(file.Nodes))
	for _, cn := range file.Nodes {
		udpAddr, err := net.ResolveUDPAddr("udp", cn.Addr)
		if err != nil {
			continue
		}
		addrs = append(addrs, anacrolix.NewAddr(udpAddr))
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("dht: no usable nodes in cache %s", path)
	}
	return addrs, nil
}
