// Package lsd implements Local Service Discovery: BT-SEARCH announcements
// sent and received over IPv4 multicast so peers on the same LAN can find
// each other without a tracker or DHT.
package lsd

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nvilla/bitpeer/discovery"
)

// MulticastAddr is the well-known LSD multicast group and port.
const MulticastAddr = "239.192.152.143:6771"

const announceInterval = 5 * time.Minute

// buildAnnounce formats a BT-SEARCH announce for infoHash/port, matching
// the wire format every BitTorrent client's LSD implementation sends.
func buildAnnounce(infoHash [20]byte, port int) []byte {
	var b strings.Builder
	b.WriteString("BT-SEARCH * HTTP/1.1\r\n")
	b.WriteString("Host: " + MulticastAddr + "\r\n")
	b.WriteString("Port: " + strconv.Itoa(port) + "\r\n")
	b.WriteString("Infohash: " + hex.EncodeToString(infoHash[:]) + "\r\n")
	b.WriteString("\r\n\r\n")
	return []byte(b.String())
}

// parseAnnounce extracts the info hash and port from a BT-SEARCH
// datagram, or an error if it isn't well formed.
func parseAnnounce(data []byte) (infoHash [20]byte, port int, err error) {
	r := bufio.NewScanner(strings.NewReader(string(data)))
	var gotHash, gotPort bool
	for r.Scan() {
		line := r.Text()
		switch {
		case strings.HasPrefix(line, "BT-SEARCH"):
		case strings.HasPrefix(strings.ToLower(line), "infohash:"):
			raw := strings.TrimSpace(line[len("Infohash:"):])
			decoded, derr := hex.DecodeString(raw)
			if derr != nil || len(decoded) != 20 {
				return infoHash, 0, fmt.Errorf("lsd: bad infohash %q", raw)
			}
			copy(infoHash[:], decoded)
			gotHash = true
		case strings.HasPrefix(strings.ToLower(line), "port:"):
			raw := strings.TrimSpace(line[len("Port:"):])
			p, perr := strconv.Atoi(raw)
			if perr != nil {
				return infoHash, 0, fmt.Errorf("lsd: bad port %q", raw)
			}
			port = p
			gotPort = true
		}
	}
	if !gotHash || !gotPort {
		return infoHash, 0, fmt.Errorf("lsd: announce missing Infohash or Port header")
	}
	return infoHash, port, nil
}

// Announcer periodically sends BT-SEARCH announcements for one info hash
// over the LSD multicast group.
type Announcer struct {
	infoHash [20]byte
	port     int
	conn     *net.UDPConn
	log      *logrus.Entry
}

// NewAnnouncer dials the LSD multicast group for sending.
func NewAnnouncer(infoHash [20]byte, port int) (*Announcer, error) {
	addr, err := net.ResolveUDPAddr("udp4", MulticastAddr)
	if err != nil {
		return nil, fmt.Errorf("lsd: resolve multicast addr: %w", err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("lsd: dial multicast: %w", err)
	}
	return &Announcer{
		infoHash: infoHash,
		port:     port,
		conn:     conn,
		log:      logrus.WithField("component", "lsd"),
	}, nil
}

// Run sends an announce immediately and then every announceInterval
// until ctx is cancelled.
func (a *Announcer) Run(ctx context.Context) {
	defer a.conn.Close()
	msg := buildAnnounce(a.infoHash, a.port)
	for {
		if _, err := a.conn.Write(msg); err != nil {
			a.log.WithError(err).Warn("lsd announce failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(announceInterval):
		}
	}
}

// Listener joins the LSD multicast group and dispatches incoming
// announcements to the Aggregator registered for their info hash.
type Listener struct {
	conn *net.UDPConn
	log  *logrus.Entry

	selfPort int

	mu       sync.Mutex
	watching map[[20]byte]*discovery.Aggregator
}

// NewListener joins the multicast group on all interfaces.
func NewListener(selfPort int) (*Listener, error) {
	addr, err := net.ResolveUDPAddr("udp4", MulticastAddr)
	if err != nil {
		return nil, fmt.Errorf("lsd: resolve multicast addr: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("lsd: listen multicast: %w", err)
	}
	return &Listener{
		conn:     conn,
		log:      logrus.WithField("component", "lsd"),
		selfPort: selfPort,
		watching: make(map[[20]byte]*discovery.Aggregator),
	}, nil
}

// Watch registers agg to receive peers announced for infoHash.
func (l *Listener) Watch(infoHash [20]byte, agg *discovery.Aggregator) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watching[infoHash] = agg
}

// Unwatch stops forwarding announcements for infoHash.
func (l *Listener) Unwatch(infoHash [20]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.watching, infoHash)
}

func (l *Listener) aggregatorFor(infoHash [20]byte) (*discovery.Aggregator, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	agg, ok := l.watching[infoHash]
	return agg, ok
}

// Run reads announcements until ctx is cancelled or the socket errors.
func (l *Listener) Run(ctx context.Context) {
	defer l.conn.Close()
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				l.log.WithError(err).Warn("lsd read failed")
				return
			}
		}
		infoHash, port, err := parseAnnounce(buf[:n])
		if err != nil {
			continue
		}
		if port == l.selfPort && addr.IP.IsLoopback() {
			continue
		}
		agg, ok := l.aggregatorFor(infoHash)
		if !ok {
			continue
		}
		agg.Feed(discovery.Endpoint{IP: addr.IP, Port: port}, "lsd")
	}
}
