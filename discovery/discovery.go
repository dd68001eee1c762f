// Package discovery aggregates peer endpoints surfaced by trackers, DHT,
// PEX and LSD into one deduplicated queue. Grounded on the teacher's
// PeerCollector/QueryTrackers pattern in tracker.go (a seen-set keyed
// map plus an append-only result slice), generalized from a one-shot
// tracker-only collection into a long-lived process-global dedup set
// fed by four concurrent sources.
package discovery

import (
	"net"
	"strconv"
	"sync"
)

// Endpoint is one candidate peer address, tagged with the source that
// surfaced it (for logging/diagnostics only; selection never depends on
// source).
type Endpoint struct {
	IP     net.IP
	Port   int
	Source string
}

func (e Endpoint) key() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

func (e Endpoint) String() string { return e.key() }

// Aggregator deduplicates endpoints from multiple concurrent sources by
// (ip, port) and filters out our own listen address (spec §4.9's
// self-peer filter), forwarding first-seen endpoints on Endpoints().
type Aggregator struct {
	mu   sync.Mutex
	seen map[string]bool

	selfPort int
	selfIPs  map[string]bool

	out chan Endpoint
}

// New builds an Aggregator. selfPort is our incoming-listener port and
// selfIPs our own local addresses; an endpoint matching both is a
// self-peer and is discarded rather than forwarded.
func New(selfPort int, selfIPs []net.IP) *Aggregator {
	ips := make(map[string]bool, len(selfIPs))
	for _, ip := range selfIPs {
		ips[ip.String()] = true
	}
	return &Aggregator{
		seen:     map[string]bool{},
		selfPort: selfPort,
		selfIPs:  ips,
		out:      make(chan Endpoint, 256),
	}
}

// Feed offers an endpoint discovered by source. It is dropped silently if
// already seen or if it is a self-peer; otherwise it is forwarded on
// Endpoints(). Feed never blocks: if the output buffer is full the
// endpoint is dropped (the pipeline already has more candidates than it
// can use).
func (a *Aggregator) Feed(ep Endpoint, source string) {
	ep.Source = source
	if a.selfIPs[ep.IP.String()] && ep.Port == a.selfPort {
		return
	}
	k := ep.key()

	a.mu.Lock()
	if a.seen[k] {
		a.mu.Unlock()
		return
	}
	a.seen[k] = true
	a.mu.Unlock()

	select {
	case a.out <- ep:
	default:
	}
}

// Endpoints returns the channel of newly discovered, deduplicated
// endpoints.
func (a *Aggregator) Endpoints() <-chan Endpoint { return a.out }

// Reset clears the dedup set, letting previously-seen endpoints be
// re-surfaced. Used when a torrent is paused and resumed, or when the
// connection pool has shrunk and stale endpoints are worth retrying.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = map[string]bool{}
}

// Count reports how many distinct endpoints have been seen since the
// last Reset.
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}
