// Package choke implements the periodic choke/unchoke decision loop: a
// rate-ranked set of "regular" unchokes refreshed every 10 seconds, plus
// one random "optimistic" unchoke picked every 30 seconds; the next
// regular tick chokes the optimistic peer again unless it ranks among
// the regular slots. No
// teacher equivalent exists (the teacher never serves pieces); the
// decision algorithm follows spec §4.8 directly, run on the teacher's
// own ticker-loop idiom (dht/dht.go's bootstrapLoop: ticker + select on
// ctx.Done/shutdown).
package choke

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"
)

const (
	regularInterval    = 10 * time.Second
	optimisticInterval = 30 * time.Second
	defaultRegularSlots = 4
)

// Peer is the capability a choke Manager needs from a peer session: its
// identity, whether it is interested in us, its recent transfer rate
// (upload-to-us when leeching, download-from-us when seeding — the
// caller picks which via RateFunc), and hooks to apply the decision.
type Peer interface {
	ID() string
	Interested() bool
	Unchoke()
	Choke()
}

// RateFunc reports a peer's recent rate, used only for ranking.
type RateFunc func(Peer) float64

// Manager runs the periodic choke/unchoke algorithm over a dynamic peer
// set supplied by PeersFunc at each tick.
type Manager struct {
	peersFunc   func() []Peer
	rate        RateFunc
	regularSlots int

	mu        sync.Mutex
	unchoked  map[string]bool
	rng       *rand.Rand
}

// New builds a Manager. peersFunc is called at the start of every tick
// to get the current interested-peer set; rate ranks them.
func New(peersFunc func() []Peer, rate RateFunc) *Manager {
	return &Manager{
		peersFunc:    peersFunc,
		rate:         rate,
		regularSlots: defaultRegularSlots,
		unchoked:     map[string]bool{},
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run blocks, driving the regular and optimistic ticks until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	regular := time.NewTicker(regularInterval)
	defer regular.Stop()
	optimistic := time.NewTicker(optimisticInterval)
	defer optimistic.Stop()

	m.tickRegular()
	m.tickOptimistic()

	for {
		select {
		case <-ctx.Done():
			return
		case <-regular.C:
			m.tickRegular()
		case <-optimistic.C:
			m.tickOptimistic()
		}
	}
}

// tickRegular unchokes the top regularSlots interested peers by rate and
// chokes every other interested peer, per spec §4.8.
func (m *Manager) tickRegular() {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers := interestedPeers(m.peersFunc())
	sort.Slice(peers, func(i, j int) bool { return m.rate(peers[i]) > m.rate(peers[j]) })

	keep := map[string]bool{}
	for i := 0; i < len(peers) && i < m.regularSlots; i++ {
		keep[peers[i].ID()] = true
	}
	m.applyLocked(peers, keep)
}

// tickOptimistic additionally unchokes one random interested peer not
// already unchoked, without disturbing the regular set's choices.
func (m *Manager) tickOptimistic() {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers := interestedPeers(m.peersFunc())
	var candidates []Peer
	for _, p := range peers {
		if !m.unchoked[p.ID()] {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return
	}
	pick := candidates[m.rng.Intn(len(candidates))]
	pick.Unchoke()
	m.unchoked[pick.ID()] = true
}

// applyLocked reconciles m.unchoked against keep, calling Unchoke/Choke
// only on peers whose state actually changes. Caller must hold m.mu.
func (m *Manager) applyLocked(peers []Peer, keep map[string]bool) {
	byID := make(map[string]Peer, len(peers))
	for _, p := range peers {
		byID[p.ID()] = p
	}
	for id := range m.unchoked {
		if !keep[id] {
			if p, ok := byID[id]; ok {
				p.Choke()
			}
			delete(m.unchoked, id)
		}
	}
	for id := range keep {
		if !m.unchoked[id] {
			byID[id].Unchoke()
			m.unchoked[id] = true
		}
	}
}

func interestedPeers(peers []Peer) []Peer {
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if p.Interested() {
			out = append(out, p)
		}
	}
	return out
}
