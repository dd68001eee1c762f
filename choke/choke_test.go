package choke

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id         string
	interested bool
	rate       float64
	choked     bool
}

func (p *fakePeer) ID() string         { return p.id }
func (p *fakePeer) Interested() bool   { return p.interested }
func (p *fakePeer) Unchoke()           { p.choked = false }
func (p *fakePeer) Choke()             { p.choked = true }

func newPeers(n int) []*fakePeer {
	peers := make([]*fakePeer, n)
	for i := range peers {
		peers[i] = &fakePeer{id: string(rune('a' + i)), interested: true, choked: true}
	}
	return peers
}

func asInterface(peers []*fakePeer) []Peer {
	out := make([]Peer, len(peers))
	for i, p := range peers {
		out[i] = p
	}
	return out
}

func TestTickRegularUnchokesTopKByRate(t *testing.T) {
	peers := newPeers(6)
	rates := map[string]float64{"a": 1, "b": 5, "c": 3, "d": 4, "e": 2, "f": 6}
	for _, p := range peers {
		p.rate = rates[p.id]
	}
	m := New(func() []Peer { return asInterface(peers) }, func(p Peer) float64 {
		return p.(*fakePeer).rate
	})
	m.tickRegular()

	unchokedIDs := map[string]bool{}
	for _, p := range peers {
		if !p.choked {
			unchokedIDs[p.id] = true
		}
	}
	// top 4 by rate: f(6), b(5), d(4), c(3)
	for _, want := range []string{"f", "b", "d", "c"} {
		assert.True(t, unchokedIDs[want], "expected %s unchoked", want)
	}
	assert.Len(t, unchokedIDs, defaultRegularSlots)
}

func TestTickRegularChokesNonTopK(t *testing.T) {
	peers := newPeers(6)
	rates := map[string]float64{"a": 1, "b": 5, "c": 3, "d": 4, "e": 2, "f": 6}
	for _, p := range peers {
		p.rate = rates[p.id]
	}
	m := New(func() []Peer { return asInterface(peers) }, func(p Peer) float64 { return p.(*fakePeer).rate })
	m.tickRegular()

	for _, p := range peers {
		if p.id == "a" || p.id == "e" {
			assert.True(t, p.choked, "peer %s should remain choked", p.id)
		}
	}
}

func TestTickOptimisticPicksFromNotAlreadyUnchoked(t *testing.T) {
	peers := newPeers(3)
	m := New(func() []Peer { return asInterface(peers) }, func(p Peer) float64 { return 0 })
	m.tickRegular() // all rate 0 and slots=4 >= 3 peers, so all three are unchoked
	for _, p := range peers {
		assert.False(t, p.choked)
	}

	m.tickOptimistic() // no candidates left, must not panic
	for _, p := range peers {
		assert.False(t, p.choked)
	}
}

func TestNonInterestedPeersNeverUnchoked(t *testing.T) {
	peers := newPeers(2)
	peers[0].interested = false
	m := New(func() []Peer { return asInterface(peers) }, func(p Peer) float64 { return 1 })
	m.tickRegular()
	assert.True(t, peers[0].choked)
	assert.False(t, peers[1].choked)
}

func TestApplyIsStableAcrossRepeatedTicks(t *testing.T) {
	peers := newPeers(1)
	peers[0].rate = 1
	m := New(func() []Peer { return asInterface(peers) }, func(p Peer) float64 { return p.(*fakePeer).rate })
	m.tickRegular()
	require.False(t, peers[0].choked)

	peers[0].rate = 2
	m.tickRegular()
	assert.False(t, peers[0].choked)
}
