// Package picker implements rarest-first piece selection with file-priority
// coupling and endgame duplication. Grounded on the bucket-of-sets design in
// torrent/piecequeue.go (buckets[availability] = set of pending piece
// indices, giving O(maxPeers) selection instead of O(numPieces)), extended
// with a priority dimension so the bucket key becomes (priority,
// availability) per spec §4.6's "file priority coupling".
package picker

import (
	"math/rand"
	"sync"
	"time"
)

// Priority tags a piece with the highest selection priority among the
// files it overlaps. Unselected excludes the piece entirely.
type Priority int

const (
	Unselected Priority = iota
	Low
	Normal
	High
)

// defaultEndgameThreshold is M from spec §4.6: once this few pieces remain
// missing, duplicate requests to different peers are allowed.
const defaultEndgameThreshold = 20

type bucketKey struct {
	priority     Priority
	availability int
}

// Picker tracks global piece availability and priority and answers
// pick_pieces queries. It does not itself send requests or know about
// peer connections; callers report piece events (peer connect/disconnect,
// have messages, verified writes) and call PickPieces to get candidates.
type Picker struct {
	mu sync.Mutex

	numPieces int
	priority  []Priority
	excluded  []bool
	avail     []int

	buckets map[bucketKey]map[int]bool

	inProgress map[int]bool
	completed  map[int]bool

	endgameThreshold int
	rng              *rand.Rand
}

// New builds a Picker for numPieces pieces, seeded with a bitfield of
// pieces already verified (e.g. from storage.VerifyExisting on resume).
// Every piece starts at Normal priority and zero availability.
func New(numPieces int, completed Bitfield) *Picker {
	p := &Picker{
		numPieces:        numPieces,
		priority:         make([]Priority, numPieces),
		excluded:         make([]bool, numPieces),
		avail:            make([]int, numPieces),
		buckets:          map[bucketKey]map[int]bool{},
		inProgress:       map[int]bool{},
		completed:        map[int]bool{},
		endgameThreshold: defaultEndgameThreshold,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for i := 0; i < numPieces; i++ {
		p.priority[i] = Normal
		if completed != nil && completed.Get(i) {
			p.completed[i] = true
			continue
		}
		p.addToBucketLocked(i)
	}
	return p
}

// Bitfield is the minimal capability New needs from a bitfield.Bitfield,
// kept as an interface so this package does not depend on bitfield's
// concrete type for something this narrow.
type Bitfield interface {
	Get(index int) bool
}

func (p *Picker) keyLocked(index int) bucketKey {
	return bucketKey{priority: p.priority[index], availability: p.avail[index]}
}

func (p *Picker) addToBucketLocked(index int) {
	if p.excluded[index] || p.completed[index] || p.inProgress[index] {
		return
	}
	k := p.keyLocked(index)
	b, ok := p.buckets[k]
	if !ok {
		b = map[int]bool{}
		p.buckets[k] = b
	}
	b[index] = true
}

func (p *Picker) removeFromBucketLocked(index int) {
	k := p.keyLocked(index)
	if b, ok := p.buckets[k]; ok {
		delete(b, index)
	}
}

// SetPriority updates a piece's selection priority, e.g. after a file
// priority change recomputes the max priority among its overlapping
// pieces. Unselected excludes the piece from PickPieces entirely until a
// later call raises it again.
func (p *Picker) SetPriority(index int, pr Priority) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= p.numPieces {
		return
	}
	p.removeFromBucketLocked(index)
	p.priority[index] = pr
	p.excluded[index] = pr == Unselected
	p.addToBucketLocked(index)
}

// RegisterPeer increments availability for every piece in bf, moving
// pending pieces to their new (priority, availability) bucket.
func (p *Picker) RegisterPeer(bf Bitfield) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.numPieces; i++ {
		if bf.Get(i) {
			p.bumpAvailabilityLocked(i, 1)
		}
	}
}

// UnregisterPeer decrements availability for every piece in bf, called
// when a session closes so availability reflects only connected peers.
func (p *Picker) UnregisterPeer(bf Bitfield) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.numPieces; i++ {
		if bf.Get(i) {
			p.bumpAvailabilityLocked(i, -1)
		}
	}
}

// UpdateAvailability increments availability for one piece, called when a
// peer sends a Have for it.
func (p *Picker) UpdateAvailability(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= p.numPieces {
		return
	}
	p.bumpAvailabilityLocked(index, 1)
}

func (p *Picker) bumpAvailabilityLocked(index int, delta int) {
	pending := !p.excluded[index] && !p.completed[index] && !p.inProgress[index]
	if pending {
		p.removeFromBucketLocked(index)
	}
	p.avail[index] += delta
	if p.avail[index] < 0 {
		p.avail[index] = 0
	}
	if pending {
		p.addToBucketLocked(index)
	}
}

// PickPieces returns up to n piece indices not in inFlight (the caller's
// own outstanding set, typically one session's) and not already verified,
// preferring higher priority then lower availability, with random
// tie-breaks. It does not mark anything itself; callers must call
// MarkDownloading/UnmarkDownloading to keep the picker's own bookkeeping
// in sync. During endgame (spec §4.6), candidates already being
// downloaded by other sessions are included too, enabling duplicate
// requests of the same block to different peers.
func (p *Picker) PickPieces(n int, inFlight map[int]bool) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 {
		return nil
	}

	out := make([]int, 0, n)
	out = p.collectFromBucketsLocked(out, n, inFlight)
	if len(out) < n && p.inEndgameLocked() {
		out = p.collectDuplicatesLocked(out, n, inFlight)
	}
	return out
}

func (p *Picker) collectFromBucketsLocked(out []int, n int, inFlight map[int]bool) []int {
	for pr := High; pr >= Low; pr-- {
		maxAvail := -1
		for k := range p.buckets {
			if k.priority == pr && k.availability > maxAvail {
				maxAvail = k.availability
			}
		}
		for avail := 1; avail <= maxAvail && len(out) < n; avail++ {
			b, ok := p.buckets[bucketKey{priority: pr, availability: avail}]
			if !ok || len(b) == 0 {
				continue
			}
			for _, idx := range shuffledKeys(b, p.rng) {
				if inFlight[idx] {
					continue
				}
				out = append(out, idx)
				if len(out) >= n {
					break
				}
			}
		}
	}
	return out
}

func (p *Picker) collectDuplicatesLocked(out []int, n int, inFlight map[int]bool) []int {
	already := make(map[int]bool, len(out))
	for _, idx := range out {
		already[idx] = true
	}
	candidates := make([]int, 0, len(p.inProgress))
	for idx := range p.inProgress {
		if !already[idx] && !inFlight[idx] {
			candidates = append(candidates, idx)
		}
	}
	p.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	for _, idx := range candidates {
		if len(out) >= n {
			break
		}
		out = append(out, idx)
	}
	return out
}

func shuffledKeys(m map[int]bool, rng *rand.Rand) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	return keys
}

// MarkDownloading removes a piece from the pending pool so future
// PickPieces calls (outside endgame) won't hand it to another session.
func (p *Picker) MarkDownloading(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= p.numPieces || p.completed[index] {
		return
	}
	p.removeFromBucketLocked(index)
	p.inProgress[index] = true
}

// UnmarkDownloading returns a piece to the pending pool, e.g. after a
// hash mismatch or a timed-out request with no remaining holder.
func (p *Picker) UnmarkDownloading(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= p.numPieces || p.completed[index] {
		return
	}
	delete(p.inProgress, index)
	p.addToBucketLocked(index)
}

// Complete marks a piece verified, removing it from all pending/
// in-progress bookkeeping permanently.
func (p *Picker) Complete(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= p.numPieces {
		return
	}
	p.removeFromBucketLocked(index)
	delete(p.inProgress, index)
	p.completed[index] = true
}

// InEndgame reports whether fewer than the endgame threshold pieces
// remain missing (selected, not completed).
func (p *Picker) InEndgame() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inEndgameLocked()
}

func (p *Picker) inEndgameLocked() bool {
	missing := 0
	for i := 0; i < p.numPieces; i++ {
		if p.excluded[i] || p.completed[i] {
			continue
		}
		missing++
		if missing >= p.endgameThreshold {
			return false
		}
	}
	return missing > 0
}

// SetEndgameThreshold overrides M (default 20), mainly for tests.
func (p *Picker) SetEndgameThreshold(m int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endgameThreshold = m
}

// AllComplete reports whether every selected piece has been verified.
func (p *Picker) AllComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.numPieces; i++ {
		if !p.excluded[i] && !p.completed[i] {
			return false
		}
	}
	return true
}

// Availability returns the current peer count for a piece, mainly for
// diagnostics and tests.
func (p *Picker) Availability(index int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= p.numPieces {
		return 0
	}
	return p.avail[index]
}
