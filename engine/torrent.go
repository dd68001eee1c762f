package engine

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nvilla/bitpeer/bitfield"
	"github.com/nvilla/bitpeer/choke"
	"github.com/nvilla/bitpeer/discovery"
	"github.com/nvilla/bitpeer/discovery/dht"
	"github.com/nvilla/bitpeer/discovery/lsd"
	"github.com/nvilla/bitpeer/discovery/pex"
	"github.com/nvilla/bitpeer/discovery/tracker"
	"github.com/nvilla/bitpeer/metainfo"
	"github.com/nvilla/bitpeer/peerconn"
	"github.com/nvilla/bitpeer/picker"
	"github.com/nvilla/bitpeer/ratelimit"
	"github.com/nvilla/bitpeer/resume"
	"github.com/nvilla/bitpeer/storage"
	"github.com/nvilla/bitpeer/wire"
)

// blockSize is the standard request granularity (BEP 3): pieces are
// requested in 16 KiB blocks regardless of piece length.
const blockSize = 16 * 1024

// maxBlockRequestLength bounds an inbound request; a peer asking for
// more is flooding or buggy, not a legitimate client (spec §7's
// "Oversized" error kind).
const maxBlockRequestLength = 32 * 1024

// ourPexExtID is the extension-message ID we advertise for ut_pex in our
// own BEP 10 handshake; peers send ut_pex messages back to us tagged
// with this ID.
const ourPexExtID = 1

const blockRequestTimeout = 60 * time.Second
const maxBlockTimeouts = 3

// Deps bundles the process-wide collaborators an Engine hands every
// Torrent it creates, so Torrent itself never reaches back into Engine.
type Deps struct {
	PeerID     [20]byte
	Settings   Settings
	ListenPort int
	GlobalRate *ratelimit.Pair
	DHT        *dht.Node     // nil disables DHT announce for this torrent
	LSD        *lsd.Listener // nil disables local service discovery
	SelfIPs    []net.IP
}

// peerSession wraps one active connection with the extension-protocol
// and PEX bookkeeping that is per-peer, not part of peerconn's own
// wire-level state machine.
type peerSession struct {
	sess       *peerconn.Session
	pexTracker *pex.Tracker
	theirPexID uint8 // 0 until their handshake advertises ut_pex
}

type blockKey struct{ piece, offset uint32 }

// requestState tracks one outstanding block request the pipeline issued,
// independent of peerconn.Session's own bookkeeping, so a timeout can
// reassign the block to a different peer.
type requestState struct {
	addr     string
	deadline time.Time
	timeouts int
}

// pieceAssembly buffers blocks for one in-progress piece until every
// block has arrived, at which point the whole piece is handed to
// storage for hashing and write.
type pieceAssembly struct {
	buf      []byte
	received *bitfield.Bitfield // one bit per block
}

func numBlocks(pieceLen int64) int {
	n := int(pieceLen / blockSize)
	if int64(n)*blockSize < pieceLen {
		n++
	}
	return n
}

// Torrent is one swarm's worth of state: metadata, storage, piece
// selection, discovery, and the set of live peer sessions. Grounded on
// the teacher's downloadPiecesWithContext (torrent/client.go), pulled
// apart into a long-lived object with start/pause/stop instead of a
// single blocking call, and extended with upload (OnRequest/SendPiece)
// since the teacher only ever leeches.
type Torrent struct {
	infoHash [20]byte
	info     *metainfo.Info
	store    *storage.Storage
	pick     *picker.Picker
	rate     *ratelimit.Pair
	global   *ratelimit.Pair
	agg      *discovery.Aggregator
	trackers *tracker.Manager
	dhtNode  *dht.Node
	lsdList  *lsd.Listener
	choke    *choke.Manager
	settings Settings
	peerID   [20]byte
	listenPort int

	record    *resume.Record
	statePath string

	mu         sync.Mutex
	sessions   map[string]*peerSession
	halfOpen   int
	status     Status
	lastErr    string
	uploaded   int64
	downloaded int64
	pieces     map[int]*pieceAssembly
	requests   map[blockKey]*requestState
	completed  *bitfield.Bitfield
	piecesSinceCheckpoint int
	filePriority map[int]int // fileIndex -> priority; absent means default (wanted)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *logrus.Entry
}

// NewTorrent builds a Torrent ready for Start. rec is the resume record
// to seed already-verified pieces from (nil for a brand new torrent).
func NewTorrent(info *metainfo.Info, downloadPath string, deps Deps, rec *resume.Record, statePath string) (*Torrent, error) {
	store := storage.New(info, downloadPath)
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("engine: init storage for %s: %w", info.Name, err)
	}

	completed := bitfield.New(info.PieceCount)
	if rec != nil {
		if bf, err := rec.Bitfield(); err == nil {
			completed = bf
		}
	}
	pk := picker.New(info.PieceCount, completed)

	priorities := map[int]int{}
	if rec != nil {
		for i, fs := range rec.Files {
			priorities[i] = fs.Priority
		}
	}

	trackers := tracker.NewManager(flattenTrackers(info.Trackers), info.InfoHash, deps.PeerID, deps.Settings.TrackerHeaders, deps.Settings.TrackerCookies)
	agg := discovery.New(deps.ListenPort, deps.SelfIPs)

	t := &Torrent{
		infoHash:   info.InfoHash,
		info:       info,
		store:      store,
		pick:       pk,
		rate:       ratelimit.NewPair(0, 0),
		global:     deps.GlobalRate,
		agg:        agg,
		trackers:   trackers,
		dhtNode:    deps.DHT,
		lsdList:    deps.LSD,
		settings:   deps.Settings,
		peerID:     deps.PeerID,
		listenPort: deps.ListenPort,
		record:     rec,
		statePath:  statePath,
		sessions:   map[string]*peerSession{},
		pieces:     map[int]*pieceAssembly{},
		requests:   map[blockKey]*requestState{},
		completed:  completed,
		filePriority: priorities,
		status:     StatusQueued,
		log:        logrus.WithField("component", "torrent").WithField("info_hash", fmt.Sprintf("%x", info.InfoHash)),
	}
	t.choke = choke.New(t.chokeCandidates, t.chokeRate)
	return t, nil
}

func flattenTrackers(tiers [][]string) []*url.URL {
	var out []*url.URL
	for _, tier := range tiers {
		for _, raw := range tier {
			if u, err := url.Parse(raw); err == nil {
				out = append(out, u)
			}
		}
	}
	return out
}

// Name returns the torrent's display name (from metainfo).
func (t *Torrent) Name() string { return t.info.Name }

// InfoHash returns the torrent's 20-byte SHA-1 info-hash.
func (t *Torrent) InfoHash() [20]byte { return t.infoHash }

// NumPieces returns the torrent's total piece count, used by the
// engine's inbound dispatcher to size a freshly attached session's
// remote bitfield.
func (t *Torrent) NumPieces() int { return t.info.PieceCount }

// DownloadRoot returns the filesystem root storage writes into, so the
// engine can remove it when a torrent is deleted along with its data.
func (t *Torrent) DownloadRoot() string { return t.store.Root() }

// Start launches discovery, the choke manager and the request pipeline.
// It does not block.
func (t *Torrent) Start(parent context.Context) {
	t.mu.Lock()
	if t.ctx != nil {
		t.mu.Unlock()
		return // already running
	}
	t.ctx, t.cancel = context.WithCancel(parent)
	ctx := t.ctx
	if t.pick.AllComplete() {
		t.status = StatusSeeding
	} else {
		t.status = StatusDownloading
	}
	t.mu.Unlock()

	t.wg.Add(1)
	go func() { defer t.wg.Done(); t.trackers.Run(ctx, t.listenPort, t.bytesLeft, t.agg) }()

	if t.dhtNode != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.dhtNode.Announce(ctx, t.infoHash, t.listenPort, t.agg); err != nil {
				t.log.WithError(err).Warn("dht announce failed")
			}
		}()
	}
	if t.lsdList != nil {
		t.lsdList.Watch(t.infoHash, t.agg)
		if ann, err := lsd.NewAnnouncer(t.infoHash, t.listenPort); err == nil {
			t.wg.Add(1)
			go func() { defer t.wg.Done(); ann.Run(ctx) }()
		}
	}

	t.wg.Add(1)
	go func() { defer t.wg.Done(); t.choke.Run(ctx) }()

	t.wg.Add(1)
	go func() { defer t.wg.Done(); t.runPipeline(ctx) }()
}

// Pause stops all activity and closes sessions without announcing
// "stopped" to trackers (spec: Pause is resumable, Stop is not).
func (t *Torrent) Pause() {
	t.stopInternal(StatusPaused, false)
}

// Stop announces "stopped" to trackers (best effort, capped at 2s) and
// tears everything down.
func (t *Torrent) Stop() {
	t.stopInternal(StatusStopped, true)
}

func (t *Torrent) stopInternal(final Status, announceStop bool) {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	prevCtx := t.ctx
	t.ctx = nil
	sessions := make([]*peerSession, 0, len(t.sessions))
	for _, ps := range t.sessions {
		sessions = append(sessions, ps)
	}
	t.status = final
	t.mu.Unlock()

	if announceStop && prevCtx != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		t.trackers.AnnounceStopped(stopCtx, t.listenPort, t.bytesLeft())
		stopCancel()
	}

	for _, ps := range sessions {
		ps.sess.Close(nil)
	}
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()

	if t.record != nil {
		t.mu.Lock()
		t.record.SetBitfield(t.completed)
		t.record.DownloadedBytes = t.downloaded
		t.record.UploadedBytes = t.uploaded
		t.mu.Unlock()
		t.checkpoint()
	}
}

// SetRateLimit updates this torrent's own download/upload token buckets
// (spec §4.11's set_rate_limits(id, down, up)), independent of the
// engine-wide global budget every torrent also draws from.
func (t *Torrent) SetRateLimit(downloadBps, uploadBps float64) {
	t.rate.SetRates(downloadBps, uploadBps)
}

// SetFilePriority records a user-chosen priority for one file (spec
// §4.6's file-priority coupling: picker.Unselected==0 skips a piece
// entirely, Low/Normal/High bias rarest-first selection among the
// pieces still wanted) and recomputes every overlapping piece's
// priority as the max among its files, since a piece can straddle a
// skipped file and a wanted one. Persisted into the resume record on
// the next checkpoint.
func (t *Torrent) SetFilePriority(fileIndex, priority int) error {
	if fileIndex < 0 || fileIndex >= len(t.info.Files) {
		return fmt.Errorf("engine: file index %d out of range", fileIndex)
	}
	if priority < int(picker.Unselected) || priority > int(picker.High) {
		return fmt.Errorf("engine: priority %d out of range", priority)
	}

	t.mu.Lock()
	t.filePriority[fileIndex] = priority
	if t.record != nil {
		for len(t.record.Files) <= fileIndex {
			t.record.Files = append(t.record.Files, resume.FileState{Priority: int(picker.Normal)})
		}
		t.record.Files[fileIndex].Priority = priority
		t.record.Files[fileIndex].Path = t.info.Files[fileIndex].Path
		t.record.Files[fileIndex].Selected = priority > int(picker.Unselected)
	}
	filePriority := make(map[int]int, len(t.filePriority))
	for k, v := range t.filePriority {
		filePriority[k] = v
	}
	file := t.info.Files[fileIndex]
	pieceCount := t.info.PieceCount
	info := t.info
	t.mu.Unlock()

	firstPiece := int(file.Offset / info.PieceLength)
	lastPiece := int((file.Offset + file.Length - 1) / info.PieceLength)
	if file.Length == 0 {
		return nil
	}
	for idx := firstPiece; idx <= lastPiece && idx < pieceCount; idx++ {
		t.pick.SetPriority(idx, maxOverlapPriority(info.FilesForPiece(idx), filePriority))
	}
	return nil
}

// maxOverlapPriority is the highest priority among every file slice
// overlapping a piece, defaulting an unconfigured file to Normal.
func maxOverlapPriority(slices []metainfo.FileSlice, filePriority map[int]int) picker.Priority {
	best := picker.Unselected
	for _, slice := range slices {
		pr, ok := filePriority[slice.FileIndex]
		if !ok {
			pr = int(picker.Normal)
		}
		if picker.Priority(pr) > best {
			best = picker.Priority(pr)
		}
	}
	return best
}

// pieceWanted reports whether piece idx has at least one byte belonging
// to a file whose priority has not been set to 0 (skip).
func (t *Torrent) pieceWanted(idx int) bool {
	if len(t.filePriority) == 0 {
		return true
	}
	for _, slice := range t.info.FilesForPiece(idx) {
		if pr, ok := t.filePriority[slice.FileIndex]; !ok || pr != 0 {
			return true
		}
	}
	return false
}

// bytesLeft reports bytes remaining to complete the torrent, the BEP 3
// tracker announce parameter.
func (t *Torrent) bytesLeft() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := t.info.TotalLength - t.downloaded
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Snapshot reports the torrent's current observable state (spec §4.11).
func (t *Torrent) Snapshot() TorrentSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	connected, active := 0, 0
	var downBps, upBps float64
	for _, ps := range t.sessions {
		connected++
		if ps.sess.State() == peerconn.Active {
			active++
		}
		downBps += ps.sess.DownloadRate()
		upBps += ps.sess.UploadRate()
	}

	total := t.info.TotalLength
	progress := 0.0
	if total > 0 {
		progress = float64(t.downloaded) / float64(total)
		if progress > 1 {
			progress = 1
		}
	}

	return TorrentSnapshot{
		ID:             fmt.Sprintf("%x", t.infoHash),
		Name:           t.info.Name,
		Status:         t.status,
		Progress:       progress,
		Downloaded:     t.downloaded,
		Uploaded:       t.uploaded,
		DownBps:        downBps,
		UpBps:          upBps,
		PeersTotal:     t.agg.Count(),
		PeersConnected: connected,
		PeersActive:    active,
		LastError:      t.lastErr,
	}
}

// AddSession registers an already-handshaked connection (inbound from
// the engine's dispatcher, or outbound dialed by the pipeline) and
// starts running it.
func (t *Torrent) AddSession(sess *peerconn.Session) {
	ps := &peerSession{sess: sess, pexTracker: pex.NewTracker()}
	t.mu.Lock()
	ctx := t.ctx
	if ctx != nil {
		t.sessions[sess.ID()] = ps
	}
	t.mu.Unlock()
	if ctx == nil {
		sess.Close(fmt.Errorf("engine: torrent not running"))
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		sess.SendBitfield(t.completedBitfieldBytes())
		sess.SendExtended(wire.NewExtended(0, wire.ExtendedHandshakeDict(map[string]uint8{pex.ExtensionName: ourPexExtID}), nil))
		sess.Run(ctx, t)
	}()
}

func (t *Torrent) completedBitfieldBytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed.Bytes()
}

func (t *Torrent) removeSession(sess *peerconn.Session, err error) {
	t.mu.Lock()
	delete(t.sessions, sess.ID())
	if bf := sess.RemoteBitfield(); bf != nil {
		t.pick.UnregisterPeer(bf)
	}
	for k, rs := range t.requests {
		if rs.addr == sess.ID() {
			delete(t.requests, k)
			t.pick.UnmarkDownloading(int(k.piece))
		}
	}
	t.mu.Unlock()
	if err != nil {
		t.log.WithError(err).WithField("peer", sess.ID()).Debug("session closed")
	}
}

// chokeCandidates and chokeRate feed the choke.Manager; *peerconn.Session
// satisfies choke.Peer directly so no adapter type is needed.
func (t *Torrent) chokeCandidates() []choke.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]choke.Peer, 0, len(t.sessions))
	for _, ps := range t.sessions {
		out = append(out, ps.sess)
	}
	return out
}

func (t *Torrent) chokeRate(p choke.Peer) float64 {
	sess, ok := p.(*peerconn.Session)
	if !ok {
		return 0
	}
	if t.pick.AllComplete() {
		return sess.UploadRate() // seeding: rank by what we send them
	}
	return sess.DownloadRate() // leeching: rank by what they send us
}

// --- peerconn.Handler ---

func (t *Torrent) OnHave(s *peerconn.Session, index uint32) {
	t.pick.UpdateAvailability(int(index))
}

func (t *Torrent) OnBitfield(s *peerconn.Session, bf *bitfield.Bitfield) {
	t.pick.RegisterPeer(bf)
}

func (t *Torrent) OnRequest(s *peerconn.Session, req wire.BlockRequest) {
	go t.serveRequest(s, req)
}

func (t *Torrent) OnCancel(s *peerconn.Session, req wire.BlockRequest) {}

func (t *Torrent) OnPort(s *peerconn.Session, dhtPort uint16) {
	// The DHT port message only advertises the peer's DHT listen port;
	// our dht.Node wrapper has no exposed "add candidate node" call, so
	// there is nothing further to do with it beyond the log record.
	t.log.WithField("peer", s.ID()).WithField("dht_port", dhtPort).Debug("peer advertised dht port")
}

func (t *Torrent) OnExtended(s *peerconn.Session, msg wire.ExtendedMessage) {
	t.mu.Lock()
	ps := t.sessions[s.ID()]
	t.mu.Unlock()
	if ps == nil {
		return
	}

	if msg.ExtID == 0 {
		supported, err := wire.ParseExtendedHandshake(msg.Dict)
		if err != nil {
			return
		}
		if id, ok := supported[pex.ExtensionName]; ok {
			ps.theirPexID = id
		}
		return
	}
	if msg.ExtID != ourPexExtID {
		return
	}
	pmsg, err := pex.Decode(msg.Dict)
	if err != nil {
		return
	}
	pex.Apply(pmsg, t.agg)
}

func (t *Torrent) OnPiece(s *peerconn.Session, block wire.Block) {
	t.handleBlock(s, block)
}

func (t *Torrent) OnClosed(s *peerconn.Session, err error) {
	t.removeSession(s, err)
}

// serveRequest fulfils one inbound block request, subject to the
// process-wide and per-torrent upload rate limits.
func (t *Torrent) serveRequest(s *peerconn.Session, req wire.BlockRequest) {
	if req.Length == 0 || req.Length > maxBlockRequestLength {
		s.Close(fmt.Errorf("engine: oversized request for %d bytes", req.Length))
		return
	}
	if t.global != nil && !t.global.Upload.TryConsume(float64(req.Length)) {
		return
	}
	if !t.rate.Upload.TryConsume(float64(req.Length)) {
		return
	}
	data, ok := t.store.ReadPiece(int(req.Piece))
	if !ok || uint64(req.Offset)+uint64(req.Length) > uint64(len(data)) {
		return
	}
	if s.SendPiece(req.Piece, req.Offset, data[req.Offset:req.Offset+req.Length]) {
		t.mu.Lock()
		t.uploaded += int64(req.Length)
		t.mu.Unlock()
	}
}
