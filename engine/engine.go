package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nvilla/bitpeer/discovery/dht"
	"github.com/nvilla/bitpeer/discovery/lsd"
	"github.com/nvilla/bitpeer/metainfo"
	"github.com/nvilla/bitpeer/peerconn"
	"github.com/nvilla/bitpeer/ratelimit"
	"github.com/nvilla/bitpeer/resume"
	"github.com/nvilla/bitpeer/wire"
)

// inboundHandshakeTimeout bounds how long the dispatcher waits for an
// inbound connection's handshake before giving up on it.
const inboundHandshakeTimeout = 10 * time.Second

// peerIDPrefix identifies this implementation in the Azureus-style peer
// ID convention, the way the teacher's clientID stamps "-GT0104-" ahead
// of random bytes.
const peerIDPrefix = "-BP0100-"

func newPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	if _, err := rand.Read(id[len(peerIDPrefix):]); err != nil {
		return id, fmt.Errorf("engine: generate peer id: %w", err)
	}
	return id, nil
}

// Engine owns every active Torrent plus the process-wide collaborators a
// Torrent cannot own itself: the single inbound listener, the shared DHT
// node and LSD listener, the global rate-limit pair, and the on-disk
// torrents.json index (spec §4.11/§6). Grounded on the teacher's
// cmd/go-torrent/main.go entrypoint and torrent/state.go's persistence,
// generalized from "one torrent per process invocation" into a
// long-lived multi-torrent manager.
type Engine struct {
	settings Settings
	peerID   [20]byte

	globalRate  *ratelimit.Pair
	dhtNode     *dht.Node
	lsdListener *lsd.Listener
	selfIPs     []net.IP

	index *resume.Index

	listener   net.Listener
	listenPort int

	mu       sync.Mutex
	torrents map[string]*Torrent // keyed by lowercase hex info-hash
	running  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *logrus.Entry
}

// New builds an Engine: generates a peer ID, binds the inbound listener
// somewhere in [ListenPortMin, ListenPortMax], loads the resume index,
// and brings up the shared DHT node on the listen port and the LSD
// listener on the LSD multicast group. It does not start announcing or accepting until Start is called.
func New(settings Settings) (*Engine, error) {
	peerID, err := newPeerID()
	if err != nil {
		return nil, err
	}

	listener, port, err := bindListener(settings.ListenPortMin, settings.ListenPortMax)
	if err != nil {
		return nil, fmt.Errorf("engine: bind listener: %w", err)
	}

	idx, err := resume.LoadIndex(settings.StatePath)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("engine: load resume index: %w", err)
	}

	dhtNode, err := dht.New(port, filepath.Join(settings.StatePath, "dht.nodes"))
	if err != nil {
		logrus.WithError(err).Warn("engine: dht node unavailable, running without dht")
		dhtNode = nil
	}

	lsdListener, err := lsd.NewListener(port)
	if err != nil {
		logrus.WithError(err).Warn("engine: lsd listener unavailable, running without lsd")
		lsdListener = nil
	}

	e := &Engine{
		settings:    settings,
		peerID:      peerID,
		globalRate:  ratelimit.NewPair(float64(settings.GlobalMaxDownloadBps), float64(settings.GlobalMaxUploadBps)),
		dhtNode:     dhtNode,
		lsdListener: lsdListener,
		selfIPs:     localIPs(),
		index:       idx,
		listener:    listener,
		listenPort:  port,
		torrents:    map[string]*Torrent{},
		log:         logrus.WithField("component", "engine"),
	}
	return e, nil
}

// bindListener tries every port in [min, max] until one binds.
func bindListener(min, max int) (net.Listener, int, error) {
	if min <= 0 || max < min {
		min, max = 49152, 65535
	}
	for port := min; port <= max; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
		if err == nil {
			return l, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no free port in [%d, %d]", min, max)
}

func localIPs() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []net.IP
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok {
			ips = append(ips, ipNet.IP)
		}
	}
	return ips
}

// Start brings the engine fully online: the inbound accept loop, the
// shared DHT node's bootstrap, the LSD listener's read loop, and every
// torrent already known to the resume index (spec §6's reload-on-start).
func (e *Engine) Start(parent context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.ctx, e.cancel = context.WithCancel(parent)
	e.running = true
	ctx := e.ctx
	e.mu.Unlock()

	if e.dhtNode != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.dhtNode.Bootstrap(ctx); err != nil {
				e.log.WithError(err).Warn("dht bootstrap failed")
			}
		}()
	}
	if e.lsdListener != nil {
		e.wg.Add(1)
		go func() { defer e.wg.Done(); e.lsdListener.Run(ctx) }()
	}

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.acceptLoop(ctx) }()

	e.reloadFromIndex(ctx)
}

// reloadFromIndex re-parses every torrent file referenced by the
// persisted index and starts it, resuming from its saved bitfield if one
// exists (spec §6's crash-recovery guarantee).
func (e *Engine) reloadFromIndex(ctx context.Context) {
	e.mu.Lock()
	entries := append([]resume.TorrentEntry(nil), e.index.Torrents...)
	e.mu.Unlock()

	for _, entry := range entries {
		if _, err := e.addFromEntry(entry); err != nil {
			e.log.WithError(err).WithField("torrent_file", entry.TorrentFilePath).Warn("failed to reload torrent")
			continue
		}
	}
}

func (e *Engine) addFromEntry(entry resume.TorrentEntry) (*Torrent, error) {
	data, err := os.ReadFile(entry.TorrentFilePath)
	if err != nil {
		return nil, fmt.Errorf("engine: read %s: %w", entry.TorrentFilePath, err)
	}
	info, err := metainfo.Parse(data, entry.DownloadPath)
	if err != nil {
		return nil, fmt.Errorf("engine: parse %s: %w", entry.TorrentFilePath, err)
	}
	return e.addTorrent(info, entry.DownloadPath, entry.TorrentFilePath, true)
}

// AddTorrent parses a .torrent file at torrentPath, registers it in the
// resume index, and starts it if the engine is already running (spec
// §4.11's add operation).
func (e *Engine) AddTorrent(torrentPath, downloadPath string) (*Torrent, error) {
	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return nil, fmt.Errorf("engine: read %s: %w", torrentPath, err)
	}
	if downloadPath == "" {
		downloadPath = e.settings.DefaultDownloadPath
	}
	info, err := metainfo.Parse(data, downloadPath)
	if err != nil {
		return nil, fmt.Errorf("engine: parse %s: %w", torrentPath, err)
	}
	return e.addTorrent(info, downloadPath, torrentPath, false)
}

func (e *Engine) addTorrent(info *metainfo.Info, downloadPath, torrentPath string, fromIndex bool) (*Torrent, error) {
	key := fmt.Sprintf("%x", info.InfoHash)

	e.mu.Lock()
	if existing, ok := e.torrents[key]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.mu.Unlock()

	statePath := resume.PathFor(e.settings.StatePath, info.InfoHash)
	rec, err := resume.Load(statePath)
	if err != nil {
		rec = resume.NewRecord(info.InfoHash, info.Name, downloadPath, info.PieceCount)
	}

	deps := Deps{
		PeerID:     e.peerID,
		Settings:   e.settings,
		ListenPort: e.listenPort,
		GlobalRate: e.globalRate,
		DHT:        e.dhtNode,
		LSD:        e.lsdListener,
		SelfIPs:    e.selfIPs,
	}
	t, err := NewTorrent(info, downloadPath, deps, rec, statePath)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.torrents[key] = t
	running := e.running
	ctx := e.ctx
	e.mu.Unlock()

	if !fromIndex {
		e.index.Add(resume.TorrentEntry{InfoHash: key, TorrentFilePath: torrentPath, DownloadPath: downloadPath})
		if err := e.index.Save(); err != nil {
			e.log.WithError(err).Warn("failed to save torrent index")
		}
	}

	if running {
		t.Start(ctx)
	}
	return t, nil
}

// RemoveTorrent stops a torrent, drops it from the index, and optionally
// deletes its downloaded data from disk (spec §4.11's remove operation).
func (e *Engine) RemoveTorrent(infoHashHex string, deleteData bool) error {
	e.mu.Lock()
	t, ok := e.torrents[infoHashHex]
	if ok {
		delete(e.torrents, infoHashHex)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: unknown torrent %s", infoHashHex)
	}

	t.Stop()
	if deleteData {
		os.RemoveAll(t.DownloadRoot())
	}
	resume.Delete(resume.PathFor(e.settings.StatePath, t.InfoHash()))
	e.index.Remove(infoHashHex)
	if err := e.index.Save(); err != nil {
		e.log.WithError(err).Warn("failed to save torrent index after removal")
	}
	return nil
}

// PauseTorrent pauses one torrent by info-hash hex, leaving it resumable.
func (e *Engine) PauseTorrent(infoHashHex string) error {
	t, err := e.lookup(infoHashHex)
	if err != nil {
		return err
	}
	t.Pause()
	return nil
}

// ResumeTorrent restarts a paused torrent.
func (e *Engine) ResumeTorrent(infoHashHex string) error {
	t, err := e.lookup(infoHashHex)
	if err != nil {
		return err
	}
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	t.Start(ctx)
	return nil
}

// SetFilePriority forwards to the named torrent's per-file priority.
func (e *Engine) SetFilePriority(infoHashHex string, fileIndex, priority int) error {
	t, err := e.lookup(infoHashHex)
	if err != nil {
		return err
	}
	return t.SetFilePriority(fileIndex, priority)
}

// SetRateLimits forwards to the named torrent's own download/upload
// rate limit (spec §4.11's set_rate_limits(id, down, up)), distinct
// from the process-wide global budget configured once at startup via
// Settings.GlobalMaxDownloadBps/UploadBps.
func (e *Engine) SetRateLimits(infoHashHex string, downloadBps, uploadBps float64) error {
	t, err := e.lookup(infoHashHex)
	if err != nil {
		return err
	}
	t.SetRateLimit(downloadBps, uploadBps)
	return nil
}

// Snapshot returns every torrent's observable state (spec §4.11's
// get_snapshot, aggregated across the whole engine).
func (e *Engine) Snapshot() []TorrentSnapshot {
	e.mu.Lock()
	torrents := make([]*Torrent, 0, len(e.torrents))
	for _, t := range e.torrents {
		torrents = append(torrents, t)
	}
	e.mu.Unlock()

	out := make([]TorrentSnapshot, 0, len(torrents))
	for _, t := range torrents {
		out = append(out, t.Snapshot())
	}
	return out
}

func (e *Engine) lookup(infoHashHex string) (*Torrent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.torrents[infoHashHex]
	if !ok {
		return nil, fmt.Errorf("engine: unknown torrent %s", infoHashHex)
	}
	return t, nil
}

// acceptLoop accepts inbound connections, reads and routes their
// handshake to the matching torrent by info-hash, and hands off the
// session. A handshake for an unknown info-hash or that never arrives
// within inboundHandshakeTimeout is dropped.
func (e *Engine) acceptLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		e.listener.Close()
	}()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				e.log.WithError(err).Warn("accept failed")
				continue
			}
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.dispatchInbound(conn)
		}()
	}
}

func (e *Engine) dispatchInbound(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(inboundHandshakeTimeout))
	hs, err := wire.ReadHandshake(conn, [20]byte{}, false)
	if err != nil {
		conn.Close()
		return
	}

	key := fmt.Sprintf("%x", hs.InfoHash)
	t, err := e.lookup(key)
	if err != nil {
		conn.Close()
		return
	}

	if err := wire.WriteHandshake(conn, hs.InfoHash, e.peerID); err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	sess := peerconn.Attach(conn.RemoteAddr().String(), conn, t.NumPieces())
	t.AddSession(sess)
}

// Stop tears the whole engine down: every torrent announces "stopped"
// and persists its resume record, the DHT node and listener close, and
// the torrents.json index is flushed one last time.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	torrents := make([]*Torrent, 0, len(e.torrents))
	for _, t := range e.torrents {
		torrents = append(torrents, t)
	}
	e.mu.Unlock()

	for _, t := range torrents {
		t.Stop()
	}

	if cancel != nil {
		cancel()
	}
	e.listener.Close()
	e.wg.Wait()

	if e.dhtNode != nil {
		e.dhtNode.Close()
	}
	if err := e.index.Save(); err != nil {
		e.log.WithError(err).Warn("failed to save torrent index on shutdown")
	}
}
