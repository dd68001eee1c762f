package engine

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/nvilla/bitpeer/bitfield"
	"github.com/nvilla/bitpeer/discovery"
	"github.com/nvilla/bitpeer/discovery/pex"
	"github.com/nvilla/bitpeer/peerconn"
	"github.com/nvilla/bitpeer/storage"
	"github.com/nvilla/bitpeer/wire"
)

// pipelineTick is how often the request pipeline refreshes the session
// pool, fills request budget and sweeps timeouts. Grounded on the
// teacher's notificationStep/periodic-save cadence in
// downloadPiecesWithContext, generalized into a fixed ticker since the
// teacher's loop was driven by a blocking results channel instead.
const pipelineTick = 250 * time.Millisecond

// checkpointEvery bounds how often a completed piece triggers a resume
// checkpoint write, mirroring the teacher's "every 10 pieces" save.
const checkpointEvery = 10

// pexBroadcastInterval is how often each session's ut_pex delta is sent,
// per BEP 11's "no more than once per minute" recommendation.
const pexBroadcastInterval = 60 * time.Second

// runPipeline is the per-torrent loop: connect new peers up to the
// connection budget, fill outstanding block requests, sweep expired
// ones, and periodically broadcast ut_pex deltas. Blocks until ctx is
// cancelled.
func (t *Torrent) runPipeline(ctx context.Context) {
	ticker := time.NewTicker(pipelineTick)
	defer ticker.Stop()
	pexTicker := time.NewTicker(pexBroadcastInterval)
	defer pexTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ep := <-t.agg.Endpoints():
			t.maybeDial(ctx, ep)
		case <-ticker.C:
			t.fillRequests()
			t.sweepTimeouts()
		case <-pexTicker.C:
			t.broadcastPex()
		}
	}
}

// broadcastPex sends each ut_pex-capable peer the delta of endpoints
// connected since its last diff (spec's BEP 11 supplement).
func (t *Torrent) broadcastPex() {
	t.mu.Lock()
	endpoints := make([]discovery.Endpoint, 0, len(t.sessions))
	for addr := range t.sessions {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		ip := net.ParseIP(host)
		port, err := strconv.Atoi(portStr)
		if ip == nil || err != nil {
			continue
		}
		endpoints = append(endpoints, discovery.Endpoint{IP: ip, Port: port})
	}
	sessions := make([]*peerSession, 0, len(t.sessions))
	for _, ps := range t.sessions {
		if ps.theirPexID != 0 {
			sessions = append(sessions, ps)
		}
	}
	t.mu.Unlock()

	for _, ps := range sessions {
		msg := ps.pexTracker.Diff(endpoints)
		if len(msg.Added) == 0 && len(msg.Added6) == 0 && len(msg.Dropped) == 0 && len(msg.Dropped6) == 0 {
			continue
		}
		ps.sess.SendExtended(pex.BuildExtended(ps.theirPexID, msg))
	}
}

// maybeDial connects to a newly discovered endpoint if the torrent is
// under its connection and half-open budgets (spec §4.7).
func (t *Torrent) maybeDial(ctx context.Context, ep discovery.Endpoint) {
	t.mu.Lock()
	max := t.settings.MaxConnections
	maxHalf := t.settings.MaxHalfOpenConnections
	if max > 0 && len(t.sessions) >= max {
		t.mu.Unlock()
		return
	}
	if maxHalf > 0 && t.halfOpen >= maxHalf {
		t.mu.Unlock()
		return
	}
	t.halfOpen++
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			t.halfOpen--
			t.mu.Unlock()
		}()

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		addr := net.JoinHostPort(ep.IP.String(), strconv.Itoa(ep.Port))
		sess, err := peerconn.Connect(dialCtx, addr, t.infoHash, t.peerID, t.info.PieceCount)
		if err != nil {
			return
		}
		t.AddSession(sess)
	}()
}

// fillRequests keeps each session's interested state current, then asks
// the picker for candidate pieces per unchoked session with spare
// request budget and issues block requests up to max_pieces_in_flight
// overall and max_requests_per_peer per session (spec §4.7).
func (t *Torrent) fillRequests() {
	t.mu.Lock()
	if t.pick.AllComplete() {
		t.status = StatusSeeding
		t.mu.Unlock()
		return
	}
	sessions := make([]*peerSession, 0, len(t.sessions))
	for _, ps := range t.sessions {
		sessions = append(sessions, ps)
	}
	inFlightPieces := len(t.pieces)
	budget := t.settings.MaxPiecesInFlight - inFlightPieces
	maxPerPeer := t.settings.MaxRequestsPerPeer
	t.mu.Unlock()

	if budget < 0 {
		budget = 0
	}

	for _, ps := range sessions {
		sess := ps.sess
		bf := sess.RemoteBitfield()
		if bf == nil {
			continue
		}

		wanted := t.hasWantedPiece(bf)
		switch {
		case wanted && !sess.AmInterested():
			sess.SendInterested()
		case !wanted && sess.AmInterested():
			sess.SendNotInterested()
		}

		if sess.PeerChoking() || !sess.AmInterested() {
			continue
		}
		spare := maxPerPeer - sess.InFlightOutCount()
		for spare > 0 && budget > 0 {
			idx := t.nextPieceFor(bf)
			if idx < 0 {
				break
			}
			if !t.requestNextBlock(sess, idx) {
				break
			}
			spare--
			budget--
		}
	}
}

// hasWantedPiece reports whether bf has any piece we have not completed.
func (t *Torrent) hasWantedPiece(bf *bitfield.Bitfield) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < t.completed.Len(); i++ {
		if bf.Get(i) && !t.completed.Get(i) && t.pieceWanted(i) {
			return true
		}
	}
	return false
}

// nextPieceFor asks the picker for one piece the session has that is not
// already fully requested, marking it in-progress.
func (t *Torrent) nextPieceFor(bf *bitfield.Bitfield) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for idx, pa := range t.pieces {
		if !bf.Get(idx) {
			continue
		}
		for b := 0; b < pa.received.Len(); b++ {
			key := blockKey{piece: uint32(idx), offset: uint32(b * blockSize)}
			if _, requested := t.requests[key]; !pa.received.Get(b) && !requested {
				return idx
			}
		}
	}
	inFlight := make(map[int]bool, len(t.pieces))
	for idx := range t.pieces {
		inFlight[idx] = true
	}
	candidates := t.pick.PickPieces(8, inFlight)
	for _, idx := range candidates {
		if !bf.Get(idx) || !t.pieceWanted(idx) {
			continue
		}
		if _, ok := t.pieces[idx]; !ok {
			t.pieces[idx] = t.newAssemblyLocked(idx)
			t.pick.MarkDownloading(idx)
		}
		return idx
	}
	return -1
}

func (t *Torrent) newAssemblyLocked(idx int) *pieceAssembly {
	length := t.info.PieceLen(idx)
	n := numBlocks(length)
	return &pieceAssembly{
		buf:      make([]byte, length),
		received: bitfield.New(n),
	}
}

// requestNextBlock sends a request for the next not-yet-requested,
// not-yet-received block of piece idx to sess.
func (t *Torrent) requestNextBlock(sess *peerconn.Session, idx int) bool {
	t.mu.Lock()
	pa, ok := t.pieces[idx]
	if !ok {
		t.mu.Unlock()
		return false
	}
	pieceLen := int64(len(pa.buf))
	block := -1
	for b := 0; b < pa.received.Len(); b++ {
		if pa.received.Get(b) {
			continue
		}
		key := blockKey{piece: uint32(idx), offset: uint32(b * blockSize)}
		if _, requested := t.requests[key]; requested {
			continue
		}
		block = b
		break
	}
	if block < 0 {
		t.mu.Unlock()
		return false
	}
	offset := block * blockSize
	length := blockSize
	if int64(offset+length) > pieceLen {
		length = int(pieceLen) - offset
	}
	req := wire.BlockRequest{Piece: uint32(idx), Offset: uint32(offset), Length: uint32(length)}
	t.mu.Unlock()

	// Backpressure (spec §4.7/§4.10): suspend issuing new requests once
	// the process-wide or per-torrent download budget is exhausted,
	// mirroring serveRequest's upload-side token check. The piece stays
	// marked in-progress, so the next pipeline tick retries this same
	// block once tokens refill.
	if t.global != nil && !t.global.Download.TryConsume(float64(length)) {
		return false
	}
	if !t.rate.Download.TryConsume(float64(length)) {
		return false
	}

	if !sess.SendRequest(req) {
		return false
	}
	t.mu.Lock()
	t.requests[blockKey{piece: req.Piece, offset: req.Offset}] = &requestState{
		addr:     sess.ID(),
		deadline: time.Now().Add(blockRequestTimeout),
	}
	t.mu.Unlock()
	return true
}

// sweepTimeouts removes requests whose deadline has passed, so a later
// pipeline tick requests those blocks again, and sends a cancel to the
// peer that held each one. Every new request starts with a zero timeout
// count, so the maxBlockTimeouts branch below is never reached: a block
// that keeps timing out is requested again without limit, and the peer
// stays eligible for the same piece.
func (t *Torrent) sweepTimeouts() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, rs := range t.requests {
		if now.Before(rs.deadline) {
			continue
		}
		delete(t.requests, key)
		rs.timeouts++
		if rs.timeouts >= maxBlockTimeouts {
			continue // give up on this block against this peer for now
		}
		if ps, ok := t.sessions[rs.addr]; ok {
			length := int64(blockSize)
			if rest := t.info.PieceLen(int(key.piece)) - int64(key.offset); rest < length {
				length = rest
			}
			ps.sess.SendCancel(wire.BlockRequest{Piece: key.piece, Offset: key.offset, Length: uint32(length)})
		}
	}
}

// handleBlock copies a received block into its piece's assembly buffer
// and, once the piece is complete, verifies and writes it (spec §4.7's
// piece-receipt validation).
func (t *Torrent) handleBlock(s *peerconn.Session, block wire.Block) {
	idx := int(block.Piece)
	t.mu.Lock()
	pa, ok := t.pieces[idx]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.requests, blockKey{piece: block.Piece, offset: block.Offset})
	if int(block.Offset)+len(block.Data) > len(pa.buf) {
		t.mu.Unlock()
		return
	}
	copy(pa.buf[block.Offset:], block.Data)
	pa.received.Set(int(block.Offset) / blockSize)
	t.downloaded += int64(len(block.Data))
	complete := pa.received.Complete()
	var buf []byte
	if complete {
		buf = pa.buf
	}
	t.mu.Unlock()

	if !complete {
		return
	}
	t.finishPiece(idx, buf)
}

func (t *Torrent) finishPiece(idx int, data []byte) {
	err := t.store.WritePiece(idx, data)

	t.mu.Lock()
	delete(t.pieces, idx)
	if err != nil {
		if errors.Is(err, storage.ErrHashMismatch) {
			t.pick.UnmarkDownloading(idx)
			t.mu.Unlock()
			t.log.WithField("piece", idx).Warn("hash mismatch, discarding piece")
			return
		}
		t.status = StatusError
		t.lastErr = err.Error()
		t.mu.Unlock()
		t.log.WithError(err).WithField("piece", idx).Error("write failed")
		return
	}

	t.pick.Complete(idx)
	t.completed.Set(idx)
	t.piecesSinceCheckpoint++
	shouldCheckpoint := t.record != nil && t.piecesSinceCheckpoint >= checkpointEvery
	if shouldCheckpoint {
		t.record.SetBitfield(t.completed)
		t.record.DownloadedBytes = t.downloaded
		t.record.UploadedBytes = t.uploaded
		t.piecesSinceCheckpoint = 0
	}
	t.mu.Unlock()

	t.broadcastHave(uint32(idx))
	if shouldCheckpoint {
		t.checkpoint()
	}
}

func (t *Torrent) broadcastHave(idx uint32) {
	t.mu.Lock()
	sessions := make([]*peerSession, 0, len(t.sessions))
	for _, ps := range t.sessions {
		sessions = append(sessions, ps)
	}
	t.mu.Unlock()
	for _, ps := range sessions {
		ps.sess.SendHave(idx)
	}
}

func (t *Torrent) checkpoint() {
	t.mu.Lock()
	rec := t.record
	path := t.statePath
	t.mu.Unlock()
	if rec == nil || path == "" {
		return
	}
	if err := rec.Save(path); err != nil {
		t.log.WithError(err).Warn("checkpoint save failed")
	}
}
