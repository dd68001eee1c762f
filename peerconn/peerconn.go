// Package peerconn implements the per-peer session state machine: the
// handshake, the tit-for-tat choke/interest sub-states, keep-alives,
// inbound/outbound request bookkeeping and idle/flood enforcement.
// Grounded on peer/peer.go's connection lifecycle (dial, handshake,
// read loop, per-request pipelining) generalized from its single-purpose
// download loop into the full state machine spec §4.5 describes, with a
// dedicated writer goroutine draining an outbox channel so the outgoing
// stream stays totally ordered per session.
package peerconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nvilla/bitpeer/bitfield"
	"github.com/nvilla/bitpeer/wire"
)

// State is a session's position in its lifecycle.
type State int

const (
	Connecting State = iota
	HandshakeSent
	HandshakeReceived
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case HandshakeSent:
		return "HandshakeSent"
	case HandshakeReceived:
		return "HandshakeReceived"
	case Active:
		return "Active"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

const (
	// DefaultMaxRequestsPerPeer is the outstanding-request quota we grant
	// ourselves against one peer (spec §4.5).
	DefaultMaxRequestsPerPeer = 128
	// MaxInboundQueue is the bound on requests a peer has queued against
	// us before we close the session with ErrFloodedRequests.
	MaxInboundQueue = 256
	keepAliveInterval = 2 * time.Minute
	idleTimeout        = 2 * time.Minute
	// rateAlpha weights the transfer-rate EWMA the choke manager ranks
	// peers by; each piece message counts as one sample.
	rateAlpha = 0.2
)

var (
	ErrProtocolViolation = errors.New("peerconn: protocol violation")
	ErrFloodedRequests   = errors.New("peerconn: inbound request queue flooded")
	ErrIdleTimeout       = errors.New("peerconn: idle timeout")
	ErrClosed            = errors.New("peerconn: session closed")
)

// Handler receives events from a Session as messages arrive. Methods are
// called from the session's reader goroutine and must not block.
type Handler interface {
	OnHave(s *Session, index uint32)
	OnBitfield(s *Session, bf *bitfield.Bitfield)
	OnPiece(s *Session, block wire.Block)
	OnRequest(s *Session, req wire.BlockRequest)
	OnCancel(s *Session, req wire.BlockRequest)
	OnPort(s *Session, dhtPort uint16)
	OnExtended(s *Session, msg wire.ExtendedMessage)
	OnClosed(s *Session, err error)
}

// Session is one peer connection's state machine. Construct with
// Connect (outbound) or Attach (inbound, after the dispatcher has
// already read and matched the handshake), then call Run.
type Session struct {
	id   string // remote address, used as a stable identity for choke/picker
	conn net.Conn

	numPieces int
	outbox    chan []byte

	mu              sync.Mutex
	state           State
	amChoking       bool
	amInterested    bool
	peerChoking     bool
	peerInterested  bool
	remoteBitfield  *bitfield.Bitfield
	gotBitfieldMsg  bool // true once an actual Bitfield message (not a lazily-seeded Have) was received
	inFlightOut     map[blockKey]time.Time // requests we sent, awaiting a piece
	inboundQueue    []wire.BlockRequest    // requests the peer sent, awaiting our data
	lastOutgoing    time.Time
	lastIncoming    time.Time
	downloadRate    float64 // EWMA bytes/message received from peer (piece messages)
	uploadRate      float64 // EWMA bytes/message sent to peer (piece messages)
	maxRequestsPerPeer int

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	log *logrus.Entry
}

type blockKey struct {
	piece, offset uint32
}

// Connect dials address, performs the outbound handshake, and returns a
// Session in HandshakeReceived state ready for Run. numPieces sizes the
// remote bitfield once it arrives.
func Connect(ctx context.Context, address string, infoHash, peerID [20]byte, numPieces int) (*Session, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("peerconn: dial %s: %w", address, err)
	}
	s := newSession(address, conn, numPieces)
	s.setState(HandshakeSent)

	if err := wire.WriteHandshake(conn, infoHash, peerID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peerconn: write handshake: %w", err)
	}
	hs, err := wire.ReadHandshake(conn, infoHash, true)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peerconn: read handshake: %w", err)
	}
	_ = hs
	s.setState(HandshakeReceived)
	return s, nil
}

// Attach wraps an already-accepted, already-handshake-validated
// connection (the engine's listener dispatcher reads and matches the
// handshake before routing to a torrent) into a Session ready for Run.
func Attach(address string, conn net.Conn, numPieces int) *Session {
	s := newSession(address, conn, numPieces)
	s.setState(HandshakeReceived)
	return s
}

func newSession(id string, conn net.Conn, numPieces int) *Session {
	return &Session{
		id:                 id,
		conn:               conn,
		numPieces:          numPieces,
		outbox:             make(chan []byte, 64),
		amChoking:          true,
		peerChoking:        true,
		inFlightOut:        map[blockKey]time.Time{},
		maxRequestsPerPeer: DefaultMaxRequestsPerPeer,
		closed:             make(chan struct{}),
		log:                logrus.WithField("component", "peerconn").WithField("peer", id),
	}
}

// ID returns the stable identity (dial address) used by the picker and
// choke manager to key this session.
func (s *Session) ID() string { return s.id }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run starts the writer and reader loops and blocks until the session
// closes (either side, any reason) or ctx is cancelled.
func (s *Session) Run(ctx context.Context, h Handler) {
	s.setState(Active)
	now := time.Now()
	s.mu.Lock()
	s.lastIncoming, s.lastOutgoing = now, now
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.writeLoop(ctx) }()
	go func() { defer wg.Done(); s.readLoop(h) }()

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			s.Close(ctx.Err())
			break loop
		case <-s.closed:
			break loop
		case <-keepAlive.C:
			s.maybeSendKeepAlive()
		}
	}
	wg.Wait()
	if h != nil {
		h.OnClosed(s, s.closeErr)
	}
}

func (s *Session) maybeSendKeepAlive() {
	s.mu.Lock()
	idle := time.Since(s.lastOutgoing)
	s.mu.Unlock()
	if idle >= keepAliveInterval {
		s.send(wire.KeepAlive())
	}
}

// writeLoop drains the outbox to the connection; it is the session's
// single writer, keeping the outgoing stream totally ordered.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		case buf, ok := <-s.outbox:
			if !ok {
				return
			}
			if _, err := s.conn.Write(buf); err != nil {
				s.Close(fmt.Errorf("peerconn: write: %w", err))
				return
			}
			s.mu.Lock()
			s.lastOutgoing = time.Now()
			s.mu.Unlock()
		}
	}
}

// readLoop reads and dispatches frames until the connection fails, an
// idle timeout elapses, or a protocol violation occurs.
func (s *Session) readLoop(h Handler) {
	for {
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			s.Close(classifyReadError(err))
			return
		}
		s.mu.Lock()
		s.lastIncoming = time.Now()
		s.mu.Unlock()

		if msg.IsKeepAlive() {
			continue
		}
		if err := s.handleMessage(msg, h); err != nil {
			s.Close(err)
			return
		}
	}
}

func classifyReadError(err error) error {
	if errors.Is(err, wire.ErrOversized) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrIdleTimeout
	}
	return err
}

// handleMessage applies one decoded message to session state and
// forwards it to h. Exported indirectly through readLoop; kept as its
// own method so tests can drive it without a live connection.
func (s *Session) handleMessage(msg *wire.Message, h Handler) error {
	switch msg.ID {
	case wire.Choke:
		s.mu.Lock()
		s.peerChoking = true
		s.mu.Unlock()
	case wire.Unchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()
	case wire.Interested:
		s.mu.Lock()
		s.peerInterested = true
		s.mu.Unlock()
	case wire.NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()
	case wire.Have:
		idx, err := wire.ParseHave(msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		s.mu.Lock()
		if s.remoteBitfield == nil {
			s.remoteBitfield = bitfield.New(s.numPieces)
		}
		s.remoteBitfield.Set(int(idx))
		s.mu.Unlock()
		if h != nil {
			h.OnHave(s, idx)
		}
	case wire.Bitfield:
		s.mu.Lock()
		if s.gotBitfieldMsg {
			s.mu.Unlock()
			return fmt.Errorf("%w: duplicate bitfield", ErrProtocolViolation)
		}
		bf, ok := bitfield.FromBytes(msg.Payload, s.numPieces)
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: malformed bitfield", ErrProtocolViolation)
		}
		s.remoteBitfield = bf
		s.gotBitfieldMsg = true
		s.mu.Unlock()
		if h != nil {
			h.OnBitfield(s, bf)
		}
	case wire.Request:
		req, err := wire.ParseRequest(msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		s.mu.Lock()
		if len(s.inboundQueue) >= MaxInboundQueue {
			s.mu.Unlock()
			return ErrFloodedRequests
		}
		s.inboundQueue = append(s.inboundQueue, req)
		s.mu.Unlock()
		if h != nil {
			h.OnRequest(s, req)
		}
	case wire.Cancel:
		req, err := wire.ParseRequest(msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		s.mu.Lock()
		s.inboundQueue = dropRequest(s.inboundQueue, req)
		s.mu.Unlock()
		if h != nil {
			h.OnCancel(s, req)
		}
	case wire.Piece:
		block, err := wire.ParseBlock(msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		s.mu.Lock()
		delete(s.inFlightOut, blockKey{block.Piece, block.Offset})
		s.downloadRate = rateAlpha*float64(len(block.Data)) + (1-rateAlpha)*s.downloadRate
		s.mu.Unlock()
		if h != nil {
			h.OnPiece(s, block)
		}
	case wire.Port:
		port, err := wire.ParsePort(msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		if h != nil {
			h.OnPort(s, port)
		}
	case wire.Extended:
		ext, err := wire.ParseExtended(msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		if h != nil {
			h.OnExtended(s, ext)
		}
	default:
		return fmt.Errorf("%w: unknown message id %d", ErrProtocolViolation, msg.ID)
	}
	return nil
}

func dropRequest(queue []wire.BlockRequest, target wire.BlockRequest) []wire.BlockRequest {
	out := queue[:0]
	for _, r := range queue {
		if r != target {
			out = append(out, r)
		}
	}
	return out
}

func (s *Session) send(buf []byte) {
	select {
	case s.outbox <- buf:
	case <-s.closed:
	}
}

// SendChoke/SendUnchoke/SendInterested/SendNotInterested update our own
// tit-for-tat state and notify the peer.
func (s *Session) SendChoke() {
	s.mu.Lock()
	s.amChoking = true
	s.mu.Unlock()
	s.send(wire.NewChoke().Encode())
}

func (s *Session) SendUnchoke() {
	s.mu.Lock()
	s.amChoking = false
	s.mu.Unlock()
	s.send(wire.NewUnchoke().Encode())
}

func (s *Session) SendInterested() {
	s.mu.Lock()
	s.amInterested = true
	s.mu.Unlock()
	s.send(wire.NewInterested().Encode())
}

func (s *Session) SendNotInterested() {
	s.mu.Lock()
	s.amInterested = false
	s.mu.Unlock()
	s.send(wire.NewNotInterested().Encode())
}

// SendBitfield sends our current bitfield.
func (s *Session) SendBitfield(bits []byte) { s.send(wire.NewBitfield(bits).Encode()) }

// SendHave announces a newly verified piece.
func (s *Session) SendHave(index uint32) { s.send(wire.NewHave(index).Encode()) }

// SendPort announces our DHT node's UDP port (BEP 5).
func (s *Session) SendPort(port uint16) { s.send(wire.NewPort(port).Encode()) }

// SendRequest issues a block request, provided we are allowed to (peer
// has unchoked us and we've declared interest) and are under quota.
// Returns false without sending if either precondition fails.
func (s *Session) SendRequest(req wire.BlockRequest) bool {
	s.mu.Lock()
	if s.peerChoking || !s.amInterested {
		s.mu.Unlock()
		return false
	}
	if len(s.inFlightOut) >= s.maxRequestsPerPeer {
		s.mu.Unlock()
		return false
	}
	s.inFlightOut[blockKey{req.Piece, req.Offset}] = time.Now()
	s.mu.Unlock()
	s.send(wire.NewRequest(req).Encode())
	return true
}

// SendCancel cancels a previously sent request.
func (s *Session) SendCancel(req wire.BlockRequest) {
	s.mu.Lock()
	delete(s.inFlightOut, blockKey{req.Piece, req.Offset})
	s.mu.Unlock()
	s.send(wire.NewCancel(req).Encode())
}

// SendPiece fulfils a queued inbound request with data, provided we are
// not choking the peer.
func (s *Session) SendPiece(piece, offset uint32, data []byte) bool {
	s.mu.Lock()
	if s.amChoking {
		s.mu.Unlock()
		return false
	}
	s.inboundQueue = dropRequest(s.inboundQueue, wire.BlockRequest{Piece: piece, Offset: offset, Length: uint32(len(data))})
	s.uploadRate = rateAlpha*float64(len(data)) + (1-rateAlpha)*s.uploadRate
	s.mu.Unlock()
	s.send(wire.NewPiece(piece, offset, data).Encode())
	return true
}

// DownloadRate and UploadRate report the session's transfer-rate EWMA,
// used by the choke manager to rank peers (spec §4.8).
func (s *Session) DownloadRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloadRate
}

func (s *Session) UploadRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadRate
}

// SendExtended sends a pre-built extension-protocol message: the BEP 10
// handshake, or a registered extension payload such as ut_pex.
func (s *Session) SendExtended(msg *wire.Message) { s.send(msg.Encode()) }

// RemoteBitfield returns a clone of the peer's last known bitfield, or
// nil if none has been received yet.
func (s *Session) RemoteBitfield() *bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteBitfield == nil {
		return nil
	}
	return s.remoteBitfield.Clone()
}

// Interested reports whether the peer has declared interest in us,
// satisfying the choke.Peer interface.
func (s *Session) Interested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerInterested
}

// PeerChoking reports whether the peer is choking us. The request
// pipeline must not send block requests to a session while this is true.
func (s *Session) PeerChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerChoking
}

// AmInterested reports whether we have declared interest in the peer.
func (s *Session) AmInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amInterested
}

// Unchoke/Choke satisfy choke.Peer, applying our own choke decision.
func (s *Session) Unchoke() { s.SendUnchoke() }
func (s *Session) Choke() {
	s.SendChoke()
	s.mu.Lock()
	s.inboundQueue = nil
	s.mu.Unlock()
}

// InFlightOutCount returns how many of our own requests are awaiting a
// piece from this peer.
func (s *Session) InFlightOutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlightOut)
}

// Close closes the session exactly once, recording err as the reason.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		s.closeErr = err
		s.setState(Closed)
		close(s.closed)
		s.conn.Close()
	})
}

// Done returns a channel closed once the session has closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// CloseErr returns the reason the session closed, valid only after Done
// fires.
func (s *Session) CloseErr() error { return s.closeErr }
