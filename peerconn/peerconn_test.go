package peerconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvilla/bitpeer/bitfield"
	"github.com/nvilla/bitpeer/wire"
)

type fakeHandler struct {
	haves    []uint32
	bitfield bool
	pieces   []wire.Block
	requests []wire.BlockRequest
	cancels  []wire.BlockRequest
	dhtPorts []uint16
	extended []wire.ExtendedMessage
	closed   bool
	closeErr error
}

func (f *fakeHandler) OnHave(s *Session, index uint32)             { f.haves = append(f.haves, index) }
func (f *fakeHandler) OnBitfield(s *Session, bf *bitfield.Bitfield) { f.bitfield = true }
func (f *fakeHandler) OnPiece(s *Session, block wire.Block)        { f.pieces = append(f.pieces, block) }
func (f *fakeHandler) OnRequest(s *Session, req wire.BlockRequest) { f.requests = append(f.requests, req) }
func (f *fakeHandler) OnCancel(s *Session, req wire.BlockRequest)  { f.cancels = append(f.cancels, req) }
func (f *fakeHandler) OnPort(s *Session, dhtPort uint16)       { f.dhtPorts = append(f.dhtPorts, dhtPort) }
func (f *fakeHandler) OnExtended(s *Session, msg wire.ExtendedMessage) {
	f.extended = append(f.extended, msg)
}
func (f *fakeHandler) OnClosed(s *Session, err error) { f.closed, f.closeErr = true, err }

func newTestSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	s := newSession("peer1", server, 10)
	s.setState(Active)
	return s, client
}

func TestHandleMessageChokeUnchoke(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.handleMessage(wire.NewChoke(), nil))
	assert.True(t, s.PeerChoking())

	require.NoError(t, s.handleMessage(wire.NewUnchoke(), nil))
	assert.False(t, s.PeerChoking())
}

func TestAmInterestedReflectsSentMessages(t *testing.T) {
	s, _ := newTestSession(t)
	assert.False(t, s.AmInterested())
	s.SendInterested()
	assert.True(t, s.AmInterested())
	s.SendNotInterested()
	assert.False(t, s.AmInterested())
}

func TestHandleMessageInterestedToggle(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.handleMessage(wire.NewInterested(), nil))
	assert.True(t, s.Interested())
	require.NoError(t, s.handleMessage(wire.NewNotInterested(), nil))
	assert.False(t, s.Interested())
}

func TestHandleMessageHaveUpdatesRemoteBitfield(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.handleMessage(wire.NewHave(3), nil))
	bf := s.RemoteBitfield()
	require.NotNil(t, bf)
	assert.True(t, bf.Get(3))
}

func TestHandleMessageMalformedHaveIsProtocolViolation(t *testing.T) {
	s, _ := newTestSession(t)
	bad := &wire.Message{ID: wire.Have, Payload: []byte{1, 2}}
	err := s.handleMessage(bad, nil)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestHandleMessageBitfieldThenDuplicateIsProtocolViolation(t *testing.T) {
	s, _ := newTestSession(t)
	bits := make([]byte, 2) // 10 bits -> 2 bytes
	first := wire.NewBitfield(bits)
	require.NoError(t, s.handleMessage(first, nil))

	err := s.handleMessage(wire.NewBitfield(bits), nil)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestHandleMessageHaveBeforeBitfieldIsNotTreatedAsDuplicate(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.handleMessage(wire.NewHave(1), nil))

	bits := make([]byte, 2)
	err := s.handleMessage(wire.NewBitfield(bits), nil)
	assert.NoError(t, err)
}

func TestHandleMessageRequestQueuesUpToFloodLimit(t *testing.T) {
	s, _ := newTestSession(t)
	for i := 0; i < MaxInboundQueue; i++ {
		req := wire.NewRequest(wire.BlockRequest{Piece: uint32(i), Offset: 0, Length: 16384})
		require.NoError(t, s.handleMessage(req, nil))
	}
	// one more tips it over
	over := wire.NewRequest(wire.BlockRequest{Piece: 9999, Offset: 0, Length: 16384})
	err := s.handleMessage(over, nil)
	assert.ErrorIs(t, err, ErrFloodedRequests)
}

func TestHandleMessageCancelDropsQueuedRequest(t *testing.T) {
	s, _ := newTestSession(t)
	req := wire.BlockRequest{Piece: 1, Offset: 0, Length: 16384}
	require.NoError(t, s.handleMessage(wire.NewRequest(req), nil))
	require.Len(t, s.inboundQueue, 1)

	require.NoError(t, s.handleMessage(wire.NewCancel(req), nil))
	assert.Len(t, s.inboundQueue, 0)
}

func TestHandleMessagePortForwardsToHandler(t *testing.T) {
	s, _ := newTestSession(t)
	h := &fakeHandler{}
	require.NoError(t, s.handleMessage(wire.NewPort(6881), h))
	assert.Equal(t, []uint16{6881}, h.dhtPorts)
}

func TestHandleMessageMalformedPortIsProtocolViolation(t *testing.T) {
	s, _ := newTestSession(t)
	bad := &wire.Message{ID: wire.Port, Payload: []byte{1}}
	err := s.handleMessage(bad, nil)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestHandleMessageExtendedForwardsToHandler(t *testing.T) {
	s, _ := newTestSession(t)
	h := &fakeHandler{}
	msg := wire.NewExtended(1, wire.ExtendedHandshakeDict(map[string]uint8{"ut_pex": 1}), nil)
	require.NoError(t, s.handleMessage(msg, h))
	require.Len(t, h.extended, 1)
	assert.Equal(t, uint8(1), h.extended[0].ExtID)
}

func TestHandleMessageMalformedExtendedIsProtocolViolation(t *testing.T) {
	s, _ := newTestSession(t)
	bad := &wire.Message{ID: wire.Extended, Payload: nil}
	err := s.handleMessage(bad, nil)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestHandleMessagePieceClearsInFlight(t *testing.T) {
	s, _ := newTestSession(t)
	s.mu.Lock()
	s.peerChoking = false
	s.amInterested = true
	s.mu.Unlock()

	ok := s.SendRequest(wire.BlockRequest{Piece: 0, Offset: 0, Length: 4})
	require.True(t, ok)
	assert.Equal(t, 1, s.InFlightOutCount())

	block := wire.NewPiece(0, 0, []byte{1, 2, 3, 4})
	require.NoError(t, s.handleMessage(block, nil))
	assert.Equal(t, 0, s.InFlightOutCount())
	assert.Greater(t, s.DownloadRate(), 0.0)
}

func TestSendRequestRejectedWhenChokedOrNotInterested(t *testing.T) {
	s, _ := newTestSession(t)
	assert.False(t, s.SendRequest(wire.BlockRequest{Piece: 0, Offset: 0, Length: 4})) // default: choked, not interested

	s.mu.Lock()
	s.peerChoking = false
	s.mu.Unlock()
	assert.False(t, s.SendRequest(wire.BlockRequest{Piece: 0, Offset: 0, Length: 4})) // still not interested
}

func TestSendRequestRespectsQuota(t *testing.T) {
	s, _ := newTestSession(t)
	s.mu.Lock()
	s.peerChoking = false
	s.amInterested = true
	s.maxRequestsPerPeer = 2
	s.mu.Unlock()

	assert.True(t, s.SendRequest(wire.BlockRequest{Piece: 0, Offset: 0, Length: 4}))
	assert.True(t, s.SendRequest(wire.BlockRequest{Piece: 1, Offset: 0, Length: 4}))
	assert.False(t, s.SendRequest(wire.BlockRequest{Piece: 2, Offset: 0, Length: 4}))
}

func TestChokeClearsInboundQueue(t *testing.T) {
	s, _ := newTestSession(t)
	s.mu.Lock()
	s.amChoking = false
	s.mu.Unlock()
	req := wire.BlockRequest{Piece: 0, Offset: 0, Length: 4}
	require.NoError(t, s.handleMessage(wire.NewRequest(req), nil))
	require.Len(t, s.inboundQueue, 1)

	s.Choke()
	s.mu.Lock()
	assert.Len(t, s.inboundQueue, 0)
	assert.True(t, s.amChoking)
	s.mu.Unlock()
}

func TestRunExchangesHandshakeFollowupOverPipe(t *testing.T) {
	s, client := newTestSession(t)
	handler := &fakeHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, handler)
		close(done)
	}()

	// client sends an unchoke then a have; session should update state.
	_, err := client.Write(wire.NewUnchoke().Encode())
	require.NoError(t, err)
	_, err = client.Write(wire.NewHave(2).Encode())
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		if len(handler.haves) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for have to be observed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	assert.Equal(t, []uint32{2}, handler.haves)

	cancel()
	<-done
	assert.True(t, handler.closed)
}
